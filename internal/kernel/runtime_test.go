package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrustListSentinelTrustsEverything(t *testing.T) {
	rt := New(DefaultConfig(), Oracles{}, nil)
	if rt.IsTrusted("anytxid") {
		t.Fatal("expected untrusted before any trust() call")
	}
	rt.Trust(TrustAll)
	if !rt.IsTrusted("anytxid") {
		t.Fatal("expected the \"*\" sentinel to trust any txid")
	}
}

func TestTrustAndUntrustSpecificTxid(t *testing.T) {
	rt := New(DefaultConfig(), Oracles{}, nil)
	rt.Trust("abcd")
	if !rt.IsTrusted("abcd") {
		t.Fatal("expected abcd to be trusted")
	}
	if rt.IsTrusted("other") {
		t.Fatal("expected other txids to remain untrusted")
	}
	rt.Untrust("abcd")
	if rt.IsTrusted("abcd") {
		t.Fatal("expected abcd to no longer be trusted after Untrust")
	}
}

func TestCheckDeadlineNoTimeoutIsNil(t *testing.T) {
	if err := CheckDeadline(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCheckDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := CheckDeadline(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected errors.Is(err, ErrTimeout), got %v", err)
	}
}

func TestActivateDeactivateSingleton(t *testing.T) {
	rt1 := New(DefaultConfig(), Oracles{}, nil)
	rt2 := New(DefaultConfig(), Oracles{}, nil)

	if err := Activate(rt1); err != nil {
		t.Fatalf("activate rt1: %v", err)
	}
	if err := Activate(rt2); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if err := Deactivate(rt2); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	got, ok := Active()
	if !ok || got != rt1 {
		t.Fatalf("active = %v, %v; want rt1, true", got, ok)
	}

	if err := Deactivate(rt1); err != nil {
		t.Fatalf("deactivate rt1: %v", err)
	}
	if _, ok := Active(); ok {
		t.Fatal("expected no active runtime after deactivation")
	}
}
