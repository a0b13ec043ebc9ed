package capture

import (
	"testing"

	"github.com/bitjig/rund/internal/codec"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
	"github.com/bitjig/rund/internal/location"
)

func newEncoder() *Encoder {
	c := codec.New(
		func(c creation.Creation) (determinism.Value, error) { return float64(0), nil },
		func(ref determinism.Value) (creation.Creation, error) { return nil, nil },
	)
	return &Encoder{Codec: c}
}

// TestTrivialClassCapture mirrors spec scenario S1: deploying `class A {}`
// must capture to the documented state shape with a fixed version.
func TestTrivialClassCapture(t *testing.T) {
	loc, err := location.Parse("_o1")
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	code := &creation.Code{
		Source: "class A {}",
		Deps:   map[string]string{},
		Bindings: creation.Bindings{
			Location: loc,
			Origin:   loc,
			Nonce:    1,
			Satoshis: 0,
		},
	}

	enc := newEncoder()
	state, err := enc.Capture(code)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if state.Kind != "code" {
		t.Errorf("got kind %q, want code", state.Kind)
	}
	if state.Source != "class A {}" {
		t.Errorf("got src %q", state.Source)
	}
	if state.Version != StateVersion {
		t.Errorf("got version %q, want %q", state.Version, StateVersion)
	}
	if state.Props["location"] != "_o1" {
		t.Errorf("got location prop %v", state.Props["location"])
	}
	if state.Props["nonce"] != float64(1) {
		t.Errorf("got nonce prop %v", state.Props["nonce"])
	}
}

func TestHashIsDeterministicAcrossCalls(t *testing.T) {
	loc, _ := location.Parse("_o1")
	code := &creation.Code{
		Source: "class A {}",
		Deps:   map[string]string{},
		Bindings: creation.Bindings{
			Location: loc,
			Origin:   loc,
			Nonce:    1,
		},
	}
	enc := newEncoder()
	state1, err := enc.Capture(code)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := Hash(state1)
	if err != nil {
		t.Fatal(err)
	}
	state2, err := enc.Capture(code)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(state2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d", len(h1))
	}
}
