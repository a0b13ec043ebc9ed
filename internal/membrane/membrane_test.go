package membrane

import (
	"errors"
	"testing"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/record"
	"github.com/bitjig/rund/internal/script"
)

func newInstance() *creation.JigInstance {
	return &creation.JigInstance{Fields: script.NewObject()}
}

func TestGetReadsFieldAndToleratesMissing(t *testing.T) {
	inst := newInstance()
	inst.Fields.Set("n", float64(1))
	rec := record.New()
	m := New(inst, "Counter", rec)

	v, err := m.Get("n")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != float64(1) {
		t.Fatalf("got %v, want 1", v)
	}
	m2 := New(inst, "Counter", rec)
	if _, err := m2.Get("missing"); err != nil {
		t.Fatalf("get missing: %v", err)
	}
}

func TestGetRejectsPrivateFromOutsideClass(t *testing.T) {
	inst := newInstance()
	inst.Fields.Set("_secret", "x")
	m := New(inst, "Counter", record.New())

	if _, err := m.Get("_secret"); !errors.Is(err, ErrPrivate) {
		t.Fatalf("expected ErrPrivate, got %v", err)
	}

	m.CallStack = append(m.CallStack, CallFrame{ClassName: "Counter", Receiver: inst})
	if _, err := m.Get("_secret"); err != nil {
		t.Fatalf("expected private read to succeed from within the same class, got %v", err)
	}
}

func TestSetRejectsReservedName(t *testing.T) {
	inst := newInstance()
	m := New(inst, "Counter", record.New())
	if err := m.Set("location", "whatever"); !errors.Is(err, ErrReserved) {
		t.Fatalf("expected ErrReserved, got %v", err)
	}
}

func TestSetRejectsImmutable(t *testing.T) {
	berry := &creation.Berry{Fields: script.NewObject()}
	m := New(berry, "SomeBerryClass", record.New())
	if err := m.Set("x", float64(1)); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestSetRequiresSmartAPIOwnerFrame(t *testing.T) {
	inst := newInstance()
	m := New(inst, "Counter", record.New())

	if err := m.Set("n", float64(1)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner outside any call frame, got %v", err)
	}

	m.CallStack = append(m.CallStack, CallFrame{ClassName: "Counter", Receiver: inst})
	if err := m.Set("n", float64(1)); err != nil {
		t.Fatalf("expected set to succeed with the receiver as current frame, got %v", err)
	}
	v, _ := inst.Fields.Get("n")
	if v != float64(1) {
		t.Fatalf("field not written: got %v", v)
	}
}

func TestSetRecordsUpdateAndMarksOutput(t *testing.T) {
	inst := newInstance()
	rec := record.New()
	m := New(inst, "Counter", rec)
	m.CallStack = append(m.CallStack, CallFrame{ClassName: "Counter", Receiver: inst})

	if err := m.Set("n", float64(2)); err != nil {
		t.Fatalf("set: %v", err)
	}
	outputs := rec.Outputs()
	if len(outputs) != 1 || outputs[0] != inst {
		t.Fatalf("expected inst to be marked as output, got %v", outputs)
	}
}

func TestSetBindingFieldRequiresCurrentReceiver(t *testing.T) {
	inst := newInstance()
	m := New(inst, "Counter", record.New())

	err := m.SetBindingField("satoshis", func(b *creation.Bindings) { b.Satoshis = 500 })
	if !errors.Is(err, ErrUTXOBinding) {
		t.Fatalf("expected ErrUTXOBinding, got %v", err)
	}

	m.CallStack = append(m.CallStack, CallFrame{ClassName: "Counter", Receiver: inst})
	if err := m.SetBindingField("satoshis", func(b *creation.Bindings) { b.Satoshis = 500 }); err != nil {
		t.Fatalf("expected binding update to succeed, got %v", err)
	}
	if inst.Bindings.Satoshis != 500 {
		t.Fatalf("satoshis not updated: got %d", inst.Bindings.Satoshis)
	}
}

func TestCallRejectsDisabledMethod(t *testing.T) {
	inst := newInstance()
	m := New(inst, "Counter", record.New())
	m.Profile.DisabledMethods = map[string]bool{"bump": true}

	_, err := m.Call(nil, "bump", nil, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
