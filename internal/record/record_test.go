package record

import (
	"testing"

	"github.com/bitjig/rund/internal/creation"
)

func TestTouchedRequiresActionAndOutput(t *testing.T) {
	r := New()
	if r.Touched() {
		t.Fatal("empty record should not be touched")
	}
	c := &creation.Code{Source: "class A {}"}
	r.AddAction(Action{Op: OpDeploy})
	if r.Touched() {
		t.Fatal("action alone should not count as touched")
	}
	r.MarkOutput(c)
	if !r.Touched() {
		t.Fatal("action + output should count as touched")
	}
}

func TestSnapshotBeforeTakenOnce(t *testing.T) {
	r := New()
	c := &creation.JigInstance{}
	r.MarkInput(c)
	snap1, ok := r.Before(c)
	if !ok {
		t.Fatal("expected snapshot after MarkInput")
	}
	c.Bindings.Nonce = 99 // mutate after snapshot
	r.MarkInput(c)        // second call must not overwrite the snapshot
	snap2, _ := r.Before(c)
	if snap1 != snap2 {
		t.Fatal("snapshot was retaken on second MarkInput")
	}
	if snap2.Bindings.Nonce == 99 {
		t.Fatal("snapshot should have been taken before the mutation")
	}
}

func TestInputsAndOutputsAreDistinctSets(t *testing.T) {
	r := New()
	c1 := &creation.Code{Source: "class A {}"}
	c2 := &creation.Code{Source: "class B {}"}
	r.MarkInput(c1)
	r.MarkOutput(c2)
	if len(r.Inputs()) != 1 || r.Inputs()[0] != c1 {
		t.Fatalf("unexpected inputs: %v", r.Inputs())
	}
	if len(r.Outputs()) != 1 || r.Outputs()[0] != c2 {
		t.Fatalf("unexpected outputs: %v", r.Outputs())
	}
}

func TestMarkDeleteRemovesFromOutputs(t *testing.T) {
	r := New()
	c := &creation.Code{Source: "class A {}"}
	r.MarkOutput(c)
	r.MarkDelete(c)
	if len(r.Outputs()) != 0 {
		t.Fatalf("expected no outputs after delete, got %v", r.Outputs())
	}
	if len(r.Deletes()) != 1 {
		t.Fatalf("expected one delete, got %v", r.Deletes())
	}
}
