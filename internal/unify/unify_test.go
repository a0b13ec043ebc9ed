package unify

import (
	"errors"
	"testing"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/location"
)

// fakeCreation is a minimal creation.Creation for worldview tests; its
// refs field stands in for whatever nested reference slots a real
// JigInstance/Code would expose through a RefWalker.
type fakeCreation struct {
	bindings creation.Bindings
	refs     []creation.Creation
}

func (f *fakeCreation) Kind() creation.Kind              { return creation.KindJigInstance }
func (f *fakeCreation) GetBindings() *creation.Bindings  { return &f.bindings }
func (f *fakeCreation) SetBindings(b *creation.Bindings) { f.bindings = *b }

func newFake(originStr string, nonce uint64) *fakeCreation {
	origin, err := location.Parse(originStr)
	if err != nil {
		panic(err)
	}
	return &fakeCreation{bindings: creation.Bindings{Origin: origin, Nonce: nonce}}
}

type sliceWalker struct{}

func (sliceWalker) Refs(node interface{}) []creation.Creation {
	return node.(*fakeCreation).refs
}

func (sliceWalker) Rewrite(node interface{}, old, replacement creation.Creation) {
	fc := node.(*fakeCreation)
	for i, r := range fc.refs {
		if r == old {
			fc.refs[i] = replacement
		}
	}
}

func TestObserveHighestNonceWins(t *testing.T) {
	w := NewWorldview()
	stale := newFake("_o1", 1)
	fresh := newFake("_o1", 5)

	if err := w.Observe(stale, false); err != nil {
		t.Fatalf("observe stale: %v", err)
	}
	if err := w.Observe(fresh, false); err != nil {
		t.Fatalf("observe fresh: %v", err)
	}

	selected, ok := w.Selected("_o1")
	if !ok || selected != fresh {
		t.Fatalf("selected = %v, want the nonce-5 version", selected)
	}

	// Observing a lower nonce after the fact must not demote the selection.
	if err := w.Observe(stale, false); err != nil {
		t.Fatalf("re-observe stale: %v", err)
	}
	if selected, _ := w.Selected("_o1"); selected != fresh {
		t.Fatalf("re-observing a stale version demoted the selection to %v", selected)
	}
}

func TestObserveFixedConflict(t *testing.T) {
	w := NewWorldview()
	a := newFake("_o1", 1)
	b := newFake("_o1", 1)

	if err := w.Observe(a, true); err != nil {
		t.Fatalf("observe a: %v", err)
	}
	err := w.Observe(b, true)
	if !errors.Is(err, ErrFixedConflict) {
		t.Fatalf("expected ErrFixedConflict, got %v", err)
	}
}

func TestObserveForReplayRejectsTimeTravel(t *testing.T) {
	w := NewWorldview()
	fresh := newFake("_o1", 5)
	stale := newFake("_o1", 3)

	if err := w.ObserveForReplay(fresh); err != nil {
		t.Fatalf("observe fresh: %v", err)
	}
	err := w.ObserveForReplay(stale)
	if !errors.Is(err, ErrTimeTravel) {
		t.Fatalf("expected ErrTimeTravel, got %v", err)
	}
}

func TestObserveForReplayAcceptsForwardProgress(t *testing.T) {
	w := NewWorldview()
	first := newFake("_o1", 1)
	later := newFake("_o1", 2)

	if err := w.ObserveForReplay(first); err != nil {
		t.Fatalf("observe first: %v", err)
	}
	if err := w.ObserveForReplay(later); err != nil {
		t.Fatalf("observe later: %v", err)
	}
	selected, ok := w.Selected("_o1")
	if !ok || selected != later {
		t.Fatalf("selected = %v, want the nonce-2 version", selected)
	}
}

func TestApplyRewritesReferencesToSelectedVersion(t *testing.T) {
	oldC := newFake("_o1", 1)
	newC := newFake("_o1", 2)

	rootA := &fakeCreation{refs: []creation.Creation{oldC}}
	rootB := &fakeCreation{refs: []creation.Creation{newC}}

	w := NewWorldview()
	err := Apply(w, sliceWalker{}, []interface{}{rootA, rootB}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if rootA.refs[0] != newC {
		t.Fatalf("rootA still references %v, want the nonce-2 version", rootA.refs[0])
	}
	if rootB.refs[0] != newC {
		t.Fatalf("rootB references %v, want the nonce-2 version", rootB.refs[0])
	}
}

func TestIdempotent(t *testing.T) {
	oldC := newFake("_o1", 1)
	newC := newFake("_o1", 2)
	root := &fakeCreation{refs: []creation.Creation{oldC}}

	w := NewWorldview()
	if err := w.Observe(oldC, false); err != nil {
		t.Fatal(err)
	}
	if err := w.Observe(newC, false); err != nil {
		t.Fatal(err)
	}

	if Idempotent(w, sliceWalker{}, []interface{}{root}) {
		t.Fatal("expected not idempotent: root still references the stale version")
	}

	root.refs[0] = newC
	if !Idempotent(w, sliceWalker{}, []interface{}{root}) {
		t.Fatal("expected idempotent once the root references the selected version")
	}
}
