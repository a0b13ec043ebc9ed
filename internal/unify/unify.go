// Package unify implements "worldview" construction (spec §4.9): given a
// graph of creations, group by origin, pick the highest-nonce version of
// each, and rewrite every reference to point at the chosen version.
package unify

import (
	"fmt"

	"github.com/bitjig/rund/internal/creation"
)

// ErrTimeTravel is raised during replay-time unification when an
// incoming reference's nonce is lower than what the worldview already
// observed for that origin (spec §4.8 step 2).
var ErrTimeTravel = fmt.Errorf("unify: time travel")

// ErrFixedConflict is raised at method-time when two *fixed* creations
// (already committed to by the outer call) disagree on which version of
// an origin to use (spec §4.9).
var ErrFixedConflict = fmt.Errorf("unify: conflicting fixed creations for the same origin")

// Worldview maps an origin's canonical string to the chosen creation.
type Worldview struct {
	byOrigin map[string]creation.Creation
	fixed    map[string]bool
}

func NewWorldview() *Worldview {
	return &Worldview{byOrigin: map[string]creation.Creation{}, fixed: map[string]bool{}}
}

func originKey(c creation.Creation) string {
	return c.GetBindings().Origin.String()
}

// Observe registers c as seen during graph traversal, keeping the
// highest-nonce version per origin. If asFixed is true (the creation
// came from the outer call's already-committed argument set) and a
// differing fixed version was already observed, it's a conflict.
func (w *Worldview) Observe(c creation.Creation, asFixed bool) error {
	key := originKey(c)
	existing, ok := w.byOrigin[key]
	if !ok {
		w.byOrigin[key] = c
		if asFixed {
			w.fixed[key] = true
		}
		return nil
	}
	if asFixed && w.fixed[key] && existing != c {
		return fmt.Errorf("%w: origin %s", ErrFixedConflict, key)
	}
	if c.GetBindings().Nonce > existing.GetBindings().Nonce {
		w.byOrigin[key] = c
	}
	if asFixed {
		w.fixed[key] = true
	}
	return nil
}

// ObserveForReplay is step 2 of replay: like Observe, but rejects an
// incoming reference whose nonce is *lower* than one already selected
// for that origin ("time travel" — the transaction references a stale
// version of something it should have seen update).
func (w *Worldview) ObserveForReplay(c creation.Creation) error {
	key := originKey(c)
	existing, ok := w.byOrigin[key]
	if ok && c.GetBindings().Nonce < existing.GetBindings().Nonce {
		return fmt.Errorf("%w: origin %s at nonce %d, worldview already at %d",
			ErrTimeTravel, key, c.GetBindings().Nonce, existing.GetBindings().Nonce)
	}
	if !ok || c.GetBindings().Nonce > existing.GetBindings().Nonce {
		w.byOrigin[key] = c
	}
	return nil
}

// Selected returns the chosen creation for origin, if any was observed.
func (w *Worldview) Selected(originStr string) (creation.Creation, bool) {
	c, ok := w.byOrigin[originStr]
	return c, ok
}

// RefWalker is how Apply walks a reference graph and replaces every
// creation reference with its Worldview-selected version. The caller supplies how to find
// the nested reference slots for a given node (jig instance fields,
// code deps, etc.) since the generic graph shape lives in script.Value.
type RefWalker interface {
	// Refs returns the direct creation references held by node.
	Refs(node interface{}) []creation.Creation
	// Rewrite replaces node's reference to old with replacement.
	Rewrite(node interface{}, old, replacement creation.Creation)
}

// Apply walks graph from roots using walker, observing every reachable
// creation into w (skipping nodes already visited to avoid infinite
// cyclic recursion), then rewrites every reference in a second pass.
func Apply(w *Worldview, walker RefWalker, roots []interface{}, fixedRoots map[interface{}]bool) error {
	visited := map[interface{}]bool{}
	var walk func(node interface{}) error
	walk = func(node interface{}) error {
		if visited[node] {
			return nil
		}
		visited[node] = true
		for _, ref := range walker.Refs(node) {
			if err := w.Observe(ref, fixedRoots[node]); err != nil {
				return err
			}
			if err := walk(ref); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r); err != nil {
			return err
		}
	}

	visited = map[interface{}]bool{}
	var rewrite func(node interface{}) error
	rewrite = func(node interface{}) error {
		if visited[node] {
			return nil
		}
		visited[node] = true
		for _, ref := range walker.Refs(node) {
			selected, ok := w.Selected(originKey(ref))
			if ok && selected != ref {
				walker.Rewrite(node, ref, selected)
			}
			if err := rewrite(ref); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := rewrite(r); err != nil {
			return err
		}
	}
	return nil
}

// Idempotent reports whether applying unify again to the same roots
// would change nothing — true whenever every reachable reference is
// already the Worldview's selected version for its origin (spec
// invariant 5: unify(unify(G)) == unify(G)).
func Idempotent(w *Worldview, walker RefWalker, roots []interface{}) bool {
	visited := map[interface{}]bool{}
	var check func(node interface{}) bool
	check = func(node interface{}) bool {
		if visited[node] {
			return true
		}
		visited[node] = true
		for _, ref := range walker.Refs(node) {
			selected, ok := w.Selected(originKey(ref))
			if ok && selected != ref {
				return false
			}
			if !check(ref) {
				return false
			}
		}
		return true
	}
	for _, r := range roots {
		if !check(r) {
			return false
		}
	}
	return true
}
