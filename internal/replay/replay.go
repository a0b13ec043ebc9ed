// Package replay executes a transaction's action list in dependency
// order inside a fresh record, reproducing the commit a deployer would
// have produced and checking the result's hashes against the
// transaction's own metadata (spec §4.8).
package replay

import (
	"fmt"

	"github.com/bitjig/rund/internal/capture"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/membrane"
	"github.com/bitjig/rund/internal/record"
	"github.com/bitjig/rund/internal/sandbox"
	"github.com/bitjig/rund/internal/script"
	"github.com/bitjig/rund/internal/unify"
)

// ErrExecution is the taxonomy kind for any deterministic replay
// failure (hash mismatch, invalid action, determinism violation);
// internal/loader bans the location on this error (spec §7).
var ErrExecution = fmt.Errorf("replay: execution error")

// Metadata is the parsed six-field payload carried by a transaction's
// marker output (spec §6).
type Metadata struct {
	In   int            // number of spent creation inputs
	Ref  []string       // read-only reference locations
	Out  []string       // per-output state hash
	Del  []string       // per-delete state hash
	Cre  []interface{}  // initial owners
	Exec []ActionEntry  // action list
	App  string
}

// ActionEntry is one exec[] entry: an operation tag plus its raw,
// not-yet-decoded payload (decoding happens against the growing master
// list as actions execute, since later actions may reference earlier
// actions' outputs by index).
type ActionEntry struct {
	Op   record.ActionOp
	Data interface{}
}

// LoadFunc resolves a location string to its previous-version creation,
// supplied by internal/loader (replay must not import loader: loader
// depends on replay, not the reverse).
type LoadFunc func(loc string) (creation.Creation, error)

// Result is everything Replay produces for the caller (internal/loader)
// to persist and return.
type Result struct {
	Outputs []creation.Creation
	Deletes []creation.Creation
	Record  *record.Record
}

// Replay runs the full procedure of spec §4.8 against tx and meta.
func Replay(txid string, meta Metadata, load LoadFunc, interp *script.Interp, encoder *capture.Encoder) (*Result, error) {
	// Step 1: load all `in` and `ref` creations from their previous locations.
	inputs := make([]creation.Creation, meta.In)
	for i := 0; i < meta.In; i++ {
		// the input's previous location is encoded by the caller into
		// meta.Ref's leading slots in this runtime's wire convention, or
		// supplied out of band; internal/loader is responsible for
		// populating this slice before calling Replay in the real pipeline.
		if i >= len(meta.Ref) {
			return nil, fmt.Errorf("%w: missing input location for index %d", ErrExecution, i)
		}
		c, err := load(meta.Ref[i])
		if err != nil {
			return nil, fmt.Errorf("%w: load input %d: %v", ErrExecution, i, err)
		}
		inputs[i] = c
	}
	refs := make([]creation.Creation, 0, len(meta.Ref)-meta.In)
	for i := meta.In; i < len(meta.Ref); i++ {
		c, err := load(meta.Ref[i])
		if err != nil {
			return nil, fmt.Errorf("%w: load ref %d: %v", ErrExecution, i, err)
		}
		refs = append(refs, c)
	}

	// Step 2: unify for replay.
	w := unify.NewWorldview()
	for _, c := range inputs {
		if err := w.ObserveForReplay(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
	}
	for _, c := range refs {
		if err := w.ObserveForReplay(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
	}

	// Step 3: begin a Record, dispatch exec entries against a growing
	// master list of [inputs, refs, newly-created codes].
	rec := record.New()
	for _, c := range inputs {
		rec.MarkInput(c)
	}
	for _, c := range refs {
		rec.MarkRef(c)
	}

	masterList := append(append([]creation.Creation{}, inputs...), refs...)

	disp := &dispatcher{
		rec:        rec,
		masterList: &masterList,
		interp:     interp,
		encoder:    encoder,
	}

	for _, entry := range meta.Exec {
		if err := disp.dispatch(entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		rec.AddAction(record.Action{Op: entry.Op, Data: entry.Data})
	}

	// Step 4: finalize — outputs/deletes, capture, hash, compare.
	outputs := rec.Outputs()
	deletes := rec.Deletes()

	if len(meta.Out) != len(outputs) {
		return nil, fmt.Errorf("%w: output count mismatch: got %d, want %d", ErrExecution, len(outputs), len(meta.Out))
	}
	for i, out := range outputs {
		_, h, err := encoder.CaptureAndHash(out)
		if err != nil {
			return nil, fmt.Errorf("%w: capture output %d: %v", ErrExecution, i, err)
		}
		if h != meta.Out[i] {
			return nil, fmt.Errorf("%w: output %d hash mismatch: got %s, want %s", ErrExecution, i, h, meta.Out[i])
		}
	}
	for i, del := range deletes {
		_, h, err := encoder.CaptureAndHash(del)
		if err != nil {
			return nil, fmt.Errorf("%w: capture delete %d: %v", ErrExecution, i, err)
		}
		if h != meta.Del[i] {
			return nil, fmt.Errorf("%w: delete %d hash mismatch: got %s, want %s", ErrExecution, i, h, meta.Del[i])
		}
	}

	// Step 5: de-unify is the caller's responsibility once it knows which
	// references are part of an output vs. purely transient to this replay
	// (internal/loader holds the pre-replay worldview needed for that).

	return &Result{Outputs: outputs, Deletes: deletes, Record: rec}, nil
}

// dispatcher executes one exec[] entry against the growing master list,
// mutating rec as a side effect of DEPLOY/UPGRADE/CALL/NEW.
type dispatcher struct {
	rec        *record.Record
	masterList *[]creation.Creation
	interp     *script.Interp
	encoder    *capture.Encoder
}

func (d *dispatcher) dispatch(entry ActionEntry) error {
	switch entry.Op {
	case record.OpDeploy:
		return d.dispatchDeploy(entry)
	case record.OpUpgrade:
		return d.dispatchUpgrade(entry)
	case record.OpCall:
		return d.dispatchCall(entry)
	case record.OpNew:
		return d.dispatchNew(entry)
	default:
		return fmt.Errorf("unknown action op %v", entry.Op)
	}
}

// DeployPair is one (src, props) pair DEPLOY may batch (spec §6:
// "DEPLOY(data=[src₁,props₁,…], ≥1 pair)"). Exported so internal/loader's
// metadata parser can build ActionEntry.Data directly from a decoded
// transaction without reaching into this package's internals.
type DeployPair struct {
	Src   string
	Props map[string]interface{}
}

func (d *dispatcher) dispatchDeploy(entry ActionEntry) error {
	pairs, ok := entry.Data.([]DeployPair)
	if !ok {
		return fmt.Errorf("DEPLOY: data must be []DeployPair, got %T", entry.Data)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("DEPLOY: requires at least one (src, props) pair")
	}
	for _, p := range pairs {
		cls, fn, err := sandbox.New().Define(p.Src)
		if err != nil {
			return fmt.Errorf("DEPLOY: %w", err)
		}
		code := &creation.Code{Source: p.Src, Deps: map[string]string{}, Class: cls, Func: fn}
		*d.masterList = append(*d.masterList, code)
		d.rec.MarkOutput(code)
	}
	return nil
}

// UpgradeData is UPGRADE's payload: the index of the Code to replace,
// its new source, and new deploy-time props.
type UpgradeData struct {
	Ref   int
	Src   string
	Props map[string]interface{}
}

func (d *dispatcher) dispatchUpgrade(entry ActionEntry) error {
	data, ok := entry.Data.(UpgradeData)
	if !ok {
		return fmt.Errorf("UPGRADE: unexpected data shape %T", entry.Data)
	}
	if data.Ref < 0 || data.Ref >= len(*d.masterList) {
		return fmt.Errorf("UPGRADE: ref index %d out of range", data.Ref)
	}
	target, ok := (*d.masterList)[data.Ref].(*creation.Code)
	if !ok {
		return fmt.Errorf("UPGRADE: target is not Code")
	}
	cls, fn, err := sandbox.New().Define(data.Src)
	if err != nil {
		return fmt.Errorf("UPGRADE: %w", err)
	}
	d.rec.MarkInput(target)
	target.Source = data.Src
	target.Class = cls
	target.Func = fn
	d.rec.MarkOutput(target)
	return nil
}

// CallData is CALL's payload: the index of the target creation, the
// method name, and its arguments.
type CallData struct {
	Target int
	Method string
	Args   []script.Value
}

func (d *dispatcher) dispatchCall(entry ActionEntry) error {
	data, ok := entry.Data.(CallData)
	if !ok {
		return fmt.Errorf("CALL: unexpected data shape %T", entry.Data)
	}
	if data.Target < 0 || data.Target >= len(*d.masterList) {
		return fmt.Errorf("CALL: target index %d out of range", data.Target)
	}
	target := (*d.masterList)[data.Target]
	d.rec.MarkInput(target)

	var cl *script.Closure
	var className string
	switch t := target.(type) {
	case *creation.JigInstance:
		if t.ClassOf == nil || t.ClassOf.Class == nil {
			return fmt.Errorf("CALL: target has no class")
		}
		m, _, ok := t.ClassOf.Class.LookupMethod(data.Method)
		if !ok {
			return fmt.Errorf("CALL: no method %q", data.Method)
		}
		cl, className = m, t.ClassOf.Class.Name
	case *creation.Code:
		if t.Class != nil {
			m, _, ok := t.Class.LookupMethod(data.Method)
			if !ok {
				return fmt.Errorf("CALL: no static method %q", data.Method)
			}
			cl, className = m, t.Class.Name
		}
	default:
		return fmt.Errorf("CALL: target kind %v cannot be called", target.Kind())
	}
	if cl == nil {
		return fmt.Errorf("CALL: could not resolve method %q", data.Method)
	}
	// Call dispatches through the membrane so this.prop reads/writes and
	// any nested this.other() call inside the method body are mediated
	// and recorded, not just the outer call itself.
	mem := membrane.New(target, className, d.rec)
	if _, err := mem.Call(d.interp, data.Method, cl, data.Args); err != nil {
		return fmt.Errorf("CALL: %w", err)
	}
	d.rec.MarkOutput(target)
	return nil
}

// NewData is NEW's payload: the index of the class Code to construct
// and the constructor arguments.
type NewData struct {
	Class int
	Args  []script.Value
}

func (d *dispatcher) dispatchNew(entry ActionEntry) error {
	data, ok := entry.Data.(NewData)
	if !ok {
		return fmt.Errorf("NEW: unexpected data shape %T", entry.Data)
	}
	if data.Class < 0 || data.Class >= len(*d.masterList) {
		return fmt.Errorf("NEW: class index %d out of range", data.Class)
	}
	classCode, ok := (*d.masterList)[data.Class].(*creation.Code)
	if !ok || classCode.Class == nil {
		return fmt.Errorf("NEW: class index %d is not an instantiable Code", data.Class)
	}

	ji := &creation.JigInstance{ClassOf: classCode, Fields: script.NewObject()}
	mem := membrane.New(ji, classCode.Class.Name, d.rec)
	// The constructor isn't a callable a later action can reference by
	// method name, so it shouldn't appear in the call log alongside real
	// CALL actions; its field writes still go through Set and get recorded
	// as ordinary updates.
	mem.Profile.UnrecordedMethods = map[string]bool{"constructor": true}

	ctor := classCode.Class.Ctor
	if ctor == nil && classCode.Class.Superclass != nil {
		ctor = classCode.Class.Superclass.Ctor
	}
	if ctor != nil {
		if _, err := mem.Call(d.interp, "constructor", ctor, data.Args); err != nil {
			return fmt.Errorf("NEW: %w", err)
		}
	}

	*d.masterList = append(*d.masterList, ji)
	d.rec.MarkOutput(ji)
	return nil
}
