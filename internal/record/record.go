// Package record implements the per-top-level-call staging area (spec
// §3, §4.11): the ordered action log plus the sets of touched creations
// that internal/commit freezes into a Commit at the end of a call.
package record

import (
	"fmt"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/script"
	"github.com/google/uuid"
)

// ActionOp names the four wire-level operations a transaction's exec
// list carries (spec §6).
type ActionOp int

const (
	OpDeploy ActionOp = iota
	OpUpgrade
	OpCall
	OpNew
)

func (o ActionOp) String() string {
	switch o {
	case OpDeploy:
		return "DEPLOY"
	case OpUpgrade:
		return "UPGRADE"
	case OpCall:
		return "CALL"
	case OpNew:
		return "NEW"
	default:
		return "UNKNOWN"
	}
}

// Action is one entry of the record's ordered action log.
type Action struct {
	Op     ActionOp
	Target creation.Creation // nil for DEPLOY
	Method string            // CALL only
	Data   interface{}       // op-specific payload, shape owned by internal/replay
}

// Snapshot is a deep, deterministic copy of a creation's own-properties
// plus bindings, taken immutable once recorded (spec §3).
type Snapshot struct {
	Bindings creation.Bindings
	Fields   *script.Object // nil for Code (no own-properties snapshot needed beyond src/deps)
	Source   string         // Code only
}

// Record is the staging area for one top-level call.
type Record struct {
	ID string

	actions     []Action
	inputs      map[creation.Creation]bool
	inputOrder  []creation.Creation
	refs        map[creation.Creation]bool
	refOrder    []creation.Creation
	outputs     map[creation.Creation]bool
	outputOrder []creation.Creation
	deletes     map[creation.Creation]bool
	deleteOrder []creation.Creation
	before      map[creation.Creation]*Snapshot
	upstream    []*Record // commits this record depends on, wired in by internal/commit

	reads   []readEntry
	updates []updateEntry
	calls   []callEntry
}

type readEntry struct {
	Creation creation.Creation
	Property string
}

type updateEntry struct {
	Creation creation.Creation
	Property string
	Value    script.Value
}

type callEntry struct {
	Creation creation.Creation
	Method   string
	Args     []script.Value
}

// New creates an empty Record with a process-unique id.
func New() *Record {
	return &Record{
		ID:      uuid.NewString(),
		inputs:  map[creation.Creation]bool{},
		refs:    map[creation.Creation]bool{},
		outputs: map[creation.Creation]bool{},
		deletes: map[creation.Creation]bool{},
		before:  map[creation.Creation]*Snapshot{},
	}
}

// AddAction appends to the totally-ordered action log.
func (r *Record) AddAction(a Action) { r.actions = append(r.actions, a) }

// Actions returns the ordered action log.
func (r *Record) Actions() []Action { return append([]Action(nil), r.actions...) }

// MarkInput records c as a spent input (pre-existing creation this call
// consumes and will re-output at a new nonce).
func (r *Record) MarkInput(c creation.Creation) {
	if !r.inputs[c] {
		r.inputs[c] = true
		r.inputOrder = append(r.inputOrder, c)
		r.snapshotBefore(c)
	}
}

// MarkRef records c as a read-only reference.
func (r *Record) MarkRef(c creation.Creation) {
	if !r.refs[c] {
		r.refs[c] = true
		r.refOrder = append(r.refOrder, c)
		r.snapshotBefore(c)
	}
}

// MarkOutput records c as touched/created and due for a post-call
// snapshot + nonce bump when the record becomes a commit. Output order
// is first-marked order, which for internal/replay's action dispatch is
// exactly the order a transaction's out[] field is laid out in.
func (r *Record) MarkOutput(c creation.Creation) {
	if !r.outputs[c] {
		r.outputOrder = append(r.outputOrder, c)
	}
	r.outputs[c] = true
}

// MarkDelete records c as destroyed by this call.
func (r *Record) MarkDelete(c creation.Creation) {
	if !r.deletes[c] {
		r.deleteOrder = append(r.deleteOrder, c)
	}
	r.deletes[c] = true
	delete(r.outputs, c)
}

func (r *Record) snapshotBefore(c creation.Creation) {
	if _, ok := r.before[c]; ok {
		return
	}
	r.before[c] = snapshotOf(c)
}

// CaptureSnapshot takes a Snapshot of c's current bindings and own
// properties. Before() uses this internally at mark-time; internal/commit
// uses it directly to take each output/delete's after-state when it
// freezes a Record.
func CaptureSnapshot(c creation.Creation) *Snapshot { return snapshotOf(c) }

func snapshotOf(c creation.Creation) *Snapshot {
	b := *c.GetBindings()
	switch t := c.(type) {
	case *creation.Code:
		return &Snapshot{Bindings: b, Source: t.Source}
	case *creation.JigInstance:
		return &Snapshot{Bindings: b, Fields: cloneObject(t.Fields)}
	case *creation.Berry:
		return &Snapshot{Bindings: b, Fields: cloneObject(t.Fields)}
	default:
		return &Snapshot{Bindings: b}
	}
}

func cloneObject(o *script.Object) *script.Object {
	if o == nil {
		return nil
	}
	out := script.NewObject()
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		out.Set(k, v)
	}
	return out
}

// Inputs, Refs, Outputs, Deletes return the set members in first-marked
// order, which is the order internal/replay needs to line positional
// hashes up against a transaction's out[]/del[] fields.
func (r *Record) Inputs() []creation.Creation { return append([]creation.Creation(nil), r.inputOrder...) }
func (r *Record) Refs() []creation.Creation   { return append([]creation.Creation(nil), r.refOrder...) }

func (r *Record) Outputs() []creation.Creation {
	out := make([]creation.Creation, 0, len(r.outputs))
	for _, c := range r.outputOrder {
		if r.outputs[c] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Record) Deletes() []creation.Creation {
	return append([]creation.Creation(nil), r.deleteOrder...)
}

// Before returns the pre-call snapshot for c, if one was taken.
func (r *Record) Before(c creation.Creation) (*Snapshot, bool) {
	s, ok := r.before[c]
	return s, ok
}

// Touched reports whether the record has at least one action and at
// least one touched creation, the precondition internal/commit checks
// before freezing a Record (spec §4.11).
func (r *Record) Touched() bool {
	return len(r.actions) > 0 && (len(r.outputs) > 0 || len(r.deletes) > 0)
}

// RecordRead/RecordUpdate/RecordCall are called by internal/membrane
// when its Profile says to record the access.
func (r *Record) RecordRead(c creation.Creation, prop string) {
	r.reads = append(r.reads, readEntry{Creation: c, Property: prop})
}

func (r *Record) RecordUpdate(c creation.Creation, prop string, val script.Value) {
	r.updates = append(r.updates, updateEntry{Creation: c, Property: prop, Value: val})
	r.MarkOutput(c)
}

func (r *Record) RecordCall(c creation.Creation, method string, args []script.Value) {
	r.calls = append(r.calls, callEntry{Creation: c, Method: method, Args: args})
}

// ErrNotReady is returned by operations that require a Touched record.
var ErrNotReady = fmt.Errorf("record: must have at least one action and one touched creation")
