// Package membrane implements the per-creation access mediator: every
// live creation is reached only through a Membrane, whose rule Profile
// enforces recording, privacy, immutability, and binding protection
// (spec §4.4).
package membrane

import (
	"fmt"
	"strings"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/record"
	"github.com/bitjig/rund/internal/script"
)

// ProfileKind names the six rule sets spec §4.4 distinguishes.
type ProfileKind int

const (
	ProfileJigCode ProfileKind = iota
	ProfileJigInstance
	ProfileBerry
	ProfileSidekickCode
	ProfileNativeCode
	ProfileChild
)

// Profile is a value, not a type hierarchy: picking the right rule set is
// pattern-matching on the creation's tag, per SPEC_FULL's tagged-union
// design note.
type Profile struct {
	RecordReads, RecordUpdates, RecordCalls bool
	Immutable                               bool
	SmartAPI                                bool
	Autocode                                bool
	DisabledMethods                         map[string]bool
	UnrecordedMethods                       map[string]bool
}

// ProfileFor returns the canonical rule set for a creation kind.
func ProfileFor(k creation.Kind) Profile {
	switch k {
	case creation.KindCode:
		return Profile{RecordReads: true, RecordUpdates: true, RecordCalls: true, SmartAPI: true, Autocode: true}
	case creation.KindJigInstance:
		return Profile{RecordReads: true, RecordUpdates: true, RecordCalls: true, SmartAPI: true}
	case creation.KindBerry:
		return Profile{RecordReads: true, Immutable: true}
	case creation.KindNative:
		return Profile{}
	default:
		return Profile{}
	}
}

// ChildProfile derives a child (inner-collection) membrane's rules from
// its owning creation's profile: it inherits recording flags but the
// caller forces Immutable when the read is from a non-owning method.
func ChildProfile(parent Profile, forceImmutable bool) Profile {
	p := parent
	if forceImmutable {
		p.Immutable = true
	}
	return p
}

// reservedNames cannot be redefined through the membrane regardless of
// profile — they are set only by the runtime (location/origin/nonce) or
// gated through dedicated accessors (owner/satoshis within a method).
var reservedNames = map[string]bool{
	"location": true, "origin": true, "nonce": true,
	"owner": true, "satoshis": true, "deps": true,
	"sync": true, "destroy": true, "auth": true,
}

// ErrReserved, ErrPrivate, ErrImmutable, ErrNotOwner classify the
// membrane's own rejections; callers map these to ArgumentError or
// ExecutionError as appropriate for where they surface.
var (
	ErrReserved     = fmt.Errorf("membrane: property is reserved")
	ErrPrivate      = fmt.Errorf("membrane: property is private")
	ErrImmutable    = fmt.Errorf("membrane: creation is immutable")
	ErrNotOwner     = fmt.Errorf("membrane: smartAPI write requires current method to belong to the owning class")
	ErrDisabled     = fmt.Errorf("membrane: method is disabled")
	ErrUTXOBinding  = fmt.Errorf("membrane: only the current method's receiver may set UTXO bindings")
)

// CallFrame is one entry of the active call stack, used to check privacy
// (a "_"-prefixed property is visible only to methods of the same class)
// and the UTXO-binding "only this method's receiver" rule.
type CallFrame struct {
	ClassName string
	Receiver  creation.Creation
}

// Membrane mediates one creation's member access. Every read/write/call
// through it is checked against Profile and, when the flags say so,
// appended to the active *record.Record.
type Membrane struct {
	Creation creation.Creation
	Profile  Profile
	ClassName string
	Rec       *record.Record
	CallStack []CallFrame
}

func New(c creation.Creation, classNameOf string, rec *record.Record) *Membrane {
	return &Membrane{
		Creation:  c,
		Profile:   ProfileFor(c.Kind()),
		ClassName: classNameOf,
		Rec:       rec,
	}
}

func (m *Membrane) currentFrame() (CallFrame, bool) {
	if len(m.CallStack) == 0 {
		return CallFrame{}, false
	}
	return m.CallStack[len(m.CallStack)-1], true
}

func isPrivate(name string) bool { return strings.HasPrefix(name, "_") }

// fieldsOf returns the underlying own-properties object for kinds that
// have one; NativeCode and Code-as-function have none.
func (m *Membrane) fieldsOf() (*script.Object, bool) {
	switch c := m.Creation.(type) {
	case *creation.JigInstance:
		return c.Fields, true
	case *creation.Berry:
		return c.Fields, true
	default:
		return nil, false
	}
}

// Get reads a property, recording the read if Profile.RecordReads and
// enforcing privacy.
func (m *Membrane) Get(name string) (script.Value, error) {
	if isPrivate(name) {
		frame, ok := m.currentFrame()
		if !ok || frame.ClassName != m.ClassName {
			return nil, fmt.Errorf("%w: %q", ErrPrivate, name)
		}
	}
	fields, ok := m.fieldsOf()
	if !ok {
		return script.Undefined{}, nil
	}
	v, found := fields.Get(name)
	if !found {
		v = script.Undefined{}
	}
	if m.Profile.RecordReads && m.Rec != nil {
		m.Rec.RecordRead(m.Creation, name)
	}
	return v, nil
}

// Set writes a property, enforcing reserved names, privacy, and
// immutability, then recording the update.
func (m *Membrane) Set(name string, val script.Value) error {
	if reservedNames[name] {
		return fmt.Errorf("%w: %q", ErrReserved, name)
	}
	if m.Profile.Immutable {
		return fmt.Errorf("%w: cannot set %q", ErrImmutable, name)
	}
	if isPrivate(name) {
		frame, ok := m.currentFrame()
		if !ok || frame.ClassName != m.ClassName {
			return fmt.Errorf("%w: %q", ErrPrivate, name)
		}
	}
	if m.Profile.SmartAPI {
		frame, ok := m.currentFrame()
		if !ok || frame.Receiver != m.Creation {
			return fmt.Errorf("%w", ErrNotOwner)
		}
	}
	fields, ok := m.fieldsOf()
	if !ok {
		return fmt.Errorf("membrane: creation kind %v has no settable fields", m.Creation.Kind())
	}
	fields.Set(name, val)
	if m.Profile.RecordUpdates && m.Rec != nil {
		m.Rec.RecordUpdate(m.Creation, name, val)
	}
	return nil
}

// SetBindingField gates owner/satoshis mutation: only the current
// method's receiver (the creation itself, mid-call) may set UTXO
// bindings, per spec §4.4's location/utxo-bindings rule.
func (m *Membrane) SetBindingField(name string, apply func(*creation.Bindings)) error {
	frame, ok := m.currentFrame()
	if !ok || frame.Receiver != m.Creation {
		return ErrUTXOBinding
	}
	b := m.Creation.GetBindings()
	apply(b)
	m.Creation.SetBindings(b)
	if m.Rec != nil {
		m.Rec.RecordUpdate(m.Creation, name, nil)
	}
	return nil
}

// Call dispatches a method invocation through the membrane: checks
// disabled-method lists, pushes a call frame for privacy/smartAPI
// checks made by nested Get/Set calls, then records the call unless it
// is in the unrecorded set. The closure runs with `this` bound to a
// Receiver wrapping m, so this.prop reads/writes inside the method body
// go through Get/Set exactly like access from outside the call (spec
// §4.4's rules apply uniformly, not just at the call boundary).
func (m *Membrane) Call(interp *script.Interp, methodName string, cl *script.Closure, args []script.Value) (script.Value, error) {
	if m.Profile.DisabledMethods[methodName] {
		return nil, fmt.Errorf("%w: %q", ErrDisabled, methodName)
	}
	m.CallStack = append(m.CallStack, CallFrame{ClassName: m.ClassName, Receiver: m.Creation})
	defer func() { m.CallStack = m.CallStack[:len(m.CallStack)-1] }()

	recv := m.receiver()
	result, err := interp.CallClosure(cl, recv, args)
	if err != nil {
		return nil, err
	}
	if m.Profile.RecordCalls && !m.Profile.UnrecordedMethods[methodName] && m.Rec != nil {
		m.Rec.RecordCall(m.Creation, methodName, args)
	}
	return result, nil
}

// Receiver is the `this` value a membrane-mediated method body sees. It
// is deliberately its own Go type rather than the underlying Fields
// object: the interpreter's getMember/setMember special-case
// *script.Object and *script.Instance for direct field access, so only
// a type neither of those falls through to Host.GetMember/SetMember,
// which is what lets Get/Set actually run during `this.prop` access
// inside a method instead of only at the call's outer boundary.
type Receiver struct {
	m *Membrane
}

// Creation returns the underlying creation a Receiver mediates access
// to, for callers (internal/codec) that need to encode a captured `this`
// reference the same way any other cross-jig reference is encoded.
func (r *Receiver) Creation() creation.Creation { return r.m.Creation }

// receiver builds the script Value m.Call binds `this` to. Code's static
// methods run against the Class/Func value directly, unchanged: Code has
// no fieldsOf() to mediate, only the deps/source surface capture.go
// already handles outside the membrane.
func (m *Membrane) receiver() script.Value {
	switch t := m.Creation.(type) {
	case *creation.JigInstance, *creation.Berry:
		return &Receiver{m: m}
	case *creation.Code:
		if t.Class != nil {
			return t.Class
		}
		return t.Func
	default:
		return script.Undefined{}
	}
}

// checkPrivacy enforces the "_"-prefixed privacy rule shared by Get, Set,
// and method lookup: only a method currently executing on this exact
// class may reach a private member.
func (m *Membrane) checkPrivacy(name string) error {
	if !isPrivate(name) {
		return nil
	}
	frame, ok := m.currentFrame()
	if !ok || frame.ClassName != m.ClassName {
		return fmt.Errorf("%w: %q", ErrPrivate, name)
	}
	return nil
}

// lookupMethod resolves name against the receiver's class, the same
// dispatch internal/replay's CALL used to do directly.
func (m *Membrane) lookupMethod(name string) (*script.Closure, bool) {
	switch t := m.Creation.(type) {
	case *creation.JigInstance:
		if t.ClassOf == nil || t.ClassOf.Class == nil {
			return nil, false
		}
		cl, _, ok := t.ClassOf.Class.LookupMethod(name)
		return cl, ok
	case *creation.Berry:
		if t.ClassOf == nil || t.ClassOf.Class == nil {
			return nil, false
		}
		cl, _, ok := t.ClassOf.Class.LookupMethod(name)
		return cl, ok
	default:
		return nil, false
	}
}

// Bridge implements script.Host on top of Receiver values, plugging into
// sandbox.Host's Inner seam so this.prop access during a method body
// reaches a Membrane instead of falling through to a bare error. It
// holds no per-call state of its own — every Receiver carries its own
// *Membrane — so one Bridge is safe to share across the concurrently
// replayed calls a single loader.Loader's Interp serves.
//
// Interp is filled in by the caller right after constructing the Interp
// this Bridge belongs to, same two-step dance as sandbox.Host.
type Bridge struct {
	Interp *script.Interp
}

func NewBridge() *Bridge { return &Bridge{} }

func (b *Bridge) receiverOf(obj script.Value) (*Receiver, error) {
	r, ok := obj.(*Receiver)
	if !ok {
		return nil, fmt.Errorf("membrane: %s is not a mediated receiver", script.Describe(obj))
	}
	return r, nil
}

func (b *Bridge) GetMember(obj script.Value, name string) (script.Value, error) {
	r, err := b.receiverOf(obj)
	if err != nil {
		return nil, err
	}
	return r.m.GetMember(b.Interp, name)
}

func (b *Bridge) SetMember(obj script.Value, name string, val script.Value) error {
	r, err := b.receiverOf(obj)
	if err != nil {
		return err
	}
	return r.m.Set(name, val)
}

func (b *Bridge) GetIndex(obj script.Value, idx script.Value) (script.Value, error) {
	return nil, fmt.Errorf("membrane: %s does not support indexed access", script.Describe(obj))
}

func (b *Bridge) SetIndex(obj script.Value, idx script.Value, val script.Value) error {
	return fmt.Errorf("membrane: %s does not support indexed access", script.Describe(obj))
}

func (b *Bridge) CallMethod(obj script.Value, name string, args []script.Value) (script.Value, error) {
	v, err := b.GetMember(obj, name)
	if err != nil {
		return nil, err
	}
	nf, ok := v.(*script.NativeFunc)
	if !ok {
		return nil, fmt.Errorf("membrane: %q is not callable through CallMethod", name)
	}
	return nf.Fn(obj, args)
}

// Instantiate always fails: a mediated Receiver represents a live
// creation already under a Membrane, never something constructible from
// script. internal/replay builds new jigs directly via Construct/Call,
// not through `new`.
func (b *Bridge) Instantiate(class script.Value, args []script.Value) (script.Value, error) {
	return nil, fmt.Errorf("membrane: %s is not constructible", script.Describe(class))
}

// GetMember resolves name against the mediated receiver for script
// evaluation: own-property data takes precedence over methods, mirroring
// *script.Instance's own field-then-method lookup. A resolved method is
// bound through Membrane.Call rather than handed back as a bare Closure,
// so a nested this.other() call from inside a method body is recorded
// and governed exactly like a top-level CALL. interp is threaded through
// only to give that nested Call something to invoke the closure with.
func (m *Membrane) GetMember(interp *script.Interp, name string) (script.Value, error) {
	if fields, ok := m.fieldsOf(); ok {
		if v, found := fields.Get(name); found {
			if err := m.checkPrivacy(name); err != nil {
				return nil, err
			}
			if m.Profile.RecordReads && m.Rec != nil {
				m.Rec.RecordRead(m.Creation, name)
			}
			return v, nil
		}
	}
	if cl, ok := m.lookupMethod(name); ok {
		if err := m.checkPrivacy(name); err != nil {
			return nil, err
		}
		return &script.NativeFunc{
			Name: name,
			Fn: func(_ script.Value, args []script.Value) (script.Value, error) {
				return m.Call(interp, name, cl, args)
			},
		}, nil
	}
	return script.Undefined{}, nil
}
