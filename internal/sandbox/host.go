package sandbox

import (
	"fmt"

	"github.com/bitjig/rund/internal/script"
)

// Host implements script.Host, adding the intrinsic constructors
// (Set/Map/Uint8Array/Promise) and their instance methods on top of
// whatever cross-creation mediation Inner provides. Inner is the
// membrane bridge for jig-to-jig access; it may be nil, which simply
// means this Host can evaluate pure, self-contained script (no external
// creation reachable) — the shape a dry hash verification or a pluck
// with no cross-references needs.
//
// Interp is filled in by the caller right after constructing the
// *script.Interp this Host belongs to (the two are circular: the Interp
// needs a Host at construction, the Host needs the Interp to call a
// Promise callback that's a user closure rather than a native one), so
// promise.then/.catch can actually invoke a script-level callback instead
// of only a native one.
type Host struct {
	Inner  script.Host
	Interp *script.Interp
}

// NewHost wraps inner (nil is valid) with the sandbox's intrinsic
// support, for use as an *script.Interp's Host. Set the returned Host's
// Interp field once the Interp itself exists.
func NewHost(inner script.Host) *Host {
	return &Host{Inner: inner}
}

// callValue invokes a callback that may be either a native function or a
// user closure — only the Host knows the owning Interp, so this is where
// promise callbacks (and any other intrinsic that accepts a user
// callback) dispatch through it.
func (h *Host) callValue(fn script.Value, this script.Value, args []script.Value) (script.Value, error) {
	switch f := fn.(type) {
	case *script.NativeFunc:
		return f.Fn(this, args)
	case *script.Closure:
		if h.Interp == nil {
			return nil, fmt.Errorf("sandbox: host has no interpreter to invoke a closure callback")
		}
		return h.Interp.CallClosure(f, this, args)
	default:
		return nil, fmt.Errorf("sandbox: %s is not callable", script.Describe(fn))
	}
}

func (h *Host) Instantiate(class script.Value, args []script.Value) (script.Value, error) {
	if ctor, ok := class.(*intrinsicCtor); ok {
		return ctor.build(args)
	}
	if nf, ok := class.(*script.NativeFunc); ok {
		return nf.Fn(nil, args)
	}
	if h.Inner != nil {
		return h.Inner.Instantiate(class, args)
	}
	return nil, fmt.Errorf("sandbox: %s is not constructible", script.Describe(class))
}

func (h *Host) GetMember(obj script.Value, name string) (script.Value, error) {
	switch o := obj.(type) {
	case *script.Set:
		return setMember(o, name), nil
	case *script.Map:
		return mapMember(o, name), nil
	case script.Uint8Array:
		return uint8ArrayMember(o, name), nil
	case *promise:
		return h.promiseMember(o, name), nil
	case *intrinsicCtor:
		if fn, ok := o.statics[name]; ok {
			return fn, nil
		}
		return script.Undefined{}, nil
	}
	if h.Inner != nil {
		return h.Inner.GetMember(obj, name)
	}
	return nil, fmt.Errorf("sandbox: no host configured for external member access on %s", script.Describe(obj))
}

func (h *Host) SetMember(obj script.Value, name string, val script.Value) error {
	if h.Inner != nil {
		return h.Inner.SetMember(obj, name, val)
	}
	return fmt.Errorf("sandbox: no host configured for external member write on %s", script.Describe(obj))
}

func (h *Host) GetIndex(obj script.Value, idx script.Value) (script.Value, error) {
	if ui8a, ok := obj.(script.Uint8Array); ok {
		i := int(numberOf(idx))
		if i < 0 || i >= len(ui8a) {
			return script.Undefined{}, nil
		}
		return float64(ui8a[i]), nil
	}
	if h.Inner != nil {
		return h.Inner.GetIndex(obj, idx)
	}
	return nil, fmt.Errorf("sandbox: no host configured for external index read on %s", script.Describe(obj))
}

func (h *Host) SetIndex(obj script.Value, idx script.Value, val script.Value) error {
	if ui8a, ok := obj.(script.Uint8Array); ok {
		i := int(numberOf(idx))
		if i < 0 || i >= len(ui8a) {
			return fmt.Errorf("sandbox: Uint8Array index %d out of range", i)
		}
		ui8a[i] = byte(numberOf(val))
		return nil
	}
	if h.Inner != nil {
		return h.Inner.SetIndex(obj, idx, val)
	}
	return fmt.Errorf("sandbox: no host configured for external index write on %s", script.Describe(obj))
}

// CallMethod is part of script.Host for completeness; the interpreter's
// own evalCall resolves member calls through GetMember directly and
// never calls this, but a future caller reaching in through the Host
// interface gets the same intrinsic methods GetMember exposes.
func (h *Host) CallMethod(obj script.Value, name string, args []script.Value) (script.Value, error) {
	v, err := h.GetMember(obj, name)
	if err != nil {
		return nil, err
	}
	nf, ok := v.(*script.NativeFunc)
	if !ok {
		return nil, fmt.Errorf("sandbox: %q on %s is not callable through CallMethod", name, script.Describe(obj))
	}
	return nf.Fn(obj, args)
}
