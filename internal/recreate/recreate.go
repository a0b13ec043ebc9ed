// Package recreate rebuilds a live Creation from a cached state blob in
// two phases (spec §4.7): a shell built with stub classes so the caller
// gets an identity immediately, and a deferred completer that resolves
// deep references once their own loads finish.
package recreate

import (
	"fmt"

	"github.com/bitjig/rund/internal/capture"
	"github.com/bitjig/rund/internal/codec"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
	"github.com/bitjig/rund/internal/location"
	"github.com/bitjig/rund/internal/sandbox"
	"github.com/bitjig/rund/internal/script"
)

// Completer is phase 2 of a recreate: it loads whatever the shell
// referenced only by stub, then patches the shell in place. Draining a
// completer may enqueue more completers (a stub's own references),
// which is why internal/loader drains a queue rather than calling one.
type Completer func(loader ResolveFunc) error

// ResolveFunc loads a referenced creation to completion; supplied by
// internal/loader so recreate never imports it (loader depends on
// recreate, not the reverse).
type ResolveFunc func(loc *location.Location) (creation.Creation, error)

// Shell is phase 1's result: an immediately-usable Creation (with stub
// class references where needed) plus the Completer to run before the
// caller's top-level load returns.
type Shell struct {
	Creation  creation.Creation
	Completer Completer
}

// stubCode is a placeholder Code standing in for a not-yet-resolved
// class reference during phase 1; it has no Class, so a membrane finds
// no methods through it until phase 2 replaces the shell's class pointer.
func stubCode(loc *location.Location) *creation.Code {
	return &creation.Code{
		Bindings: creation.Bindings{Location: loc, Origin: loc},
		Source:   "",
	}
}

// ResolveRef resolves a state blob's raw $jig payload to a creation.
// Replay's cache-hit path supplies a master-list-index resolver
// (payload is a float64); a persisted cache blob's own $jig payloads
// are location strings instead (per internal/commit's persist-time
// encoding), so internal/loader supplies a resolver that type-switches
// on the payload shape.
type ResolveRef func(ref determinism.Value) (creation.Creation, error)

// Rebuild runs phase 1 against a decoded capture.State, producing a
// Shell. resolveRef resolves whatever shape a $jig payload takes in
// this blob's source (replay's numeric master-list index, or a
// persisted cache blob's location string).
func Rebuild(state capture.State, loc *location.Location, resolveRef ResolveRef) (*Shell, error) {
	dec := codec.New(nil, func(ref determinism.Value) (creation.Creation, error) {
		return resolveRef(ref)
	})

	switch state.Kind {
	case "code":
		return rebuildCode(state, loc)
	case "jig":
		return rebuildJigOrBerry(state, loc, dec, resolveRef, false)
	case "berry":
		return rebuildJigOrBerry(state, loc, dec, resolveRef, true)
	default:
		return nil, fmt.Errorf("recreate: unknown state kind %q", state.Kind)
	}
}

func rebuildCode(state capture.State, loc *location.Location) (*Shell, error) {
	code := &creation.Code{
		Source: state.Source,
		Deps:   map[string]string{},
		Bindings: creation.Bindings{
			Location: loc,
			Nonce:    nonceOf(state),
		},
	}
	if deps, ok := state.Props["deps"].(map[string]determinism.Value); ok {
		for k, v := range deps {
			if s, ok := v.(string); ok {
				code.Deps[k] = s
			}
		}
	}
	completer := func(resolve ResolveFunc) error {
		cls, fn, err := sandbox.New().Define(code.Source)
		if err != nil {
			return fmt.Errorf("recreate: recompile code at %s: %w", loc, err)
		}
		code.Class = cls
		code.Func = fn
		return nil
	}
	return &Shell{Creation: code, Completer: completer}, nil
}

func rebuildJigOrBerry(state capture.State, loc *location.Location, dec *codec.Codec, resolveRef ResolveRef, isBerry bool) (*Shell, error) {
	var classRef determinism.Value
	if tagged, ok := state.Class.(map[string]determinism.Value); ok {
		classRef = tagged["$jig"]
	}

	fields := script.NewObject()
	var bindings creation.Bindings
	for _, k := range codec.SortedKeys(state.Props) {
		switch k {
		case "location", "origin", "nonce", "satoshis", "owner":
			continue
		default:
			dv, err := dec.DecodeValue(state.Props[k])
			if err != nil {
				return nil, fmt.Errorf("recreate: decode prop %q: %w", k, err)
			}
			fields.Set(k, dv)
		}
	}
	bindings.Location = loc
	bindings.Nonce = nonceOf(state)
	if n, ok := state.Props["satoshis"].(float64); ok {
		bindings.Satoshis = uint64(n)
	}
	if s, ok := state.Props["origin"].(string); ok && s != "" {
		if originLoc, err := location.Parse(s); err == nil {
			bindings.Origin = originLoc
		}
	}

	var shellCreation creation.Creation
	stubClass := &creation.Code{}
	if isBerry {
		shellCreation = &creation.Berry{Bindings: bindings, ClassOf: stubClass, Fields: fields}
	} else {
		shellCreation = &creation.JigInstance{Bindings: bindings, ClassOf: stubClass, Fields: fields}
	}

	completer := func(resolve ResolveFunc) error {
		if classRef == nil {
			return nil
		}
		classCreation, err := resolveRef(classRef)
		if err != nil {
			return fmt.Errorf("recreate: resolve class ref: %w", err)
		}
		code, ok := classCreation.(*creation.Code)
		if !ok {
			return fmt.Errorf("recreate: class reference did not resolve to Code")
		}
		switch target := shellCreation.(type) {
		case *creation.JigInstance:
			target.ClassOf = code
		case *creation.Berry:
			target.ClassOf = code
		}
		return nil
	}

	return &Shell{Creation: shellCreation, Completer: completer}, nil
}

func nonceOf(state capture.State) uint64 {
	if n, ok := state.Props["nonce"].(float64); ok {
		return uint64(n)
	}
	return 0
}
