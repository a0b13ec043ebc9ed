// Package sandbox builds the fresh, intrinsic-seeded compartments deploy
// and upgrade source strings evaluate in (spec §4.3): canonical
// intrinsics (fundamental types, typed arrays, structured data, Promise,
// reflection, JSON), non-deterministic globals overridden to throw when
// called or constructed, classes anonymized to a stable private name, and sandboxed
// values memoized so intrinsics compare equal across invocations within
// the process.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bitjig/rund/internal/script"
)

// Compartment is one fresh evaluation scope: its own Environment, seeded
// with the process-wide memoized intrinsic set, isolated from every
// other compartment's local bindings.
type Compartment struct {
	Env *script.Environment
}

// New builds a fresh compartment. Every compartment shares the same
// intrinsic Values (Math, JSON, Set, Map, ...) by pointer, built once per
// process, so identity comparisons on an intrinsic hold across
// unrelated deploys; only the Environment frame itself is fresh.
func New() *Compartment {
	env := script.NewEnvironment(nil)
	for name, v := range sharedIntrinsics() {
		env.Define(name, v)
	}
	extraMu.Lock()
	for name, v := range extraIntrinsics {
		env.Define(name, v)
	}
	extraMu.Unlock()
	return &Compartment{Env: env}
}

var (
	extraMu         sync.Mutex
	extraIntrinsics = map[string]script.Value{}
)

// Extend registers an additional process-wide intrinsic, available
// under name to every compartment New builds from this point on. This
// is the seam a supplemental domain package (internal/extras/evmberry,
// currently the only caller) uses to expose a Go-backed native
// object/function to sandboxed code without this package importing
// that domain's dependencies — internal/sandbox stays free of anything
// beyond internal/script. Extend is meant to be called once at process
// startup, before any Loader starts compiling source; it is not safe to
// call concurrently with an in-progress New().
func Extend(name string, v script.Value) {
	extraMu.Lock()
	defer extraMu.Unlock()
	extraIntrinsics[name] = v
}

var (
	intrinsicsOnce sync.Once
	intrinsics     map[string]script.Value
)

func sharedIntrinsics() map[string]script.Value {
	intrinsicsOnce.Do(func() {
		m := map[string]script.Value{}
		env := script.NewEnvironment(nil)
		script.InstallGlobals(env)
		for _, name := range []string{"Math", "JSON", "Object", "Array"} {
			if v, ok := env.Get(name); ok {
				m[name] = v
			}
		}
		// Math.random is a non-deterministic builtin the base interpreter
		// doesn't expose at all; override it explicitly anyway so the
		// failure is a descriptive sandbox error rather than "undefined
		// identifier Math" the day someone adds it to script.InstallGlobals.
		if mathObj, ok := m["Math"].(*script.Object); ok {
			mathObj.Set("random", disabledGlobal("Math.random"))
		}
		m["Date"] = disabledGlobal("Date")
		m["Set"] = setCtor()
		m["Map"] = mapCtor()
		m["Uint8Array"] = uint8ArrayCtor()
		m["Promise"] = promiseNamespace()
		m["Reflect"] = reflectNamespace()
		intrinsics = m
	})
	return intrinsics
}

// disabledGlobal is both directly callable and, via Host.Instantiate,
// constructible — calling it either way always fails with a message
// naming the non-deterministic global that was accessed, instead of the
// generic "undefined identifier" a plain omission would raise.
func disabledGlobal(name string) *script.NativeFunc {
	return &script.NativeFunc{
		Name: name,
		Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			return nil, fmt.Errorf("sandbox: %s is non-deterministic and is disabled", name)
		},
	}
}

// Define compiles src — the checker in script.Compile already rejects
// anything but exactly one top-level class or function declaration — and
// defines it against this compartment's Environment. A class's declared
// name is discarded in favor of a stable name derived from its own
// source text, so two callers loading the same bytes from different
// scopes see the same class identity and no caller's naming of its own
// local variable leaks into the class's public identity.
func (c *Compartment) Define(src string) (*script.Class, *script.Closure, error) {
	prog, err := script.Compile(src)
	if err != nil {
		return nil, nil, err
	}
	in := script.NewInterp(nil)
	switch decl := prog.Decl.(type) {
	case *script.ClassDecl:
		cls := in.DefineClass(decl, c.Env, nil)
		cls.Name = anonymousName(src)
		return cls, nil, nil
	case *script.FuncDecl:
		return nil, in.DefineFunc(decl, c.Env), nil
	default:
		return nil, nil, fmt.Errorf("sandbox: source did not produce a class or function declaration")
	}
}

// anonymousName derives a stable private class name from src alone, so
// identity never depends on the declared name or the caller's scope.
func anonymousName(src string) string {
	sum := sha256.Sum256([]byte(src))
	return "#" + hex.EncodeToString(sum[:])[:16]
}
