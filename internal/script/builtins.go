package script

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bitjig/rund/internal/determinism"
)

// InstallGlobals seeds env with the deterministic intrinsics jig code may
// reference by name: Math (a fixed deterministic subset), JSON (wired to
// the canonical stringify in internal/determinism), and Object/Array
// static helpers. Anything not listed here — Date, Math.random,
// globalThis, process — simply isn't defined, so referencing it raises
// an undefined-identifier error rather than leaking non-determinism.
func InstallGlobals(env *Environment) {
	env.Define("Math", mathObject())
	env.Define("JSON", jsonObject())
	env.Define("Object", objectStatics())
	env.Define("Array", arrayStatics())
}

func nativeObj(methods map[string]func(this Value, args []Value) (Value, error)) *Object {
	o := NewObject()
	for name, fn := range methods {
		o.Set(name, &NativeFunc{Name: name, Fn: fn})
	}
	return o
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Undefined{}
}

func mathObject() *Object {
	o := nativeObj(map[string]func(Value, []Value) (Value, error){
		"floor": func(_ Value, a []Value) (Value, error) { return math.Floor(toNumber(arg(a, 0))), nil },
		"ceil":  func(_ Value, a []Value) (Value, error) { return math.Ceil(toNumber(arg(a, 0))), nil },
		"round": func(_ Value, a []Value) (Value, error) { return math.Round(toNumber(arg(a, 0))), nil },
		"trunc": func(_ Value, a []Value) (Value, error) { return math.Trunc(toNumber(arg(a, 0))), nil },
		"abs":   func(_ Value, a []Value) (Value, error) { return math.Abs(toNumber(arg(a, 0))), nil },
		"sqrt":  func(_ Value, a []Value) (Value, error) { return math.Sqrt(toNumber(arg(a, 0))), nil },
		"pow": func(_ Value, a []Value) (Value, error) {
			return math.Pow(toNumber(arg(a, 0)), toNumber(arg(a, 1))), nil
		},
		"max": func(_ Value, a []Value) (Value, error) {
			m := math.Inf(-1)
			for _, v := range a {
				if n := toNumber(v); n > m {
					m = n
				}
			}
			return m, nil
		},
		"min": func(_ Value, a []Value) (Value, error) {
			m := math.Inf(1)
			for _, v := range a {
				if n := toNumber(v); n < m {
					m = n
				}
			}
			return m, nil
		},
	})
	o.Set("PI", math.Pi)
	return o
}

// jsonObject wires JSON.stringify to the canonical determinism stringifier
// so every jig that serializes state gets the same byte-identical output
// regardless of platform or Go map iteration order.
func jsonObject() *Object {
	return nativeObj(map[string]func(Value, []Value) (Value, error){
		"stringify": func(_ Value, a []Value) (Value, error) {
			v := toDeterminismValue(arg(a, 0))
			s, err := determinism.Stringify(v)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}

// toDeterminismValue converts script runtime values into the plain
// map/slice/scalar shape internal/determinism.Stringify expects.
func toDeterminismValue(v Value) determinism.Value {
	switch t := v.(type) {
	case *Array:
		out := make([]determinism.Value, len(t.Elements))
		for i, e := range t.Elements {
			out[i] = toDeterminismValue(e)
		}
		return out
	case *Object:
		out := map[string]determinism.Value{}
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			out[k] = toDeterminismValue(val)
		}
		return out
	case *Instance:
		out := map[string]determinism.Value{}
		for _, k := range t.Fields.Keys() {
			val, _ := t.Fields.Get(k)
			out[k] = toDeterminismValue(val)
		}
		return out
	case Undefined:
		return nil
	default:
		return t
	}
}

func objectStatics() *Object {
	return nativeObj(map[string]func(Value, []Value) (Value, error){
		"keys": func(_ Value, a []Value) (Value, error) {
			o, ok := arg(a, 0).(*Object)
			if !ok {
				return NewArray(), nil
			}
			elems := make([]Value, 0, len(o.Keys()))
			for _, k := range o.Keys() {
				elems = append(elems, k)
			}
			return &Array{Elements: elems}, nil
		},
		"values": func(_ Value, a []Value) (Value, error) {
			o, ok := arg(a, 0).(*Object)
			if !ok {
				return NewArray(), nil
			}
			elems := make([]Value, 0, len(o.Keys()))
			for _, k := range o.Keys() {
				v, _ := o.Get(k)
				elems = append(elems, v)
			}
			return &Array{Elements: elems}, nil
		},
		"entries": func(_ Value, a []Value) (Value, error) {
			o, ok := arg(a, 0).(*Object)
			if !ok {
				return NewArray(), nil
			}
			elems := make([]Value, 0, len(o.Keys()))
			for _, k := range o.Keys() {
				v, _ := o.Get(k)
				elems = append(elems, &Array{Elements: []Value{k, v}})
			}
			return &Array{Elements: elems}, nil
		},
		"assign": func(_ Value, a []Value) (Value, error) {
			dst, ok := arg(a, 0).(*Object)
			if !ok {
				return nil, fmt.Errorf("script: Object.assign target must be an object")
			}
			for _, src := range a[1:] {
				so, ok := src.(*Object)
				if !ok {
					continue
				}
				for _, k := range so.Keys() {
					v, _ := so.Get(k)
					dst.Set(k, v)
				}
			}
			return dst, nil
		},
		"freeze": func(_ Value, a []Value) (Value, error) { return arg(a, 0), nil },
	})
}

func arrayStatics() *Object {
	return nativeObj(map[string]func(Value, []Value) (Value, error){
		"isArray": func(_ Value, a []Value) (Value, error) {
			_, ok := arg(a, 0).(*Array)
			return ok, nil
		},
		"from": func(_ Value, a []Value) (Value, error) {
			switch src := arg(a, 0).(type) {
			case *Array:
				out := make([]Value, len(src.Elements))
				copy(out, src.Elements)
				return &Array{Elements: out}, nil
			default:
				return NewArray(), nil
			}
		},
	})
}

// arrayMethod resolves instance methods on Array values (interp.go calls
// this from getMember). Sort uses internal/determinism.StableSort so a
// user-supplied comparator with ties never leaks host sort instability.
func arrayMethod(name string) (func(in *Interp, a *Array, args []Value) (Value, error), bool) {
	fns := map[string]func(in *Interp, a *Array, args []Value) (Value, error){
		"push": func(in *Interp, a *Array, args []Value) (Value, error) {
			a.Elements = append(a.Elements, args...)
			return float64(len(a.Elements)), nil
		},
		"pop": func(in *Interp, a *Array, args []Value) (Value, error) {
			if len(a.Elements) == 0 {
				return Undefined{}, nil
			}
			last := a.Elements[len(a.Elements)-1]
			a.Elements = a.Elements[:len(a.Elements)-1]
			return last, nil
		},
		"shift": func(in *Interp, a *Array, args []Value) (Value, error) {
			if len(a.Elements) == 0 {
				return Undefined{}, nil
			}
			first := a.Elements[0]
			a.Elements = a.Elements[1:]
			return first, nil
		},
		"slice": func(in *Interp, a *Array, args []Value) (Value, error) {
			start, end := sliceBounds(len(a.Elements), args)
			out := make([]Value, end-start)
			copy(out, a.Elements[start:end])
			return &Array{Elements: out}, nil
		},
		"concat": func(in *Interp, a *Array, args []Value) (Value, error) {
			out := append([]Value{}, a.Elements...)
			for _, arg := range args {
				if other, ok := arg.(*Array); ok {
					out = append(out, other.Elements...)
				} else {
					out = append(out, arg)
				}
			}
			return &Array{Elements: out}, nil
		},
		"join": func(in *Interp, a *Array, args []Value) (Value, error) {
			sep := ","
			if len(args) > 0 {
				if s, ok := args[0].(string); ok {
					sep = s
				}
			}
			parts := make([]string, len(a.Elements))
			for i, e := range a.Elements {
				parts[i] = Describe(e)
			}
			return strings.Join(parts, sep), nil
		},
		"indexOf": func(in *Interp, a *Array, args []Value) (Value, error) {
			target := arg0(args)
			for i, e := range a.Elements {
				if looseEquals(e, target) {
					return float64(i), nil
				}
			}
			return float64(-1), nil
		},
		"includes": func(in *Interp, a *Array, args []Value) (Value, error) {
			target := arg0(args)
			for _, e := range a.Elements {
				if looseEquals(e, target) {
					return true, nil
				}
			}
			return false, nil
		},
		"map": func(in *Interp, a *Array, args []Value) (Value, error) {
			cb := arg0(args)
			out := make([]Value, len(a.Elements))
			for i, e := range a.Elements {
				v, err := in.call(cb, nil, []Value{e, float64(i)})
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return &Array{Elements: out}, nil
		},
		"filter": func(in *Interp, a *Array, args []Value) (Value, error) {
			cb := arg0(args)
			var out []Value
			for i, e := range a.Elements {
				v, err := in.call(cb, nil, []Value{e, float64(i)})
				if err != nil {
					return nil, err
				}
				if Truthy(v) {
					out = append(out, e)
				}
			}
			return &Array{Elements: out}, nil
		},
		"forEach": func(in *Interp, a *Array, args []Value) (Value, error) {
			cb := arg0(args)
			for i, e := range a.Elements {
				if _, err := in.call(cb, nil, []Value{e, float64(i)}); err != nil {
					return nil, err
				}
			}
			return Undefined{}, nil
		},
		"reduce": func(in *Interp, a *Array, args []Value) (Value, error) {
			cb := arg0(args)
			var acc Value
			start := 0
			if len(args) > 1 {
				acc = args[1]
			} else {
				if len(a.Elements) == 0 {
					return nil, fmt.Errorf("script: reduce of empty array with no initial value")
				}
				acc = a.Elements[0]
				start = 1
			}
			for i := start; i < len(a.Elements); i++ {
				v, err := in.call(cb, nil, []Value{acc, a.Elements[i], float64(i)})
				if err != nil {
					return nil, err
				}
				acc = v
			}
			return acc, nil
		},
		"find": func(in *Interp, a *Array, args []Value) (Value, error) {
			cb := arg0(args)
			for i, e := range a.Elements {
				v, err := in.call(cb, nil, []Value{e, float64(i)})
				if err != nil {
					return nil, err
				}
				if Truthy(v) {
					return e, nil
				}
			}
			return Undefined{}, nil
		},
		"sort": func(in *Interp, a *Array, args []Value) (Value, error) {
			var less func(x, y determinism.Value) bool
			if len(args) > 0 {
				cb := args[0]
				var callErr error
				less = func(x, y determinism.Value) bool {
					if callErr != nil {
						return false
					}
					v, err := in.call(cb, nil, []Value{x, y})
					if err != nil {
						callErr = err
						return false
					}
					return toNumber(v) < 0
				}
				elems := make([]determinism.Value, len(a.Elements))
				for i, e := range a.Elements {
					elems[i] = e
				}
				determinism.StableSort(elems, less)
				for i, e := range elems {
					a.Elements[i] = e
				}
				if callErr != nil {
					return nil, callErr
				}
				return a, nil
			}
			sort.SliceStable(a.Elements, func(i, j int) bool {
				return compareValues(a.Elements[i], a.Elements[j]) < 0
			})
			return a, nil
		},
		"reverse": func(in *Interp, a *Array, args []Value) (Value, error) {
			for i, j := 0, len(a.Elements)-1; i < j; i, j = i+1, j-1 {
				a.Elements[i], a.Elements[j] = a.Elements[j], a.Elements[i]
			}
			return a, nil
		},
	}
	fn, ok := fns[name]
	return fn, ok
}

func arg0(args []Value) Value {
	if len(args) > 0 {
		return args[0]
	}
	return Undefined{}
}

func sliceBounds(n int, args []Value) (int, int) {
	start, end := 0, n
	if len(args) > 0 {
		start = normalizeIndex(int(toNumber(args[0])), n)
	}
	if len(args) > 1 {
		end = normalizeIndex(int(toNumber(args[1])), n)
	}
	if end < start {
		end = start
	}
	return start, end
}

func normalizeIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

// stringMethod resolves the small set of deterministic string methods
// jig code commonly needs.
func stringMethod(name string) (func(s string, args []Value) (Value, error), bool) {
	fns := map[string]func(string, []Value) (Value, error){
		"toUpperCase": func(s string, args []Value) (Value, error) { return strings.ToUpper(s), nil },
		"toLowerCase": func(s string, args []Value) (Value, error) { return strings.ToLower(s), nil },
		"trim":        func(s string, args []Value) (Value, error) { return strings.TrimSpace(s), nil },
		"slice": func(s string, args []Value) (Value, error) {
			r := []rune(s)
			start, end := sliceBounds(len(r), args)
			return string(r[start:end]), nil
		},
		"split": func(s string, args []Value) (Value, error) {
			sep := ""
			if len(args) > 0 {
				if v, ok := args[0].(string); ok {
					sep = v
				}
			}
			var parts []string
			if sep == "" {
				for _, r := range s {
					parts = append(parts, string(r))
				}
			} else {
				parts = strings.Split(s, sep)
			}
			elems := make([]Value, len(parts))
			for i, p := range parts {
				elems[i] = p
			}
			return &Array{Elements: elems}, nil
		},
		"includes": func(s string, args []Value) (Value, error) {
			if len(args) == 0 {
				return false, nil
			}
			sub, _ := args[0].(string)
			return strings.Contains(s, sub), nil
		},
		"indexOf": func(s string, args []Value) (Value, error) {
			if len(args) == 0 {
				return float64(-1), nil
			}
			sub, _ := args[0].(string)
			return float64(strings.Index(s, sub)), nil
		},
		"charAt": func(s string, args []Value) (Value, error) {
			r := []rune(s)
			i := 0
			if len(args) > 0 {
				i = int(toNumber(args[0]))
			}
			if i < 0 || i >= len(r) {
				return "", nil
			}
			return string(r[i]), nil
		},
		"repeat": func(s string, args []Value) (Value, error) {
			n := 0
			if len(args) > 0 {
				n = int(toNumber(args[0]))
			}
			if n < 0 {
				return nil, fmt.Errorf("script: repeat count must be non-negative")
			}
			return strings.Repeat(s, n), nil
		},
		"padStart": func(s string, args []Value) (Value, error) {
			return padString(s, args, true), nil
		},
		"padEnd": func(s string, args []Value) (Value, error) {
			return padString(s, args, false), nil
		},
	}
	fn, ok := fns[name]
	return fn, ok
}

func padString(s string, args []Value, start bool) string {
	if len(args) == 0 {
		return s
	}
	targetLen := int(toNumber(args[0]))
	padStr := " "
	if len(args) > 1 {
		if p, ok := args[1].(string); ok && p != "" {
			padStr = p
		}
	}
	r := []rune(s)
	if len(r) >= targetLen {
		return s
	}
	var pad strings.Builder
	for pad.Len() < targetLen-len(r) {
		pad.WriteString(padStr)
	}
	padded := pad.String()
	padded = string([]rune(padded)[:targetLen-len(r)])
	if start {
		return padded + s
	}
	return s + padded
}
