package sandbox

import (
	"fmt"

	"github.com/bitjig/rund/internal/script"
)

// intrinsicCtor is a named, host-constructible intrinsic: `new X(...)`
// against a value with no backing *script.Class routes through
// Host.Instantiate, which recognizes this marker and calls build. statics
// holds the namespace's own callable properties (Promise.resolve, ...).
type intrinsicCtor struct {
	name    string
	build   func(args []script.Value) (script.Value, error)
	statics map[string]*script.NativeFunc
}

func arg0(args []script.Value) script.Value { return argN(args, 0) }
func arg1(args []script.Value) script.Value { return argN(args, 1) }

func argN(args []script.Value, i int) script.Value {
	if i < len(args) {
		return args[i]
	}
	return script.Undefined{}
}

func numberOf(v script.Value) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// setCtor builds Set: `new Set()` or `new Set(array)`; any other argument
// yields an empty Set.
func setCtor() *intrinsicCtor {
	return &intrinsicCtor{
		name: "Set",
		build: func(args []script.Value) (script.Value, error) {
			s := script.NewSet()
			if arr, ok := arg0(args).(*script.Array); ok {
				for _, v := range arr.Elements {
					s.Add(v)
				}
			}
			return s, nil
		},
	}
}

func setMember(s *script.Set, name string) script.Value {
	switch name {
	case "size":
		return float64(len(s.Items()))
	case "add":
		return &script.NativeFunc{Name: "add", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			s.Add(arg0(args))
			return s, nil
		}}
	case "has":
		return &script.NativeFunc{Name: "has", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			return s.Has(arg0(args)), nil
		}}
	case "values", "keys":
		return &script.NativeFunc{Name: name, Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			return &script.Array{Elements: s.Items()}, nil
		}}
	default:
		return script.Undefined{}
	}
}

// mapCtor builds Map: `new Map()` or `new Map(entries)` where entries is
// an array of [key, value] pairs.
func mapCtor() *intrinsicCtor {
	return &intrinsicCtor{
		name: "Map",
		build: func(args []script.Value) (script.Value, error) {
			m := script.NewMap()
			if arr, ok := arg0(args).(*script.Array); ok {
				for _, e := range arr.Elements {
					pair, ok := e.(*script.Array)
					if !ok || len(pair.Elements) != 2 {
						return nil, fmt.Errorf("sandbox: Map entries must be [key, value] pairs")
					}
					m.Set(pair.Elements[0], pair.Elements[1])
				}
			}
			return m, nil
		},
	}
}

func mapMember(m *script.Map, name string) script.Value {
	switch name {
	case "size":
		keys, _ := m.Entries()
		return float64(len(keys))
	case "set":
		return &script.NativeFunc{Name: "set", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			m.Set(arg0(args), arg1(args))
			return m, nil
		}}
	case "get":
		return &script.NativeFunc{Name: "get", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			if v, ok := m.Get(arg0(args)); ok {
				return v, nil
			}
			return script.Undefined{}, nil
		}}
	case "has":
		return &script.NativeFunc{Name: "has", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			_, ok := m.Get(arg0(args))
			return ok, nil
		}}
	case "keys":
		return &script.NativeFunc{Name: "keys", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			keys, _ := m.Entries()
			return &script.Array{Elements: keys}, nil
		}}
	case "values":
		return &script.NativeFunc{Name: "values", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			_, vals := m.Entries()
			return &script.Array{Elements: vals}, nil
		}}
	case "entries":
		return &script.NativeFunc{Name: "entries", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			keys, vals := m.Entries()
			out := make([]script.Value, len(keys))
			for i := range keys {
				out[i] = &script.Array{Elements: []script.Value{keys[i], vals[i]}}
			}
			return &script.Array{Elements: out}, nil
		}}
	default:
		return script.Undefined{}
	}
}

// uint8ArrayCtor builds Uint8Array: `new Uint8Array(length)` or
// `new Uint8Array(arrayOfByteValues)`.
func uint8ArrayCtor() *intrinsicCtor {
	return &intrinsicCtor{
		name: "Uint8Array",
		build: func(args []script.Value) (script.Value, error) {
			switch v := arg0(args).(type) {
			case float64:
				return make(script.Uint8Array, int(v)), nil
			case *script.Array:
				out := make(script.Uint8Array, len(v.Elements))
				for i, e := range v.Elements {
					out[i] = byte(numberOf(e))
				}
				return out, nil
			default:
				return script.Uint8Array{}, nil
			}
		},
	}
}

func uint8ArrayMember(ui8a script.Uint8Array, name string) script.Value {
	switch name {
	case "length":
		return float64(len(ui8a))
	case "fill":
		return &script.NativeFunc{Name: "fill", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			b := byte(numberOf(arg0(args)))
			for i := range ui8a {
				ui8a[i] = b
			}
			return ui8a, nil
		}}
	case "slice":
		return &script.NativeFunc{Name: "slice", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			start, end := 0, len(ui8a)
			if len(args) > 0 {
				start = int(numberOf(args[0]))
			}
			if len(args) > 1 {
				end = int(numberOf(args[1]))
			}
			if start < 0 {
				start = 0
			}
			if end > len(ui8a) {
				end = len(ui8a)
			}
			if start > end {
				start = end
			}
			out := make(script.Uint8Array, end-start)
			copy(out, ui8a[start:end])
			return out, nil
		}}
	default:
		return script.Undefined{}
	}
}

// promise is a synchronously-settled Promise: the interpreter has no
// event loop, so there is no pending state to model — every promise is
// fulfilled or rejected the instant it's created.
type promise struct {
	rejected bool
	value    script.Value
}

// promiseNamespace builds Promise: a constructible `new Promise(executor)`
// whose executor must be a native function (a script closure executor is
// rejected), and the static resolve/reject/all helpers jig code is
// expected to actually use.
func promiseNamespace() *intrinsicCtor {
	return &intrinsicCtor{
		name: "Promise",
		statics: map[string]*script.NativeFunc{
			"resolve": {Name: "resolve", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
				return &promise{value: arg0(args)}, nil
			}},
			"reject": {Name: "reject", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
				return &promise{rejected: true, value: arg0(args)}, nil
			}},
			"all": {Name: "all", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
				arr, ok := arg0(args).(*script.Array)
				if !ok {
					return nil, fmt.Errorf("sandbox: Promise.all expects an array")
				}
				out := make([]script.Value, len(arr.Elements))
				for i, e := range arr.Elements {
					p, ok := e.(*promise)
					if !ok {
						return nil, fmt.Errorf("sandbox: Promise.all expects an array of promises")
					}
					if p.rejected {
						return &promise{rejected: true, value: p.value}, nil
					}
					out[i] = p.value
				}
				return &promise{value: &script.Array{Elements: out}}, nil
			}},
		},
		build: func(args []script.Value) (script.Value, error) {
			executor, ok := arg0(args).(*script.NativeFunc)
			if !ok {
				return nil, fmt.Errorf("sandbox: new Promise(executor) requires a native executor function")
			}
			p := &promise{}
			settled := false
			resolve := &script.NativeFunc{Name: "resolve", Fn: func(_ script.Value, a []script.Value) (script.Value, error) {
				if !settled {
					settled = true
					p.value = arg0(a)
				}
				return script.Undefined{}, nil
			}}
			reject := &script.NativeFunc{Name: "reject", Fn: func(_ script.Value, a []script.Value) (script.Value, error) {
				if !settled {
					settled = true
					p.rejected = true
					p.value = arg0(a)
				}
				return script.Undefined{}, nil
			}}
			if _, err := executor.Fn(nil, []script.Value{resolve, reject}); err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func (h *Host) promiseMember(p *promise, name string) script.Value {
	switch name {
	case "then":
		return &script.NativeFunc{Name: "then", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			if p.rejected {
				if onRejected := arg1(args); onRejected != nil {
					if _, isUndef := onRejected.(script.Undefined); !isUndef {
						v, err := h.callValue(onRejected, nil, []script.Value{p.value})
						if err != nil {
							return nil, err
						}
						return &promise{value: v}, nil
					}
				}
				return p, nil
			}
			onFulfilled := arg0(args)
			if _, isUndef := onFulfilled.(script.Undefined); isUndef {
				return p, nil
			}
			v, err := h.callValue(onFulfilled, nil, []script.Value{p.value})
			if err != nil {
				return nil, err
			}
			return &promise{value: v}, nil
		}}
	case "catch":
		return &script.NativeFunc{Name: "catch", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			if !p.rejected {
				return p, nil
			}
			v, err := h.callValue(arg0(args), nil, []script.Value{p.value})
			if err != nil {
				return nil, err
			}
			return &promise{value: v}, nil
		}}
	case "finally":
		return &script.NativeFunc{Name: "finally", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
			if _, err := h.callValue(arg0(args), nil, nil); err != nil {
				return nil, err
			}
			return p, nil
		}}
	default:
		return script.Undefined{}
	}
}

// reflectNamespace builds Reflect: ownKeys/has/get/set over Objects and
// class Instances, the canonical reflection surface spec §4.3 lists.
func reflectNamespace() *script.Object {
	o := script.NewObject()
	o.Set("ownKeys", &script.NativeFunc{Name: "ownKeys", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
		switch t := arg0(args).(type) {
		case *script.Object:
			keys := t.Keys()
			out := make([]script.Value, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return &script.Array{Elements: out}, nil
		case *script.Instance:
			keys := t.Fields.Keys()
			out := make([]script.Value, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return &script.Array{Elements: out}, nil
		default:
			return &script.Array{}, nil
		}
	}})
	o.Set("has", &script.NativeFunc{Name: "has", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
		key, _ := arg1(args).(string)
		switch t := arg0(args).(type) {
		case *script.Object:
			_, ok := t.Get(key)
			return ok, nil
		case *script.Instance:
			_, ok := t.Fields.Get(key)
			return ok, nil
		default:
			return false, nil
		}
	}})
	o.Set("get", &script.NativeFunc{Name: "get", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
		key, _ := arg1(args).(string)
		switch t := arg0(args).(type) {
		case *script.Object:
			if v, ok := t.Get(key); ok {
				return v, nil
			}
		case *script.Instance:
			if v, ok := t.Fields.Get(key); ok {
				return v, nil
			}
		}
		return script.Undefined{}, nil
	}})
	o.Set("set", &script.NativeFunc{Name: "set", Fn: func(this script.Value, args []script.Value) (script.Value, error) {
		key, _ := arg1(args).(string)
		val := argN(args, 2)
		switch t := arg0(args).(type) {
		case *script.Object:
			t.Set(key, val)
			return true, nil
		case *script.Instance:
			t.Fields.Set(key, val)
			return true, nil
		default:
			return false, nil
		}
	}})
	return o
}
