// Package determinism supplies the building blocks that turn a host
// execution environment into a deterministic realm: stable sort, canonical
// key ordering, and canonical stringification. Every run of code built on
// this package, given byte-equal inputs, produces byte-equal canonical
// output — that is the invariant the rest of the runtime relies on.
package determinism

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrCyclicValue is returned by Stringify when the value graph contains a
// cycle that toJSON hooks did not break.
var ErrCyclicValue = errors.New("determinism: cyclic value")

// Value is the dynamically-typed value kind the interpreter and codec pass
// around: nil, bool, float64, string, []Value, map[string]Value, or a
// ToJSONer that maps a value the plain JSON shape can't represent onto
// one of those.
type Value = interface{}

// KeyKind classifies a property key for the canonical comparator:
// integers sort first (numerically), then strings (code-point order), then
// symbol descriptions.
type KeyKind int

const (
	KeyInteger KeyKind = iota
	KeyString
	KeySymbol
)

// Key is a single enumerable property key as the canonical comparator sees
// it.
type Key struct {
	Kind  KeyKind
	Int   int64
	Str   string // also holds the symbol description when Kind == KeySymbol
}

// CompareKeys implements the canonical key comparator: integers in numeric
// order, then strings in code-point order, then symbol descriptions.
func CompareKeys(a, b Key) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch a.Kind {
	case KeyInteger:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(a.Str, b.Str)
	}
}

// SortKeys returns a new slice of keys sorted by the canonical comparator.
// Ties (which cannot occur for well-formed property key sets, but can for
// synthetic test input) are broken by original index to keep the sort
// stable.
func SortKeys(keys []Key) []Key {
	type indexed struct {
		key Key
		idx int
	}
	tmp := make([]indexed, len(keys))
	for i, k := range keys {
		tmp[i] = indexed{k, i}
	}
	sort.SliceStable(tmp, func(i, j int) bool {
		c := CompareKeys(tmp[i].key, tmp[j].key)
		if c != 0 {
			return c < 0
		}
		return tmp[i].idx < tmp[j].idx
	})
	out := make([]Key, len(tmp))
	for i, t := range tmp {
		out[i] = t.key
	}
	return out
}

// StableSort sorts s in place using less, breaking ties on the element's
// original index so that equal elements preserve relative order — this is
// what makes a user-supplied sort comparator deterministic across hosts
// even when it reports two elements as equal.
func StableSort(s []Value, less func(a, b Value) bool) {
	sort.SliceStable(s, func(i, j int) bool {
		return less(s[i], s[j])
	})
}

// IndexedLess builds a less func for StableSort from a three-way comparator
// (negative/zero/positive, as a user sort callback would return), so ties
// (cmp == 0) preserve original relative order automatically via
// sort.SliceStable's own stability — callers normally just want this
// wrapped form.
func IndexedLess(cmp func(a, b Value) int) func(a, b Value) bool {
	return func(a, b Value) bool { return cmp(a, b) < 0 }
}

// Stringify produces the canonical JSON text for v: keys sorted by
// CompareKeys, non-representable values in arrays escaped to "null", cycles
// rejected, and toJSON-like hooks (via the ToJSONer interface) honored.
func Stringify(v Value) (string, error) {
	var b strings.Builder
	seen := map[interface{}]bool{}
	if err := stringify(&b, v, seen); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ToJSONer lets a host value customize its own canonical representation,
// mirroring a toJSON() hook.
type ToJSONer interface {
	ToJSON() Value
}

func stringify(b *strings.Builder, v Value, seen map[interface{}]bool) error {
	if t, ok := v.(ToJSONer); ok {
		return stringify(b, t.ToJSON(), seen)
	}
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case float64:
		fmt.Fprintf(b, "%s", formatNumber(x))
		return nil
	case string:
		writeJSONString(b, x)
		return nil
	case []Value:
		return stringifyArray(b, x, seen)
	case map[string]Value:
		return stringifyObject(b, x, seen)
	default:
		return fmt.Errorf("determinism: unsupported value type %T", v)
	}
}

func stringifyArray(b *strings.Builder, arr []Value, seen map[interface{}]bool) error {
	key := fmt.Sprintf("%p", arr)
	if len(arr) > 0 {
		if seen[key] {
			return ErrCyclicValue
		}
		seen[key] = true
		defer delete(seen, key)
	}
	b.WriteByte('[')
	for i, el := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if el == nil {
			b.WriteString("null")
			continue
		}
		if err := stringify(b, el, seen); err != nil {
			if errors.Is(err, ErrCyclicValue) {
				return err
			}
			// non-representable element: escape to null, per spec.
			b.WriteString("null")
			continue
		}
	}
	b.WriteByte(']')
	return nil
}

func stringifyObject(b *strings.Builder, obj map[string]Value, seen map[interface{}]bool) error {
	key := fmt.Sprintf("%p", obj)
	if len(obj) > 0 {
		if seen[key] {
			return ErrCyclicValue
		}
		seen[key] = true
		defer delete(seen, key)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	asKey := func(k string) Key {
		if n, err := strconv.ParseInt(k, 10, 64); err == nil && n >= 0 && strconv.FormatInt(n, 10) == k {
			return Key{Kind: KeyInteger, Int: n}
		}
		return Key{Kind: KeyString, Str: k}
	}
	sort.Slice(keys, func(i, j int) bool {
		return CompareKeys(asKey(keys[i]), asKey(keys[j])) < 0
	})
	b.WriteByte('{')
	first := true
	for _, k := range keys {
		val := obj[k]
		if val == nil {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		writeJSONString(b, k)
		b.WriteByte(':')
		if err := stringify(b, val, seen); err != nil && !errors.Is(err, ErrCyclicValue) {
			b.WriteString("null")
			continue
		} else if err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func formatNumber(f float64) string {
	// Integral values print without a decimal point; any other value
	// (JSON.stringify can pass a fractional number straight through)
	// prints in %g form.
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
