// Package codec implements the JSON codec described in spec §4.5: a
// canonical encoding of the deterministic value graph with typed markers
// for non-primitive intrinsics ($set/$map/$arb/$u64/$ui8a/$undefined)
// and for creation references ($jig, resolved through caller-supplied
// hooks so both replay's master-list indices and persistent location
// strings share one codec).
package codec

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
	"github.com/bitjig/rund/internal/membrane"
	"github.com/bitjig/rund/internal/script"
)

// EncodeJigFunc turns a referenced creation into the $jig tag's payload:
// an integer master-list index during replay, or a persistent location
// string for recreate/commit. DecodeJigFunc is its inverse.
type EncodeJigFunc func(c creation.Creation) (determinism.Value, error)
type DecodeJigFunc func(ref determinism.Value) (creation.Creation, error)

// Codec holds the two reference hooks for one encode/decode session.
type Codec struct {
	EncodeJig EncodeJigFunc
	DecodeJig DecodeJigFunc

	// seen tracks nodes already emitted in this encode pass (DFS order),
	// by pointer identity, to serialize cycles within one creation's own
	// properties as {"$dedup": n} instead of recursing forever.
	seen  map[interface{}]int
	order int

	// decoded is DecodeValue's mirror of seen/order: the container
	// (Array/Object/Set/Map) born at index n is registered here the
	// moment it's allocated, before its children are decoded, so a
	// "$dedup": n payload reached while still decoding an ancestor
	// resolves to the very node under construction rather than failing.
	// Encode and decode must walk containers in the same order for the
	// indices to line up; encodeObject's sorted key order (not o.Keys()'s
	// insertion order, which a bare map[string]determinism.Value cannot
	// carry through to decode) is what keeps the two sides in sync.
	decoded []script.Value
}

func New(encodeJig EncodeJigFunc, decodeJig DecodeJigFunc) *Codec {
	return &Codec{EncodeJig: encodeJig, DecodeJig: decodeJig, seen: map[interface{}]int{}}
}

// ResetDedup clears per-pass dedup bookkeeping; call before encoding or
// decoding a new top-level creation's own-properties graph.
func (c *Codec) ResetDedup() {
	c.seen = map[interface{}]int{}
	c.order = 0
	c.decoded = nil
}

// registerDecoded reserves the next dedup index for node, returning the
// index it was given. Call before decoding node's children so a cyclic
// back-reference discovered mid-decode finds node already in the table.
func (c *Codec) registerDecoded(node script.Value) int {
	idx := len(c.decoded)
	c.decoded = append(c.decoded, node)
	return idx
}

// EncodeRef is the $jig-only shortcut used for a creation's own class
// reference (capture's `cls` field).
func (c *Codec) EncodeRef(ref creation.Creation) (determinism.Value, error) {
	if ref == nil {
		return nil, nil
	}
	payload, err := c.EncodeJig(ref)
	if err != nil {
		return nil, err
	}
	return map[string]determinism.Value{"$jig": payload}, nil
}

// EncodeObjectProps encodes a JigInstance/Berry's own-properties plus
// its bindings. location and origin are written in their current
// String() form; they are not rewritten to the in-transaction
// (_o<n>/_d<n>) form here.
func (c *Codec) EncodeObjectProps(fields *script.Object, b *creation.Bindings) (map[string]determinism.Value, error) {
	out := map[string]determinism.Value{}
	if fields != nil {
		for _, k := range sortStrings(fields.Keys()) {
			v, _ := fields.Get(k)
			enc, err := c.EncodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("codec: encode prop %q: %w", k, err)
			}
			out[k] = enc
		}
	}
	out["location"] = locationString(b.Location)
	out["origin"] = locationString(b.Origin)
	out["nonce"] = float64(b.Nonce)
	out["satoshis"] = float64(b.Satoshis)
	if b.Owner != nil {
		script_, err := b.Owner.Script()
		if err != nil {
			return nil, fmt.Errorf("codec: encode owner: %w", err)
		}
		out["owner"] = script_
	}
	return out, nil
}

// EncodeCodeProps encodes a Code creation's deps map plus bindings; Code
// has no own-property Object (its mutable surface is its source text,
// handled separately by capture.go).
func (c *Codec) EncodeCodeProps(code *creation.Code) (map[string]determinism.Value, error) {
	deps := map[string]determinism.Value{}
	for k, v := range code.Deps {
		deps[k] = v
	}
	b := code.GetBindings()
	out := map[string]determinism.Value{
		"deps":     deps,
		"location": locationString(b.Location),
		"origin":   locationString(b.Origin),
		"nonce":    float64(b.Nonce),
		"satoshis": float64(b.Satoshis),
	}
	if b.Owner != nil {
		s, err := b.Owner.Script()
		if err != nil {
			return nil, fmt.Errorf("codec: encode owner: %w", err)
		}
		out["owner"] = s
	}
	return out, nil
}

func locationString(l interface{ String() string }) string {
	if l == nil {
		return ""
	}
	return l.String()
}

// EncodeValue converts a script.Value into the plain/tagged determinism.Value
// shape, resolving creation references through EncodeJig and cycles
// through $dedup.
func (c *Codec) EncodeValue(v script.Value) (determinism.Value, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case script.Undefined:
		return map[string]determinism.Value{"$undefined": true}, nil
	case float64:
		if !isSafeInteger(t) {
			return map[string]determinism.Value{"$arb": fmt.Sprintf("%g", t)}, nil
		}
		return t, nil
	case script.BigUint64:
		return map[string]determinism.Value{"$u64": fmt.Sprintf("%d", uint64(t))}, nil
	case string, bool:
		return t, nil
	case script.Uint8Array:
		return map[string]determinism.Value{"$ui8a": base64.StdEncoding.EncodeToString(t)}, nil
	case *script.Array:
		return c.encodeSeq(t, t.Elements)
	case *script.Set:
		items := t.Items()
		return c.encodeDeduped(t, func() (determinism.Value, error) {
			enc := make([]determinism.Value, len(items))
			for i, it := range items {
				v, err := c.EncodeValue(it)
				if err != nil {
					return nil, err
				}
				enc[i] = v
			}
			return map[string]determinism.Value{"$set": enc}, nil
		})
	case *script.Map:
		ks, vs := t.Entries()
		return c.encodeDeduped(t, func() (determinism.Value, error) {
			pairs := make([]determinism.Value, len(ks))
			for i := range ks {
				k, err := c.EncodeValue(ks[i])
				if err != nil {
					return nil, err
				}
				val, err := c.EncodeValue(vs[i])
				if err != nil {
					return nil, err
				}
				pairs[i] = []determinism.Value{k, val}
			}
			return map[string]determinism.Value{"$map": pairs}, nil
		})
	case *script.Object:
		return c.encodeObject(t)
	case creation.Creation:
		payload, err := c.EncodeJig(t)
		if err != nil {
			return nil, err
		}
		return map[string]determinism.Value{"$jig": payload}, nil
	case *membrane.Receiver:
		// A method storing `this` into a property (this.self = this) captures
		// a mediated receiver, not a raw Fields object; encode it exactly like
		// any other cross-creation reference rather than inlining its fields.
		payload, err := c.EncodeJig(t.Creation())
		if err != nil {
			return nil, err
		}
		return map[string]determinism.Value{"$jig": payload}, nil
	default:
		return nil, fmt.Errorf("codec: cannot encode value of type %T", v)
	}
}

func (c *Codec) encodeSeq(identity interface{}, elems []script.Value) (determinism.Value, error) {
	return c.encodeDeduped(identity, func() (determinism.Value, error) {
		out := make([]determinism.Value, len(elems))
		for i, e := range elems {
			v, err := c.EncodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	})
}

func (c *Codec) encodeObject(o *script.Object) (determinism.Value, error) {
	return c.encodeDeduped(o, func() (determinism.Value, error) {
		out := map[string]determinism.Value{}
		for _, k := range sortStrings(o.Keys()) {
			val, _ := o.Get(k)
			enc, err := c.EncodeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	})
}

// encodeDeduped emits identity's encoding the first time it is seen in
// this encode pass and a {"$dedup": n} back-reference on subsequent
// visits, breaking cycles within a single creation's own properties
// (spec §9, "Cyclic graphs").
func (c *Codec) encodeDeduped(identity interface{}, build func() (determinism.Value, error)) (determinism.Value, error) {
	if idx, ok := c.seen[identity]; ok {
		return map[string]determinism.Value{"$dedup": float64(idx)}, nil
	}
	idx := c.order
	c.seen[identity] = idx
	c.order++
	return build()
}

func isSafeInteger(f float64) bool {
	const maxSafe = 1 << 53
	return f == float64(int64(f)) && f > -maxSafe && f < maxSafe
}

// DecodeValue is EncodeValue's inverse, given a master list resolved by
// DecodeJig.
func (c *Codec) DecodeValue(v determinism.Value) (script.Value, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case float64:
		return t, nil
	case string:
		return t, nil
	case []determinism.Value:
		arr := &script.Array{}
		c.registerDecoded(arr)
		out := make([]script.Value, len(t))
		for i, e := range t {
			dv, err := c.DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		arr.Elements = out
		return arr, nil
	case map[string]determinism.Value:
		return c.decodeTaggedOrObject(t)
	default:
		return nil, fmt.Errorf("codec: cannot decode value of type %T", v)
	}
}

func (c *Codec) decodeTaggedOrObject(m map[string]determinism.Value) (script.Value, error) {
	if len(m) == 1 {
		for k, payload := range m {
			switch k {
			case "$undefined":
				return script.Undefined{}, nil
			case "$jig":
				return c.DecodeJig(payload)
			case "$dedup":
				n, ok := payload.(float64)
				if !ok {
					return nil, fmt.Errorf("codec: $dedup payload is not a number: %T", payload)
				}
				idx := int(n)
				if idx < 0 || idx >= len(c.decoded) {
					return nil, fmt.Errorf("codec: $dedup index %d out of range (have %d nodes)", idx, len(c.decoded))
				}
				return c.decoded[idx], nil
			case "$u64":
				s, _ := payload.(string)
				var u uint64
				if _, err := fmt.Sscanf(s, "%d", &u); err != nil {
					return nil, fmt.Errorf("codec: bad $u64 payload %q: %w", s, err)
				}
				return script.BigUint64(u), nil
			case "$arb":
				s, _ := payload.(string)
				bf, _, err := big.ParseFloat(s, 10, 64, big.ToNearestEven)
				if err != nil {
					return nil, fmt.Errorf("codec: bad $arb payload %q: %w", s, err)
				}
				f, _ := bf.Float64()
				return f, nil
			case "$ui8a":
				s, _ := payload.(string)
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("codec: bad $ui8a payload: %w", err)
				}
				return script.Uint8Array(b), nil
			case "$set":
				arr, _ := payload.([]determinism.Value)
				set := script.NewSet()
				c.registerDecoded(set)
				for _, e := range arr {
					dv, err := c.DecodeValue(e)
					if err != nil {
						return nil, err
					}
					set.Add(dv)
				}
				return set, nil
			case "$map":
				arr, _ := payload.([]determinism.Value)
				sm := script.NewMap()
				c.registerDecoded(sm)
				for _, pair := range arr {
					p, ok := pair.([]determinism.Value)
					if !ok || len(p) != 2 {
						return nil, fmt.Errorf("codec: malformed $map entry")
					}
					k, err := c.DecodeValue(p[0])
					if err != nil {
						return nil, err
					}
					v, err := c.DecodeValue(p[1])
					if err != nil {
						return nil, err
					}
					sm.Set(k, v)
				}
				return sm, nil
			}
		}
	}
	obj := script.NewObject()
	c.registerDecoded(obj)
	for _, k := range sortedKeys(m) {
		dv, err := c.DecodeValue(m[k])
		if err != nil {
			return nil, err
		}
		obj.Set(k, dv)
	}
	return obj, nil
}

func sortedKeys(m map[string]determinism.Value) []string {
	return SortedKeys(m)
}

// SortedKeys returns m's keys in the same canonical order EncodeObjectProps
// and encodeObject assign dedup indices in, so a caller decoding a props
// map one key at a time (internal/recreate, which must special-case a
// handful of reserved binding keys first) keeps its $dedup indices lined
// up with what the encoder produced.
func SortedKeys(m map[string]determinism.Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return sortStrings(out)
}

// sortStrings sorts ss in place and returns it. Insertion order is not
// recoverable from a plain Go map, so both encodeObject (assigning
// dedup indices to an object's nested containers) and
// decodeTaggedOrObject (resolving them back) walk properties in this
// same canonical order instead.
func sortStrings(ss []string) []string {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
	return ss
}
