// Package capture builds the canonical state blob for a creation and
// hashes it (spec §4.6): the value that is placed in the cache and whose
// hash a transaction's metadata carries per output.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bitjig/rund/internal/codec"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
)

// StateVersion is the legacy state-version literal carried in every
// captured blob. It stays "04" regardless of protocol version per the
// spec's documented open question: the mapping is hardcoded for
// wire compatibility with already-published transactions.
const StateVersion = "04"

// State is the decoded shape of a captured blob (spec §3).
type State struct {
	Kind    string                      `json:"kind"`
	Class   determinism.Value           `json:"cls,omitempty"`
	Props   map[string]determinism.Value `json:"props"`
	Source  string                      `json:"src,omitempty"`
	Version string                      `json:"version"`
}

// ToValue converts State to the plain map/slice shape determinism.Stringify
// consumes, omitting empty optional fields exactly as the encoder would.
func (s State) ToValue() determinism.Value {
	m := map[string]determinism.Value{
		"kind":    s.Kind,
		"props":   s.Props,
		"version": s.Version,
	}
	if s.Class != nil {
		m["cls"] = s.Class
	}
	if s.Source != "" {
		m["src"] = s.Source
	}
	return m
}

// StateFromValue is ToValue's inverse: it unpacks a raw cache value (a
// jig://* or berry://* entry, already JSON-decoded into the plain
// map/slice shape oracle.Cache.Get returns) back into a State for
// internal/recreate.Rebuild. determinism.Value is a type alias for
// interface{}, so the map produced by encoding/json.Unmarshal already
// satisfies map[string]determinism.Value without conversion.
func StateFromValue(v determinism.Value) (State, error) {
	m, ok := v.(map[string]determinism.Value)
	if !ok {
		return State{}, fmt.Errorf("capture: cached value is not a state object: %T", v)
	}
	kind, _ := m["kind"].(string)
	version, _ := m["version"].(string)
	source, _ := m["src"].(string)
	props, _ := m["props"].(map[string]determinism.Value)
	return State{
		Kind:    kind,
		Class:   m["cls"],
		Props:   props,
		Source:  source,
		Version: version,
	}, nil
}

// Encoder bridges to internal/codec's reference-encoding hooks; the
// caller (replay for master-list indices, recreate/commit for
// persistent locations) supplies how a referenced creation becomes a
// $jig tag payload.
type Encoder struct {
	Codec *codec.Codec
}

// Capture builds the canonical State for c, ready for Hash. Dedup
// bookkeeping is per-creation: replay's finalize step calls this once per
// output/delete against the same Encoder, and a $dedup index from one
// creation's own-properties graph must never leak into the next.
func (e *Encoder) Capture(c creation.Creation) (State, error) {
	e.Codec.ResetDedup()
	switch t := c.(type) {
	case *creation.Code:
		props, err := e.Codec.EncodeCodeProps(t)
		if err != nil {
			return State{}, fmt.Errorf("capture: code props: %w", err)
		}
		return State{Kind: "code", Props: props, Source: t.Source, Version: StateVersion}, nil
	case *creation.JigInstance:
		cls, err := e.Codec.EncodeRef(t.ClassOf)
		if err != nil {
			return State{}, fmt.Errorf("capture: jig class ref: %w", err)
		}
		props, err := e.Codec.EncodeObjectProps(t.Fields, t.GetBindings())
		if err != nil {
			return State{}, fmt.Errorf("capture: jig props: %w", err)
		}
		return State{Kind: "jig", Class: cls, Props: props, Version: StateVersion}, nil
	case *creation.Berry:
		cls, err := e.Codec.EncodeRef(t.ClassOf)
		if err != nil {
			return State{}, fmt.Errorf("capture: berry class ref: %w", err)
		}
		props, err := e.Codec.EncodeObjectProps(t.Fields, t.GetBindings())
		if err != nil {
			return State{}, fmt.Errorf("capture: berry props: %w", err)
		}
		return State{Kind: "berry", Class: cls, Props: props, Version: StateVersion}, nil
	default:
		return State{}, fmt.Errorf("capture: unsupported creation kind %v", c.Kind())
	}
}

// Hash computes SHA256(SHA256(canonicalJSON(state))) as lower-case hex,
// the state hash a transaction's metadata carries per output.
func Hash(state State) (string, error) {
	canon, err := determinism.Stringify(state.ToValue())
	if err != nil {
		return "", fmt.Errorf("capture: stringify: %w", err)
	}
	first := sha256.Sum256([]byte(canon))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:]), nil
}

// CaptureAndHash is the common-case convenience combining both steps.
func (e *Encoder) CaptureAndHash(c creation.Creation) (State, string, error) {
	state, err := e.Capture(c)
	if err != nil {
		return State{}, "", err
	}
	h, err := Hash(state)
	if err != nil {
		return State{}, "", err
	}
	return state, h, nil
}
