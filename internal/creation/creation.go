// Package creation defines the tagged-union value at the center of the
// runtime: a Creation is a Code, a JigInstance, a Berry, or NativeCode,
// each carrying Bindings that the commit/record/cache layers all key on.
package creation

import (
	"fmt"

	"github.com/bitjig/rund/internal/location"
	"github.com/bitjig/rund/internal/script"
)

// Kind tags which shape a Creation takes, mirroring the state blob's
// "kind" discriminator (spec data model §3).
type Kind int

const (
	KindCode Kind = iota
	KindJigInstance
	KindBerry
	KindNative
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindJigInstance:
		return "jig"
	case KindBerry:
		return "berry"
	case KindNative:
		return "native"
	default:
		return "unknown"
	}
}

// Lock is the pluggable owner type: anything that can produce an output
// script and an unlock-size hint. Strings (addresses) are coerced to a
// P2PKHLock by the caller before being stored in Bindings.
type Lock interface {
	// Script returns the locking script, hex-encoded.
	Script() (string, error)
	// Domain is the estimated unlocking script size in bytes, used to pad
	// purse fee calculations so a later signature doesn't blow the budget.
	Domain() int
}

// Bindings are the five properties every Creation carries (spec §3).
type Bindings struct {
	Location *location.Location
	Origin   *location.Location
	Nonce    uint64
	Owner    Lock
	Satoshis uint64
}

// MaxSatoshis is the default backing limit on a single creation's value;
// configurable per kernel instance, not hardcoded beyond this default.
const MaxSatoshis = 100_000_000

// Creation is the common interface every concrete kind satisfies, letting
// record/commit/cache code operate generically while membrane.go and
// replay.go pattern-match on Kind for behavior that truly differs.
type Creation interface {
	Kind() Kind
	GetBindings() *Bindings
	SetBindings(*Bindings)
}

// Code is a deployed class or function: its sandboxed Class/Closure
// value, its original source text, and its declared dependency map
// (name -> location string), per spec §3/§4.6.
type Code struct {
	Bindings Bindings
	Source   string
	Deps     map[string]string
	Class    *script.Class   // non-nil when the declaration was a class
	Func     *script.Closure // non-nil when the declaration was a function
}

func (c *Code) Kind() Kind                 { return KindCode }
func (c *Code) GetBindings() *Bindings     { return &c.Bindings }
func (c *Code) SetBindings(b *Bindings)    { c.Bindings = *b }

// JigInstance is a live instance of some Code: its own-properties plus
// the Code creation whose class produced it.
type JigInstance struct {
	Bindings Bindings
	ClassOf  *Code
	Fields   *script.Object
}

func (j *JigInstance) Kind() Kind              { return KindJigInstance }
func (j *JigInstance) GetBindings() *Bindings  { return &j.Bindings }
func (j *JigInstance) SetBindings(b *Bindings) { j.Bindings = *b }

// Berry is an immutable pluck of external data; its Location already
// embeds its content hash, so Berry never needs separate captured-state
// hashing the way Code/JigInstance do — the hash is the addressing key.
type Berry struct {
	Bindings Bindings
	ClassOf  *Code
	Fields   *script.Object
}

func (b *Berry) Kind() Kind              { return KindBerry }
func (b *Berry) GetBindings() *Bindings  { return &b.Bindings }
func (b *Berry) SetBindings(nb *Bindings) { b.Bindings = *nb }

// NativeCode is a built-in type addressed only via native://Ident (e.g.
// "Jig", "Berry" themselves). It has no own source or bindings to speak
// of beyond its identity, so Bindings stays zero-valued.
type NativeCode struct {
	Ident string
}

func (n *NativeCode) Kind() Kind              { return KindNative }
func (n *NativeCode) GetBindings() *Bindings  { return &Bindings{} }
func (n *NativeCode) SetBindings(*Bindings)   {}

// ErrNotACreation is returned when a value handed to code expecting a
// Creation doesn't implement the interface.
var ErrNotACreation = fmt.Errorf("creation: value is not a Creation")

// AsCreation asserts v implements Creation, for call sites bridging from
// the untyped script.Value world.
func AsCreation(v interface{}) (Creation, error) {
	c, ok := v.(Creation)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotACreation, v)
	}
	return c, nil
}
