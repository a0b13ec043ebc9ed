// Package oracle defines the external collaborators the core runtime
// consumes but never implements itself (spec §6): the blockchain, the
// cache, an optional state-push layer, the owner, and the purse.
// internal/extras ships default implementations; tests supply fakes.
package oracle

import (
	"context"
	"errors"
)

// ErrNotImplemented is returned by an optional State method an
// implementation doesn't support (spec §7: NotImplementedError —
// "abstract collaborator method").
var ErrNotImplemented = errors.New("oracle: not implemented")

// UTXO is one unspent transaction output as reported by a Blockchain.
type UTXO struct {
	Txid     string
	Vout     int
	Script   string
	Satoshis uint64
}

// Blockchain is the minimal read/write surface over a Bitcoin-family
// chain the runtime needs: broadcast, fetch by txid, script-indexed
// UTXO lookup, spend tracking, and block time.
type Blockchain interface {
	Network() string
	Broadcast(ctx context.Context, rawtx string) (txid string, err error)
	Fetch(ctx context.Context, txid string) (rawtx string, err error)
	UTXOs(ctx context.Context, scriptHex string) ([]UTXO, error)
	Spends(ctx context.Context, txid string, vout int) (spenderTxid string, err error)
	Time(ctx context.Context, txid string) (unixMillis int64, err error)
}

// Cache is the key/value store backing §4.12: `get` returns (nil,false)
// for a miss; `set` on an immutable key-prefix (jig/berry/tx) with a
// differing existing value is a programmer error the implementation
// should panic on, not silently accept.
type Cache interface {
	Get(ctx context.Context, key string) (value interface{}, ok bool, err error)
	Set(ctx context.Context, key string, value interface{}) error
}

// State is an optional enrichment layer over Cache: a push-notified
// peer that may already hold a state this node would otherwise have to
// replay for. All methods are optional; an implementation that doesn't
// support one returns ErrNotImplemented.
type State interface {
	Pull(ctx context.Context, key string, opts PullOptions) (interface{}, error)
	Locations(ctx context.Context, scriptHex string) ([]string, error)
	Broadcast(ctx context.Context, rawtx string) error
}

// PullOptions mirrors the optional query knobs of State.pull in spec §6.
type PullOptions struct {
	All    bool
	Tx     bool
	Filter string
}

// Owner signs jig inputs and mints addresses/locks for new outputs.
type Owner interface {
	Sign(ctx context.Context, rawtx string, parents []UTXO, locks []interface{}) (string, error)
	NextOwner(ctx context.Context) (interface{}, error)
}

// Purse funds a transaction with change-bearing inputs and optionally
// broadcasts/cancels it.
type Purse interface {
	Pay(ctx context.Context, rawtx string, parents []UTXO) (string, error)
	Broadcast(ctx context.Context, rawtx string) error
	Cancel(ctx context.Context, rawtx string) error
}
