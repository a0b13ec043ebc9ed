// Package cache implements the content-addressed cache of spec §4.12:
// a byte-budgeted LRU in front of a durable oracle.Cache backing store,
// the code bloom filter, and the recent-broadcasts ring that papers over
// indexer lag. internal/loader consumes this as its oracle.Cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bitjig/rund/internal/cache/bloom"
	"github.com/bitjig/rund/internal/oracle"
)

// protectedKeys are never chosen as eviction victims: evictToBudget skips
// them and evicts the least-recently-used unprotected entry instead.
var protectedKeys = map[string]bool{
	"config://code-filter":        true,
	"config://recent-broadcasts":  true,
}

type entry struct {
	value interface{}
	bytes int
}

// deletable is satisfied by backing stores (sqlitestore.Store) that
// support removing an entry outright; a backing store without it (a
// pure append-only test double) just never has anything evicted from
// persistent storage, only from the in-memory LRU index.
type deletable interface {
	Delete(ctx context.Context, key string) error
}

// Layer wraps a durable oracle.Cache with the in-memory policy spec
// §4.12 describes: LRU-by-approximate-byte-size, the code bloom filter,
// and the recent-broadcasts ring.
type Layer struct {
	mu sync.Mutex

	backing  oracle.Cache
	lru      *lru.Cache[string, entry]
	maxBytes int
	used     int

	bloomCfg bloom.Config
	codeBloom *bloom.Filter

	recent    []RecentBroadcast
	recentTTL time.Duration
}

// Config configures a Layer's policy knobs.
type Config struct {
	MaxBytes    int
	Bloom       bloom.Config
	RecentTTL   time.Duration // default 10s per spec §4.12
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  64 << 20, // 64MiB, a reasonable client-side default; not spec-mandated
		Bloom:     bloom.DefaultConfig(),
		RecentTTL: 10 * time.Second,
	}
}

// New wraps backing with the in-memory eviction/bloom/recent-broadcasts
// policy. The in-memory LRU's entry-count capacity is set generously
// high; the real budget enforced is cfg.MaxBytes, checked after every Set.
func New(backing oracle.Cache, cfg Config) (*Layer, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = DefaultConfig().RecentTTL
	}
	index, err := lru.New[string, entry](1 << 20)
	if err != nil {
		return nil, fmt.Errorf("cache: build lru index: %w", err)
	}
	return &Layer{
		backing:   backing,
		lru:       index,
		maxBytes:  cfg.MaxBytes,
		bloomCfg:  cfg.Bloom,
		codeBloom: bloom.New(cfg.Bloom),
		recentTTL: cfg.RecentTTL,
	}, nil
}

// Get satisfies oracle.Cache: the in-memory index first, falling
// through to the durable backing store and repopulating the index on a
// backing hit.
func (l *Layer) Get(ctx context.Context, key string) (interface{}, bool, error) {
	l.mu.Lock()
	if e, ok := l.lru.Get(key); ok {
		l.mu.Unlock()
		return e.value, true, nil
	}
	l.mu.Unlock()

	value, ok, err := l.backing.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	l.index(key, value)
	return value, true, nil
}

// Set satisfies oracle.Cache: persists to the backing store first (which
// enforces write-once immutability on jig/berry/tx prefixes), then
// updates the in-memory index, the code bloom filter, and runs
// byte-budget eviction.
func (l *Layer) Set(ctx context.Context, key string, value interface{}) error {
	if err := l.backing.Set(ctx, key, value); err != nil {
		return err
	}
	l.index(key, value)
	l.updateBloomOnSet(key, value)
	l.evictToBudget(ctx)
	return nil
}

func (l *Layer) index(key string, value interface{}) {
	encoded, err := json.Marshal(value)
	size := len(encoded)
	if err != nil {
		size = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.lru.Peek(key); ok {
		l.used -= old.bytes
	}
	l.lru.Add(key, entry{value: value, bytes: size})
	l.used += size
}

// updateBloomOnSet adds key to the code bloom filter whenever the value
// being written is a jig:// state blob with kind=="code" (spec §4.12:
// "when a jig://* entry of kind=='code' is added... the filter is
// updated accordingly").
func (l *Layer) updateBloomOnSet(key string, value interface{}) {
	if !hasPrefix(key, "jig://") || !isCodeState(value) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.codeBloom.Add([]byte(key))
}

func isCodeState(value interface{}) bool {
	m, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	kind, _ := m["kind"].(string)
	return kind == "code"
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// evictToBudget drops least-recently-used, non-protected entries (both
// from the in-memory index and, when supported, the backing store)
// until used bytes is back under budget. A jig://*-code entry being
// evicted also clears it from the code bloom filter (spec §4.12: "...or
// evicted, the filter is updated accordingly").
func (l *Layer) evictToBudget(ctx context.Context) {
	l.mu.Lock()
	if l.used <= l.maxBytes {
		l.mu.Unlock()
		return
	}
	keys := l.lru.Keys() // oldest to newest
	var victim string
	found := false
	for _, k := range keys {
		if protectedKeys[k] {
			continue
		}
		victim = k
		found = true
		break
	}
	if !found {
		l.mu.Unlock()
		return
	}
	e, _ := l.lru.Peek(victim)
	l.lru.Remove(victim)
	l.used -= e.bytes
	if hasPrefix(victim, "jig://") && isCodeState(e.value) {
		l.codeBloom.Remove([]byte(victim))
	}
	l.mu.Unlock()

	if d, ok := l.backing.(deletable); ok {
		_ = d.Delete(ctx, victim)
	}
	l.evictToBudget(ctx)
}

// HasCode reports whether the code bloom filter believes key's code jig
// is already held locally (false positives possible, false negatives never).
func (l *Layer) HasCode(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.codeBloom.Contains([]byte(key))
}

// CodeFilterBase64 exports the code bloom filter for the state server,
// per spec §4.12's base64/non-counted transport form.
func (l *Layer) CodeFilterBase64() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.codeBloom.MarshalBase64()
}

// Ban is the documented shape of a ban://<loc> cache value (spec §7:
// "cached as a ban with untrusted=txid").
type Ban struct {
	Reason    string `json:"reason"`
	Untrusted string `json:"untrusted,omitempty"`
}

// SetBan writes a ban://<loc> entry.
func (l *Layer) SetBan(ctx context.Context, loc string, ban Ban) error {
	return l.Set(ctx, "ban://"+loc, map[string]interface{}{"reason": ban.Reason, "untrusted": ban.Untrusted})
}

// GetBan reads a ban://<loc> entry. A value of exactly `false` (written
// by ClearBan) reports ok==false, matching "next load must attempt
// replay (no immediate ban throw)".
func (l *Layer) GetBan(ctx context.Context, loc string) (*Ban, bool, error) {
	v, ok, err := l.Get(ctx, "ban://"+loc)
	if err != nil || !ok {
		return nil, false, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false, nil
	}
	reason, _ := m["reason"].(string)
	untrusted, _ := m["untrusted"].(string)
	return &Ban{Reason: reason, Untrusted: untrusted}, true, nil
}

// ClearBan writes ban://<loc> = false, spec §4.10 scenario S6's exact
// wording for clearing a ban after the offending txid became trusted.
func (l *Layer) ClearBan(ctx context.Context, loc string) error {
	return l.Set(ctx, "ban://"+loc, false)
}

// RecentOutput is one newly-created output of a recent broadcast.
type RecentOutput struct {
	Script string
	UTXO   oracle.UTXO
}

// RecentBroadcast is one ring entry (spec §4.12: "a ring of
// {rawtx, txid, time, inputs, outputs} records").
type RecentBroadcast struct {
	RawTx   string
	Txid    string
	At      time.Time
	Inputs  []oracle.UTXO // parent outpoints this broadcast spent
	Outputs []RecentOutput
}

// RecordBroadcast appends rb to the ring and prunes anything older than
// the configured TTL.
func (l *Layer) RecordBroadcast(rb RecentBroadcast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, rb)
	l.pruneRecentLocked()
}

func (l *Layer) pruneRecentLocked() {
	cutoff := time.Now().Add(-l.recentTTL)
	kept := l.recent[:0]
	for _, rb := range l.recent {
		if rb.At.After(cutoff) {
			kept = append(kept, rb)
		}
	}
	l.recent = kept
}

// AugmentUTXOs overlays base (the blockchain oracle's answer) with any
// matching not-yet-indexed recent outputs, filtered against recent
// inputs that would already have spent them — spec §4.12's papering
// over indexer lag.
func (l *Layer) AugmentUTXOs(base []oracle.UTXO, scriptHex string) []oracle.UTXO {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneRecentLocked()

	spent := map[string]bool{}
	for _, rb := range l.recent {
		for _, in := range rb.Inputs {
			spent[outpointKey(in.Txid, in.Vout)] = true
		}
	}
	seen := map[string]bool{}
	out := append([]oracle.UTXO(nil), base...)
	for _, u := range base {
		seen[outpointKey(u.Txid, u.Vout)] = true
	}
	for _, rb := range l.recent {
		for _, ro := range rb.Outputs {
			if ro.Script != scriptHex {
				continue
			}
			k := outpointKey(ro.UTXO.Txid, ro.UTXO.Vout)
			if spent[k] || seen[k] {
				continue
			}
			out = append(out, ro.UTXO)
			seen[k] = true
		}
	}
	return out
}

func outpointKey(txid string, vout int) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}
