// Package bloom implements the "I already have this code jig locally"
// filter of spec §4.12: a 960-bit counted bloom filter with 7 murmur3-32
// hashes seeded 1..7, serializable to a non-counted variant for transport
// to a state server that only needs existence checks.
package bloom

import (
	"encoding/base64"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Config sizes a Filter; spec §4.12's default is Bits=960, Hashes=7
// (SPEC_FULL.md Open Question decision), overridable for tests.
type Config struct {
	Bits   int
	Hashes int
}

// DefaultConfig matches spec.md's documented size.
func DefaultConfig() Config { return Config{Bits: 960, Hashes: 7} }

// Filter is a counted bloom filter: each slot is a small counter rather
// than a single bit, so Remove can undo an Add without affecting other
// members that happen to share a slot.
type Filter struct {
	cfg    Config
	counts []uint8
}

// New builds an empty Filter with cfg's dimensions.
func New(cfg Config) *Filter {
	if cfg.Bits <= 0 {
		cfg.Bits = DefaultConfig().Bits
	}
	if cfg.Hashes <= 0 {
		cfg.Hashes = DefaultConfig().Hashes
	}
	return &Filter{cfg: cfg, counts: make([]uint8, cfg.Bits)}
}

func (f *Filter) positions(data []byte) []uint32 {
	pos := make([]uint32, f.cfg.Hashes)
	for i := 0; i < f.cfg.Hashes; i++ {
		// Seeds 1..Hashes, per spec: "7 hashes, murmur3-32 seeded 1..7".
		pos[i] = murmur3.Sum32WithSeed(data, uint32(i+1)) % uint32(f.cfg.Bits)
	}
	return pos
}

// Contains reports whether data is possibly present (false positives
// possible, false negatives never).
func (f *Filter) Contains(data []byte) bool {
	for _, p := range f.positions(data) {
		if f.counts[p] == 0 {
			return false
		}
	}
	return true
}

// Add registers data, skipping the increment entirely if the filter
// already reports it as possibly present — spec §4.12: "add skips if
// already possibly-present (to avoid spurious increments)".
func (f *Filter) Add(data []byte) {
	if f.Contains(data) {
		return
	}
	for _, p := range f.positions(data) {
		if f.counts[p] < 255 {
			f.counts[p]++
		}
	}
}

// Remove undoes a prior Add, decrementing only if every position data
// hashes to is currently non-zero — spec §4.12: "remove decrements only
// if all positions are non-zero". A Remove for data that was never
// Added (or already fully removed) is a silent no-op.
func (f *Filter) Remove(data []byte) {
	pos := f.positions(data)
	for _, p := range pos {
		if f.counts[p] == 0 {
			return
		}
	}
	for _, p := range pos {
		f.counts[p]--
	}
}

// MarshalBase64 serializes the filter as a non-counted (existence-only)
// bitset, base64-encoded, for transport to the state server (spec
// §4.12: "serialized to base64 as a non-counted variant").
func (f *Filter) MarshalBase64() string {
	raw := make([]byte, (f.cfg.Bits+7)/8)
	for i, c := range f.counts {
		if c > 0 {
			raw[i/8] |= 1 << uint(i%8)
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// NonCounted is a deserialized transport-form filter: existence-only,
// no counts, so it supports Contains but not Add/Remove (spec §4.12:
// "deserialized losing counts (server-side use is existence only)").
type NonCounted struct {
	cfg Config
	raw []byte
}

// UnmarshalBase64 parses a filter previously produced by MarshalBase64.
func UnmarshalBase64(cfg Config, encoded string) (*NonCounted, error) {
	if cfg.Bits <= 0 {
		cfg.Bits = DefaultConfig().Bits
	}
	if cfg.Hashes <= 0 {
		cfg.Hashes = DefaultConfig().Hashes
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bloom: decode base64: %w", err)
	}
	want := (cfg.Bits + 7) / 8
	if len(raw) != want {
		return nil, fmt.Errorf("bloom: expected %d bytes for a %d-bit filter, got %d", want, cfg.Bits, len(raw))
	}
	return &NonCounted{cfg: cfg, raw: raw}, nil
}

// Contains reports whether data is possibly present in the transport-form filter.
func (n *NonCounted) Contains(data []byte) bool {
	f := &Filter{cfg: n.cfg}
	for _, p := range f.positions(data) {
		if n.raw[p/8]&(1<<uint(p%8)) == 0 {
			return false
		}
	}
	return true
}
