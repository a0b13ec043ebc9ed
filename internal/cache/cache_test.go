package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bitjig/rund/internal/cache/bloom"
	"github.com/bitjig/rund/internal/oracle"
)

type fakeBacking struct {
	values  map[string]interface{}
	deleted []string
	setErr  error
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{values: map[string]interface{}{}}
}

func (f *fakeBacking) Get(ctx context.Context, key string) (interface{}, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeBacking) Set(ctx context.Context, key string, value interface{}) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = value
	return nil
}

func (f *fakeBacking) Delete(ctx context.Context, key string) error {
	delete(f.values, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func codeValue(n int) map[string]interface{} {
	return map[string]interface{}{"kind": "code", "data": strings.Repeat("a", n)}
}

func TestGetMissFallsThroughToBackingAndIndexes(t *testing.T) {
	backing := newFakeBacking()
	backing.values["tx://deadbeef"] = "rawtxhex"
	layer, err := New(backing, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	v, ok, err := layer.Get(ctx, "tx://deadbeef")
	if err != nil || !ok || v != "rawtxhex" {
		t.Fatalf("got (%v, %v, %v), want (rawtxhex, true, nil)", v, ok, err)
	}

	// Second read should be served from the in-memory index, not backing;
	// removing it from backing after the first read proves this.
	delete(backing.values, "tx://deadbeef")
	v, ok, err = layer.Get(ctx, "tx://deadbeef")
	if err != nil || !ok || v != "rawtxhex" {
		t.Fatalf("expected index hit after backing was cleared, got (%v, %v, %v)", v, ok, err)
	}
}

func TestSetPersistsToBackingAndUpdatesCodeBloom(t *testing.T) {
	backing := newFakeBacking()
	layer, err := New(backing, Config{MaxBytes: 1 << 20, Bloom: bloom.Config{Bits: 64, Hashes: 3}, RecentTTL: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := layer.Set(ctx, "jig://deadbeef_o1", codeValue(4)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := backing.values["jig://deadbeef_o1"]; !ok {
		t.Fatal("expected Set to persist to the backing store")
	}
	if !layer.HasCode("jig://deadbeef_o1") {
		t.Fatal("expected a kind==code jig:// entry to register in the code bloom filter")
	}
}

func TestSetOnNonCodeEntryDoesNotTouchBloom(t *testing.T) {
	backing := newFakeBacking()
	layer, _ := New(backing, Config{MaxBytes: 1 << 20, Bloom: bloom.Config{Bits: 64, Hashes: 3}, RecentTTL: time.Second})
	ctx := context.Background()

	if err := layer.Set(ctx, "jig://deadbeef_o1", map[string]interface{}{"kind": "jig"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if layer.HasCode("jig://deadbeef_o1") {
		t.Fatal("expected a non-code jig:// entry not to register in the code bloom filter")
	}
}

func TestEvictionDropsOldestOverBudgetAndClearsBloom(t *testing.T) {
	backing := newFakeBacking()
	layer, err := New(backing, Config{MaxBytes: 120, Bloom: bloom.Config{Bits: 64, Hashes: 3}, RecentTTL: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := layer.Set(ctx, "jig://a_o1", codeValue(20)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := layer.Set(ctx, "jig://b_o1", codeValue(20)); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := layer.Set(ctx, "jig://c_o1", codeValue(20)); err != nil {
		t.Fatalf("set c: %v", err)
	}
	if err := layer.Set(ctx, "jig://d_o1", codeValue(20)); err != nil {
		t.Fatalf("set d: %v", err)
	}

	if _, ok, _ := layer.Get(ctx, "jig://a_o1"); ok {
		t.Fatal("expected the oldest entry to have been evicted")
	}
	if layer.HasCode("jig://a_o1") {
		t.Fatal("expected eviction of a code entry to clear it from the bloom filter")
	}
	if _, ok, _ := layer.Get(ctx, "jig://d_o1"); !ok {
		t.Fatal("expected the most recently set entry to survive eviction")
	}

	found := false
	for _, k := range backing.deleted {
		if k == "jig://a_o1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the evicted entry to be deleted from the backing store too")
	}
}

func TestProtectedKeysSurviveEviction(t *testing.T) {
	backing := newFakeBacking()
	layer, err := New(backing, Config{MaxBytes: 80, Bloom: bloom.Config{Bits: 64, Hashes: 3}, RecentTTL: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := layer.Set(ctx, "config://code-filter", strings.Repeat("z", 30)); err != nil {
		t.Fatalf("set protected: %v", err)
	}
	if err := layer.Set(ctx, "jig://a_o1", codeValue(30)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := layer.Set(ctx, "jig://b_o1", codeValue(30)); err != nil {
		t.Fatalf("set b: %v", err)
	}

	if _, ok, _ := layer.Get(ctx, "config://code-filter"); !ok {
		t.Fatal("expected the protected key to survive eviction pressure")
	}
}

func TestBanLifecycle(t *testing.T) {
	backing := newFakeBacking()
	layer, _ := New(backing, DefaultConfig())
	ctx := context.Background()

	if err := layer.SetBan(ctx, "deadbeef_o1", Ban{Reason: "execution failed", Untrusted: "cafebabe"}); err != nil {
		t.Fatalf("SetBan: %v", err)
	}
	ban, ok, err := layer.GetBan(ctx, "deadbeef_o1")
	if err != nil || !ok {
		t.Fatalf("GetBan: (%v, %v, %v)", ban, ok, err)
	}
	if ban.Reason != "execution failed" || ban.Untrusted != "cafebabe" {
		t.Fatalf("got %+v, want Reason=execution failed Untrusted=cafebabe", ban)
	}

	if err := layer.ClearBan(ctx, "deadbeef_o1"); err != nil {
		t.Fatalf("ClearBan: %v", err)
	}
	if _, ok, _ := layer.GetBan(ctx, "deadbeef_o1"); ok {
		t.Fatal("expected GetBan to report no active ban after ClearBan")
	}
}

func TestAugmentUTXOsOverlaysUnspentRecentOutputAndHidesSpentOne(t *testing.T) {
	backing := newFakeBacking()
	layer, _ := New(backing, DefaultConfig())

	script := "76a914deadbeef88ac"
	layer.RecordBroadcast(RecentBroadcast{
		Txid: "tx1",
		At:   time.Now(),
		Outputs: []RecentOutput{
			{Script: script, UTXO: oracle.UTXO{Txid: "tx1", Vout: 0, Script: script, Satoshis: 1000}},
		},
	})
	layer.RecordBroadcast(RecentBroadcast{
		Txid:   "tx2",
		At:     time.Now(),
		Inputs: []oracle.UTXO{{Txid: "tx1", Vout: 0, Script: script, Satoshis: 1000}},
		Outputs: []RecentOutput{
			{Script: script, UTXO: oracle.UTXO{Txid: "tx2", Vout: 0, Script: script, Satoshis: 900}},
		},
	})

	out := layer.AugmentUTXOs(nil, script)
	if len(out) != 1 || out[0].Txid != "tx2" {
		t.Fatalf("got %+v, want exactly the tx2 output (tx1's was spent by tx2 within the ring)", out)
	}
}

func TestAugmentUTXOsPrunesExpiredEntries(t *testing.T) {
	backing := newFakeBacking()
	layer, _ := New(backing, Config{MaxBytes: 1 << 20, Bloom: bloom.DefaultConfig(), RecentTTL: time.Millisecond})

	script := "76a914deadbeef88ac"
	layer.RecordBroadcast(RecentBroadcast{
		Txid: "tx1",
		At:   time.Now().Add(-time.Hour),
		Outputs: []RecentOutput{
			{Script: script, UTXO: oracle.UTXO{Txid: "tx1", Vout: 0, Script: script, Satoshis: 1000}},
		},
	})

	out := layer.AugmentUTXOs(nil, script)
	if len(out) != 0 {
		t.Fatalf("expected the expired ring entry to be pruned, got %+v", out)
	}
}
