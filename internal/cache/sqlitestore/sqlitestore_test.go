package sqlitestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "rund-cache-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := New(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "rund-cache-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := New(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, "cache.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.Get(context.Background(), "tx://nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "time://deadbeef", float64(12345)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := store.Get(ctx, "time://deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != float64(12345) {
		t.Fatalf("got (%v, %v), want (12345, true)", v, ok)
	}
}

func TestSetOnMutableKeyOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "time://deadbeef", float64(1)); err != nil {
		t.Fatalf("set 1: %v", err)
	}
	if err := store.Set(ctx, "time://deadbeef", float64(2)); err != nil {
		t.Fatalf("set 2: %v", err)
	}
	v, _, _ := store.Get(ctx, "time://deadbeef")
	if v != float64(2) {
		t.Fatalf("got %v, want 2", v)
	}
}

func TestSetImmutableKeySameValueIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	val := map[string]interface{}{"kind": "code"}
	if err := store.Set(ctx, "jig://deadbeef_o1", val); err != nil {
		t.Fatalf("set 1: %v", err)
	}
	if err := store.Set(ctx, "jig://deadbeef_o1", val); err != nil {
		t.Fatalf("expected re-setting the same value to be a no-op, got %v", err)
	}
}

func TestSetImmutableKeyDifferingValuePanics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "jig://deadbeef_o1", map[string]interface{}{"kind": "code"}); err != nil {
		t.Fatalf("set 1: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Set with a differing value on an immutable key to panic")
		}
	}()
	_ = store.Set(ctx, "jig://deadbeef_o1", map[string]interface{}{"kind": "jig"})
}

func TestDeleteRemovesEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "time://deadbeef", float64(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(ctx, "time://deadbeef"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ := store.Get(ctx, "time://deadbeef")
	if ok {
		t.Fatal("expected entry to be gone after delete")
	}
}
