// Package sqlitestore implements the persistent half of internal/cache's
// oracle.Cache: a WAL-mode sqlite-backed key/value table, grounded in
// the teacher's internal/storage bootstrap pattern (single writer
// connection, _journal_mode=WAL, schema-on-open).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a durable key/value store satisfying internal/oracle.Cache.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Config points Store at a data directory; the database file itself is
// named cache.db within it (mirrors the teacher's <name>.db convention).
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the sqlite-backed cache at
// cfg.DataDir/cache.db in WAL mode with a single writer connection,
// sqlite only ever supporting one.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "cache.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Get implements oracle.Cache: value comes back already JSON-decoded
// into the plain numeric/string/bool/nil/array/map shape spec §4.12
// restricts cache values to.
func (s *Store) Get(ctx context.Context, key string) (interface{}, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: get %q: %w", key, err)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: decode %q: %w", key, err)
	}
	return value, true, nil
}

// immutablePrefixes are the write-once key classes of spec §4.12: a
// second Set with a differing value is a programmer error, not a race
// to paper over.
var immutablePrefixes = []string{"jig://", "berry://", "tx://"}

func isImmutable(key string) bool {
	for _, p := range immutablePrefixes {
		if len(key) >= len(p) && key[:len(p)] == p {
			return true
		}
	}
	return false
}

// Set implements oracle.Cache, enforcing write-once semantics on the
// immutable key prefixes: a second Set of jig://, berry://, or tx:// with
// a value that doesn't match what's already stored panics, since spec
// §4.12 calls this "a programmer error", not a recoverable condition.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isImmutable(key) {
		var existing string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("sqlitestore: check existing %q: %w", key, err)
		}
		if err == nil && existing != string(encoded) {
			panic(fmt.Sprintf("sqlitestore: immutable key %q set with a differing value", key))
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(encoded), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitestore: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key entirely; used by internal/cache's LRU eviction
// path, never by ordinary Set traffic.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete %q: %w", key, err)
	}
	return nil
}
