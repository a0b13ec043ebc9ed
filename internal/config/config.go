// Package config is the runtime's YAML-loadable tunables (SPEC_FULL.md
// §2.15): the trust list, timeouts, the backing-satoshi floor, cache and
// bloom-filter sizing, and the client-mode flag, mirroring the teacher's
// internal/node.Config (DefaultConfig/LoadConfig/Save, gopkg.in/yaml.v3,
// the ~-expanding data dir).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a kernel.Runtime needs to boot that isn't an
// oracle implementation itself (those are wired in code, since they
// often need live credentials/connections, not just scalars).
type Config struct {
	// ClientMode forbids replay fallback (spec §5's "pure client"):
	// Load only ever reconstructs from cache, never executes untrusted
	// source.
	ClientMode bool `yaml:"client_mode"`

	// Timeout bounds any single top-level Load/Publish (spec §5's
	// cooperative suspension points).
	Timeout time.Duration `yaml:"timeout"`

	// MinOutputSatoshis is the configurable dust/backing-satoshi floor
	// (SPEC_FULL.md Open Question decision: no protocol-fixed dust
	// limit, operator-tunable default 1).
	MinOutputSatoshis uint64 `yaml:"min_output_satoshis"`

	// Trust lists txids (or "*" for trust-all, kernel.TrustAll) whose
	// code the loader may execute during replay; a cached state from a
	// trusted txid is also accepted without re-checking it against the
	// transaction (spec §7's trust/ban model).
	Trust []string `yaml:"trust"`

	Cache   CacheConfig   `yaml:"cache"`
	Swarm   SwarmConfig   `yaml:"swarm"`
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig sizes the persistent cache and its bloom-filter index.
type CacheConfig struct {
	// DataDir holds the sqlite cache database file, cache.db, that
	// internal/cache/sqlitestore creates within it.
	DataDir string `yaml:"data_dir"`

	// BloomBits/BloomHashes size the bloom filter index (SPEC_FULL.md
	// Open Question decision: {Bits: 960, Hashes: 7}).
	BloomBits   uint `yaml:"bloom_bits"`
	BloomHashes uint `yaml:"bloom_hashes"`
}

// SwarmConfig configures the optional libp2p cache-gossip layer
// (internal/extras/swarm); Enabled false skips it entirely, since it is
// pure latency optimization, never load-bearing.
type SwarmConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// LoggingConfig mirrors the teacher's node.LoggingConfig.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with conservative, production-safe defaults.
func Default() *Config {
	return &Config{
		ClientMode:        false,
		Timeout:           30 * time.Second,
		MinOutputSatoshis: 1,
		Trust:             []string{},
		Cache: CacheConfig{
			DataDir:     "~/.rund/cache",
			BloomBits:   960,
			BloomHashes: 7,
		},
		Swarm: SwarmConfig{
			Enabled:        false,
			ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/4001"},
			BootstrapPeers: []string{},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// FileName is the default config file name within a data directory.
const FileName = "config.yaml"

// Path returns the full config file path for dataDir, expanding a
// leading "~".
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), FileName)
}

// Load reads dataDir's config.yaml, creating one from Default() if it
// doesn't exist yet.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating its parent directory if
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	header := []byte("# rund configuration\n# generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
