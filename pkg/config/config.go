// Package config loads the daemon configuration from YAML and watches it
// for relay-list changes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Get() time.Duration { return time.Duration(d) }

type Config struct {
	Identity IdentityConfig `yaml:"identity"`

	// Relays are the relay node URLs the engine publishes to and pulls
	// from. At least one is required; no single node is authoritative.
	Relays []string `yaml:"relays"`

	Cache   CacheConfig   `yaml:"cache"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Sync    SyncConfig    `yaml:"sync"`
	Publish PublishConfig `yaml:"publish"`
	Push    PushConfig    `yaml:"push"`
}

type IdentityConfig struct {
	// PrivateKey is the identity's secret key as 64 hex characters.
	// Key generation and custody are outside this daemon; see `dmsyncd gen-key`.
	PrivateKey string `yaml:"private_key"`
}

type CacheConfig struct {
	// Path of the ciphertext event cache directory.
	Path string `yaml:"path"`
}

type LedgerConfig struct {
	// Path of the read-receipt database file.
	Path string `yaml:"path"`
}

type SyncConfig struct {
	// PollInterval is the cadence of the incremental relay poll.
	PollInterval Duration `yaml:"poll_interval"`

	// SinceBuffer is subtracted from the high-water mark when building a
	// pull window, absorbing relay clock and propagation skew.
	SinceBuffer Duration `yaml:"since_buffer"`

	// ColdStartHorizon bounds the first pull when the cache is empty.
	// Unbounded history is never fetched.
	ColdStartHorizon Duration `yaml:"cold_start_horizon"`
}

type PublishConfig struct {
	PerNodeTimeout Duration `yaml:"per_node_timeout"`
	OverallTimeout Duration `yaml:"overall_timeout"`
}

type PushConfig struct {
	// Endpoint of the push-notification service. Empty disables push.
	Endpoint string `yaml:"endpoint"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates the loaded values.
func (c *Config) PostProcess() error {
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = Duration(10 * time.Second)
	}
	if c.Sync.SinceBuffer <= 0 {
		c.Sync.SinceBuffer = Duration(time.Minute)
	}
	if c.Sync.ColdStartHorizon <= 0 {
		c.Sync.ColdStartHorizon = Duration(30 * 24 * time.Hour)
	}
	if c.Publish.PerNodeTimeout <= 0 {
		c.Publish.PerNodeTimeout = Duration(8 * time.Second)
	}
	if c.Publish.OverallTimeout <= 0 {
		c.Publish.OverallTimeout = Duration(10 * time.Second)
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "data/cache"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/receipts.db"
	}

	if c.Identity.PrivateKey == "" {
		return fmt.Errorf("identity.private_key is required")
	}
	if _, err := nostr.GetPublicKey(c.Identity.PrivateKey); err != nil {
		return fmt.Errorf("identity.private_key is not a valid key: %w", err)
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	return nil
}
