package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WriteSyncMode mirrors wire.WriteSyncMode as a human-readable string
// for configuration files and environment variables.
type WriteSyncMode string

const (
	FullSync    WriteSyncMode = "FULL_SYNC"
	PrimarySync WriteSyncMode = "PRIMARY_SYNC"
	FullAsync   WriteSyncMode = "FULL_ASYNC"
)

// AtomicOrderMode mirrors wire.AtomicOrderMode.
type AtomicOrderMode string

const (
	Clock   AtomicOrderMode = "CLOCK"
	Primary AtomicOrderMode = "PRIMARY"
)

// Config is the cache configuration table plus the node
// identity/listen settings every dkvnode process needs.
type Config struct {
	NodeID        string   `yaml:"node_id"`
	Listen        string   `yaml:"listen"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	SeedNodes     []string `yaml:"seed_nodes"`

	NumPartitions int `yaml:"num_partitions"`
	Backups       int `yaml:"backups"`

	WriteSyncMode   WriteSyncMode   `yaml:"write_synchronization_mode"`
	AtomicOrderMode AtomicOrderMode `yaml:"atomic_write_order_mode"`

	DeferredAckBufferSize    int `yaml:"deferred_ack_buffer_size"`
	DeferredAckTimeoutMillis int `yaml:"deferred_ack_timeout_ms"`

	StoreEnabled bool   `yaml:"store_enabled"`
	StorePath    string `yaml:"store_path"`

	BatchUpdateOnCommit  bool `yaml:"batch_update_on_commit"`
	NetworkTimeoutMillis int  `yaml:"network_timeout_ms"`
}

// Default returns the configuration's default values for the fields
// that have one spelled out explicitly (deferred_ack_buffer_size: 256,
// deferred_ack_timeout_ms: 500), plus reasonable defaults for every
// other field the table leaves to implementations.
func Default() Config {
	return Config{
		Listen:                   ":7710",
		NumPartitions:            256,
		Backups:                  1,
		WriteSyncMode:            FullSync,
		AtomicOrderMode:          Clock,
		DeferredAckBufferSize:    256,
		DeferredAckTimeoutMillis: 500,
		StoreEnabled:             false,
		StorePath:                "dkv.db",
		BatchUpdateOnCommit:      true,
		NetworkTimeoutMillis:     5000,
	}
}

// Load reads path (if non-empty and present) as YAML into Default()'s
// base, applies DKV_*-prefixed environment variable overrides, then
// validates the result. A missing path is not an error: environment
// variables and defaults alone are sufficient, matching the reference
// implementation's all-env-vars convention.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// optional file absent, proceed with defaults + env
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.NodeID = getenv("DKV_NODE_ID", cfg.NodeID)
	cfg.Listen = getenv("DKV_LISTEN", cfg.Listen)
	cfg.AdvertiseAddr = getenv("DKV_ADVERTISE_ADDR", cfg.AdvertiseAddr)

	if v := os.Getenv("DKV_SEED_NODES"); v != "" {
		cfg.SeedNodes = strings.Split(v, ",")
	}

	getIntEnv("DKV_NUM_PARTITIONS", &cfg.NumPartitions)
	getIntEnv("DKV_BACKUPS", &cfg.Backups)
	getIntEnv("DKV_DEFERRED_ACK_BUFFER_SIZE", &cfg.DeferredAckBufferSize)
	getIntEnv("DKV_DEFERRED_ACK_TIMEOUT_MS", &cfg.DeferredAckTimeoutMillis)
	getIntEnv("DKV_NETWORK_TIMEOUT_MS", &cfg.NetworkTimeoutMillis)

	if v := os.Getenv("DKV_WRITE_SYNC_MODE"); v != "" {
		cfg.WriteSyncMode = WriteSyncMode(strings.ToUpper(v))
	}
	if v := os.Getenv("DKV_ATOMIC_ORDER_MODE"); v != "" {
		cfg.AtomicOrderMode = AtomicOrderMode(strings.ToUpper(v))
	}

	getBoolEnv("DKV_STORE_ENABLED", &cfg.StoreEnabled)
	cfg.StorePath = getenv("DKV_STORE_PATH", cfg.StorePath)
	getBoolEnv("DKV_BATCH_UPDATE_ON_COMMIT", &cfg.BatchUpdateOnCommit)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getIntEnv(k string, dst *int) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil {
		*dst = n
	}
}

func getBoolEnv(k string, dst *bool) {
	v := os.Getenv(k)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err == nil {
		*dst = b
	}
}

// Validate checks the invariants the configuration table states
// (backups >= 0, enum fields hold a recognized value, positive tuning
// knobs are actually positive) plus the required node identity.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: missing required DKV_NODE_ID")
	}
	if c.Backups < 0 {
		return fmt.Errorf("config: backups must be >= 0, got %d", c.Backups)
	}
	if c.NumPartitions <= 0 {
		return fmt.Errorf("config: num_partitions must be > 0, got %d", c.NumPartitions)
	}
	switch c.WriteSyncMode {
	case FullSync, PrimarySync, FullAsync:
	default:
		return fmt.Errorf("config: unrecognized write_synchronization_mode %q", c.WriteSyncMode)
	}
	switch c.AtomicOrderMode {
	case Clock, Primary:
	default:
		return fmt.Errorf("config: unrecognized atomic_write_order_mode %q", c.AtomicOrderMode)
	}
	if c.DeferredAckBufferSize <= 0 {
		return fmt.Errorf("config: deferred_ack_buffer_size must be > 0, got %d", c.DeferredAckBufferSize)
	}
	if c.DeferredAckTimeoutMillis <= 0 {
		return fmt.Errorf("config: deferred_ack_timeout_ms must be > 0, got %d", c.DeferredAckTimeoutMillis)
	}
	if c.NetworkTimeoutMillis <= 0 {
		return fmt.Errorf("config: network_timeout_ms must be > 0, got %d", c.NetworkTimeoutMillis)
	}
	return nil
}
