// Package config loads dialog-core configuration from YAML files and
// environment variables. Every threshold the source system tuned
// empirically (batch window, cache TTL, breaker trip count, ...) is a
// tunable here, never a hard-coded constant.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DIALOG_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Cache      CacheConfig      `koanf:"cache"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	Context    ContextConfig    `koanf:"context"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// AggregatorConfig tunes rapid-message batching.
type AggregatorConfig struct {
	// Window is how long a pending batch waits for follow-up messages
	// before flushing.
	Window time.Duration `koanf:"window"`
	// MaxBatchSize flushes a batch immediately once reached.
	MaxBatchSize int `koanf:"max_batch_size"`
	// Separator joins batched messages in arrival order.
	Separator string `koanf:"separator"`
}

// CacheConfig tunes the interpretation cache.
type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl"`
	MaxSize int           `koanf:"max_size"`
}

// BreakerConfig tunes the circuit breaker guarding the context store.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// circuit open.
	FailureThreshold int `koanf:"failure_threshold"`
	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration `koanf:"cooldown"`
	// CallTimeout bounds each store call; an overrun counts as a failure
	// even if the call later succeeds.
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// TrackerConfig tunes processing-claim lifecycle handling.
type TrackerConfig struct {
	// ClaimGrace is the age past which a non-terminal processing record
	// is treated as abandoned and force-failed.
	ClaimGrace time.Duration `koanf:"claim_grace"`
	// PollInterval is the WaitForCompletion polling cadence.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// ContextConfig tunes dialog-context persistence.
type ContextConfig struct {
	// TTL is how long an untouched conversation context stays readable.
	TTL time.Duration `koanf:"ttl"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Type: "memory", SQLite: SQLiteConfig{Path: "./data/dialog.db"}},
		Aggregator: AggregatorConfig{
			Window:       2 * time.Second,
			MaxBatchSize: 5,
			Separator:    " ",
		},
		Cache: CacheConfig{
			TTL:     5 * time.Minute,
			MaxSize: 1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CallTimeout:      2 * time.Second,
		},
		Tracker: TrackerConfig{
			ClaimGrace:   2 * time.Minute,
			PollInterval: 100 * time.Millisecond,
		},
		Context: ContextConfig{TTL: 24 * time.Hour},
	}
}

// Load reads configuration from the optional YAML file at path, then
// applies DIALOG_-prefixed environment variables on top. Double
// underscores separate nesting levels: DIALOG_AGGREGATOR__WINDOW=3s.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Aggregator.MaxBatchSize < 1 {
		return fmt.Errorf("aggregator.max_batch_size must be >= 1, got %d", c.Aggregator.MaxBatchSize)
	}
	if c.Aggregator.Window <= 0 {
		return fmt.Errorf("aggregator.window must be positive, got %s", c.Aggregator.Window)
	}
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache.max_size must be >= 1, got %d", c.Cache.MaxSize)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	switch c.Storage.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	return nil
}
