// Package config loads the engine configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratadb/stratadb/pkg/logger"
	"github.com/stratadb/stratadb/pkg/telemetry"
)

// Replacer policy names accepted by BufferPoolConfig.Replacer.
const (
	ReplacerLRU   = "lru"
	ReplacerClock = "clock"
)

// Duration wraps time.Duration with YAML support for strings like "50ms".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a plain nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BufferPoolConfig configures the buffer pool manager.
type BufferPoolConfig struct {
	// PoolSize is the number of page frames held in memory.
	PoolSize int `yaml:"pool_size"`
	// Replacer selects the eviction policy, "lru" or "clock".
	Replacer string `yaml:"replacer"`
}

// ConcurrencyConfig configures the lock manager.
type ConcurrencyConfig struct {
	// DeadlockDetectionInterval is the period of the background
	// waits-for cycle detector.
	DeadlockDetectionInterval Duration `yaml:"deadlock_detection_interval"`
}

// Config is the root configuration for an embedded engine instance.
type Config struct {
	Logging     logger.Config     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	BufferPool  BufferPoolConfig  `yaml:"buffer_pool"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "stratadb",
			PrometheusPort: 9464,
		},
		BufferPool: BufferPoolConfig{
			PoolSize: 64,
			Replacer: ReplacerLRU,
		},
		Concurrency: ConcurrencyConfig{
			DeadlockDetectionInterval: Duration(50 * time.Millisecond),
		},
	}
}

// Load reads and parses a YAML configuration file, filling any omitted
// fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BufferPool.PoolSize <= 0 {
		return fmt.Errorf("buffer_pool.pool_size must be positive, got %d", c.BufferPool.PoolSize)
	}
	switch c.BufferPool.Replacer {
	case ReplacerLRU, ReplacerClock:
	default:
		return fmt.Errorf("buffer_pool.replacer must be %q or %q, got %q",
			ReplacerLRU, ReplacerClock, c.BufferPool.Replacer)
	}
	if c.Concurrency.DeadlockDetectionInterval <= 0 {
		return fmt.Errorf("concurrency.deadlock_detection_interval must be positive, got %s",
			c.Concurrency.DeadlockDetectionInterval.Std())
	}
	return nil
}
