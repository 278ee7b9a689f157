// Package config loads runtime configuration for workflow execution from
// YAML files, covering the cache, the worker pool and observability.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
//
// Example:
//
//	cache:
//	  dir: /var/lib/dataflow/cache
//	  index: sqlite
//	  max_bytes: 10737418240
//	workers:
//	  capacity: 8
//	  default_timeout: 30m
//	observability:
//	  log_format: json
//	  metrics: true
type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Workers       WorkerConfig        `yaml:"workers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CacheConfig selects the cache location and its metadata index.
type CacheConfig struct {
	// Dir is the cache root directory.
	Dir string `yaml:"dir"`

	// Index selects the metadata backend: "memory", "sqlite" or "mysql".
	Index string `yaml:"index"`

	// DSN configures the mysql index; sqlite derives its file from Dir.
	DSN string `yaml:"dsn"`

	// MaxBytes caps the cache size for eviction. Zero disables eviction.
	MaxBytes int64 `yaml:"max_bytes"`
}

// WorkerConfig sizes the local execution pool.
type WorkerConfig struct {
	// Capacity is the maximum number of concurrently running units.
	// Zero means one unit per CPU.
	Capacity int `yaml:"capacity"`

	// DefaultTimeout applies to units whose task declares no timeout.
	// Zero means no limit.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// ObservabilityConfig selects event and metrics backends.
type ObservabilityConfig struct {
	// LogFormat is "text", "json" or "none".
	LogFormat string `yaml:"log_format"`

	// Metrics enables Prometheus collection.
	Metrics bool `yaml:"metrics"`

	// OTel enables span emission through the global tracer provider.
	OTel bool `yaml:"otel"`
}

// Default returns the configuration used when no file is given: an
// OS-appropriate cache directory, an in-memory index and a pool sized to
// the machine.
func Default() Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		Cache: CacheConfig{
			Dir:   dir + "/dataflow",
			Index: "memory",
		},
		Workers: WorkerConfig{
			Capacity: runtime.NumCPU(),
		},
		Observability: ObservabilityConfig{
			LogFormat: "none",
		},
	}
}

// Load reads a YAML configuration file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Cache.Index {
	case "", "memory", "sqlite":
	case "mysql":
		if c.Cache.DSN == "" {
			return fmt.Errorf("config: mysql index requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown cache index %q", c.Cache.Index)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("config: cache dir cannot be empty")
	}
	if c.Workers.Capacity < 0 {
		return fmt.Errorf("config: worker capacity cannot be negative")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("config: cache max_bytes cannot be negative")
	}
	switch c.Observability.LogFormat {
	case "", "text", "json", "none":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Observability.LogFormat)
	}
	return nil
}
