package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Cache.Dir == "" {
		t.Error("default cache dir is empty")
	}
	if cfg.Cache.Index != "memory" {
		t.Errorf("default index = %q, want memory", cfg.Cache.Index)
	}
	if cfg.Workers.Capacity < 1 {
		t.Errorf("default capacity = %d", cfg.Workers.Capacity)
	}
	if cfg.Observability.LogFormat != "none" {
		t.Errorf("default log format = %q", cfg.Observability.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
cache:
  dir: /var/lib/dataflow/cache
  index: sqlite
  max_bytes: 1048576
workers:
  capacity: 8
  default_timeout: 30m
observability:
  log_format: json
  metrics: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Dir != "/var/lib/dataflow/cache" || cfg.Cache.Index != "sqlite" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.MaxBytes != 1048576 {
		t.Errorf("max_bytes = %d", cfg.Cache.MaxBytes)
	}
	if cfg.Workers.Capacity != 8 || cfg.Workers.DefaultTimeout != 30*time.Minute {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.Observability.LogFormat != "json" || !cfg.Observability.Metrics {
		t.Errorf("observability = %+v", cfg.Observability)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "workers:\n  capacity: 2\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers.Capacity != 2 {
		t.Errorf("capacity = %d", cfg.Workers.Capacity)
	}
	if cfg.Cache.Index != "memory" || cfg.Cache.Dir == "" {
		t.Errorf("unset cache fields lost their defaults: %+v", cfg.Cache)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := Load(writeConfig(t, "cache: [not a mapping")); err == nil {
		t.Error("malformed yaml should fail")
	}
	if _, err := Load(writeConfig(t, "cache:\n  index: mysql\n")); err == nil {
		t.Error("mysql without dsn should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"mysql with dsn", func(c *Config) {
			c.Cache.Index = "mysql"
			c.Cache.DSN = "user:pass@tcp(localhost:3306)/flow"
		}, ""},
		{"mysql without dsn", func(c *Config) { c.Cache.Index = "mysql" }, "dsn"},
		{"unknown index", func(c *Config) { c.Cache.Index = "redis" }, "unknown cache index"},
		{"empty dir", func(c *Config) { c.Cache.Dir = "" }, "cache dir"},
		{"negative capacity", func(c *Config) { c.Workers.Capacity = -1 }, "capacity"},
		{"negative max_bytes", func(c *Config) { c.Cache.MaxBytes = -1 }, "max_bytes"},
		{"unknown log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "log format"},
		{"text log format", func(c *Config) { c.Observability.LogFormat = "text" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
