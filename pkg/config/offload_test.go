package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/offload/pkg/core/concurrency"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Pool.Workers < 1 {
		t.Errorf("Default workers = %d", cfg.Pool.Workers)
	}
	if cfg.Pool.TaskTimeout != 0 || cfg.Pool.MaxQueueDepth != 0 {
		t.Errorf("Default pool = timeout %s, depth %d, want no timeout and unbounded",
			cfg.Pool.TaskTimeout, cfg.Pool.MaxQueueDepth)
	}
}

func TestLoadConfig(t *testing.T) {
	path := createTempFile(t, "offload.yaml", `
pool:
  workers: 3
  max_queue_depth: 16
  task_timeout: 250ms
  shutdown_mode: immediate
log:
  format: json
  level: debug
nats:
  enabled: true
  prefix: jobs
`)
	t.Setenv("OFFLOAD_POOL_WORKERS", "6")
	t.Setenv("OFFLOAD_NATS_REQUEST_TIMEOUT", "2s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Pool.Workers != 6 {
		t.Errorf("Pool.Workers = %d, want 6 from env", cfg.Pool.Workers)
	}
	if cfg.Pool.MaxQueueDepth != 16 || cfg.Pool.TaskTimeout.Std() != 250*time.Millisecond {
		t.Errorf("Pool = %+v", cfg.Pool)
	}
	if cfg.NATS.Prefix != "jobs" || cfg.NATS.QueueGroup != "offload-workers" {
		t.Errorf("NATS = %+v, want file prefix over default queue group", cfg.NATS)
	}
	if cfg.NATS.RequestTimeout.Std() != 2*time.Second {
		t.Errorf("NATS.RequestTimeout = %v, want 2s", cfg.NATS.RequestTimeout)
	}

	dc, err := cfg.Pool.Dispatcher(nil, nil)
	if err != nil {
		t.Fatalf("Dispatcher() error = %v", err)
	}
	if dc.ShutdownMode != concurrency.ShutdownImmediate || dc.Pool.Workers != 6 || dc.Pool.TaskTimeout != 250*time.Millisecond {
		t.Errorf("Dispatcher() = %+v", dc)
	}
	if _, err := cfg.Log.Logger(); err != nil {
		t.Errorf("Log.Logger() error = %v", err)
	}
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	t.Setenv("OFFLOAD_LOG_LEVEL", "warn")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"negative depth", func(c *Config) { c.Pool.MaxQueueDepth = -1 }},
		{"bad shutdown mode", func(c *Config) { c.Pool.ShutdownMode = "later" }},
		{"negative timeout", func(c *Config) { c.Pool.TaskTimeout = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Observability.Exporter = "otlp-magic" }},
		{"sample rate", func(c *Config) { c.Observability.SampleRate = 2 }},
		{"autoscale bounds", func(c *Config) {
			c.Pool.Autoscale.Enabled = true
			c.Pool.Autoscale.Max = 0
		}},
		{"nats without url", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.URL = ""
		}},
		{"metrics without addr", func(c *Config) {
			c.Observability.EnableMetrics = true
			c.Observability.MetricsAddr = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteYAML(&buf, Default()); err != nil {
		t.Fatalf("WriteYAML() error = %v", err)
	}
	if !strings.Contains(buf.String(), "shutdown_timeout: 30s") {
		t.Errorf("WriteYAML() output missing shutdown_timeout:\n%s", buf.String())
	}
}
