package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
)

// EnvPrefix prefixes every environment override of Config
const EnvPrefix = "OFFLOAD"

// Config is the configuration of the offload service
type Config struct {
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Log           LogConfig           `yaml:"log" json:"log"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	NATS          NATSConfig          `yaml:"nats" json:"nats"`
}

// PoolConfig sizes the worker pool
type PoolConfig struct {
	Workers         int             `yaml:"workers" json:"workers"`
	MaxQueueDepth   int             `yaml:"max_queue_depth" json:"max_queue_depth"` // 0 = unbounded
	TaskTimeout     Duration        `yaml:"task_timeout" json:"task_timeout"`       // 0 = none
	ShutdownMode    string          `yaml:"shutdown_mode" json:"shutdown_mode"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Autoscale       AutoscaleConfig `yaml:"autoscale" json:"autoscale"`
}

// AutoscaleConfig drives the optional autoscaler
type AutoscaleConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Min             int      `yaml:"min" json:"min"`
	Max             int      `yaml:"max" json:"max"`
	GrowThreshold   int      `yaml:"grow_threshold" json:"grow_threshold"`
	ShrinkThreshold int      `yaml:"shrink_threshold" json:"shrink_threshold"`
	Interval        Duration `yaml:"interval" json:"interval"`
}

// LogConfig selects the logger
type LogConfig struct {
	Format string `yaml:"format" json:"format"` // text or json
	Level  string `yaml:"level" json:"level"`
}

// ObservabilityConfig covers metrics and tracing
type ObservabilityConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`

	EnableTracing bool    `yaml:"enable_tracing" json:"enable_tracing"`
	ServiceName   string  `yaml:"service_name" json:"service_name"`
	Exporter      string  `yaml:"exporter" json:"exporter"` // stdout, zipkin, jaeger or none
	Endpoint      string  `yaml:"endpoint" json:"endpoint"`
	SampleRate    float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NATSConfig configures remote submission over NATS
type NATSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	URL            string   `yaml:"url" json:"url"`
	Prefix         string   `yaml:"prefix" json:"prefix"`
	Name           string   `yaml:"name" json:"name"`
	QueueGroup     string   `yaml:"queue_group" json:"queue_group"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// Default returns the configuration used when nothing overrides it.
// The pool has no task timeout and an unbounded queue, as in WorkerPoolConfig.
func Default() Config {
	n := runtime.NumCPU()
	return Config{
		Pool: PoolConfig{
			Workers:         n,
			MaxQueueDepth:   0,
			TaskTimeout:     0,
			ShutdownMode:    concurrency.ShutdownGraceful.String(),
			ShutdownTimeout: Duration(30 * time.Second),
			Autoscale: AutoscaleConfig{
				Min:             1,
				Max:             2 * n,
				GrowThreshold:   8,
				ShrinkThreshold: 0,
				Interval:        Duration(time.Second),
			},
		},
		Log: LogConfig{Format: "text", Level: "info"},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			ServiceName: "offload",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Prefix:         "offload",
			Name:           "offload",
			QueueGroup:     "offload-workers",
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// LoadConfig reads path (optional) over Default, applies OFFLOAD_* overrides
// and validates the result
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	if err := LoadWithEnv(path, EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks c for values the service cannot run with
func (c *Config) Validate() error {
	validators := []Validator{
		RangeValidator("Pool.Workers", 1, 1<<16),
		RangeValidator("Pool.MaxQueueDepth", 0, 1<<30),
		OneOfValidator("Pool.ShutdownMode", "graceful", "immediate"),
		OneOfValidator("Log.Format", "text", "json"),
		OneOfValidator("Log.Level", "debug", "info", "warn", "warning", "error"),
		OneOfValidator("Observability.Exporter", "stdout", "zipkin", "jaeger", "none"),
		RangeValidator("Observability.SampleRate", 0, 1),
		ValidatorFunc(func(interface{}) error {
			if c.Pool.TaskTimeout < 0 || c.Pool.ShutdownTimeout < 0 {
				return errors.New("pool timeouts must not be negative")
			}
			return nil
		}),
	}
	if c.Pool.Autoscale.Enabled {
		validators = append(validators, ValidatorFunc(func(interface{}) error {
			return c.Pool.Autoscale.Concurrency().Validate()
		}))
	}
	if c.Observability.EnableMetrics {
		validators = append(validators, RequiredFields("Observability.MetricsAddr"))
	}
	if c.NATS.Enabled {
		validators = append(validators, RequiredFields("NATS.URL", "NATS.Prefix", "NATS.QueueGroup"))
	}
	return Validate(c, validators...)
}

// Dispatcher builds the dispatcher configuration for this pool
func (c PoolConfig) Dispatcher(logger core.Logger, observer concurrency.Observer) (concurrency.DispatcherConfig, error) {
	mode, err := concurrency.ParseShutdownMode(c.ShutdownMode)
	if err != nil {
		return concurrency.DispatcherConfig{}, fmt.Errorf("pool: %w", err)
	}
	return concurrency.DispatcherConfig{
		Pool: concurrency.WorkerPoolConfig{
			Workers:       c.Workers,
			MaxQueueDepth: c.MaxQueueDepth,
			TaskTimeout:   c.TaskTimeout.Std(),
			Logger:        logger,
			Observer:      observer,
		},
		ShutdownMode:    mode,
		ShutdownTimeout: c.ShutdownTimeout.Std(),
	}, nil
}

// Concurrency converts to the autoscaler's own configuration
func (c AutoscaleConfig) Concurrency() concurrency.AutoscaleConfig {
	return concurrency.AutoscaleConfig{
		Min:             c.Min,
		Max:             c.Max,
		GrowThreshold:   c.GrowThreshold,
		ShrinkThreshold: c.ShrinkThreshold,
		Interval:        c.Interval.Std(),
	}
}

// Logger builds the configured logger
func (c LogConfig) Logger() (core.Logger, error) {
	return core.NewLogger(c.Format, c.Level)
}
