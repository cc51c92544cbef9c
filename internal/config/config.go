// Package config holds the runtime configuration of assay processes.
//
// A Config is loaded once from TOML, validated, and passed by value to the
// components that need it. Nothing reads configuration from globals.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roach88/assay/internal/engine"
)

// Config is the top-level runtime configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Executor  ExecutorConfig  `toml:"executor"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// SchedulerConfig controls retry and queueing.
type SchedulerConfig struct {
	MaxTrials   int      `toml:"max_trials"`
	BackoffBase Duration `toml:"backoff_base"`
	QueueLease  Duration `toml:"queue_lease"`
}

// ExecutorConfig controls the worker pool.
type ExecutorConfig struct {
	Workers      int      `toml:"workers"`
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
	LeaseGrace   Duration `toml:"lease_grace"`
}

// APIConfig controls the read-only HTTP server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig selects the log level: debug, info, warn or error.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written in TOML as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "assay.db"},
		Scheduler: SchedulerConfig{
			MaxTrials:   engine.DefaultMaxTrials,
			BackoffBase: Duration{engine.DefaultBackoffBase},
			QueueLease:  Duration{engine.DefaultQueueLease},
		},
		Executor: ExecutorConfig{
			Workers:      engine.DefaultWorkers,
			PollInterval: Duration{engine.DefaultPollInterval},
			Timeout:      Duration{engine.DefaultTimeout},
			LeaseGrace:   Duration{engine.DefaultLeaseGrace},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8088,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a TOML file over the defaults and validates the result.
// An empty path returns the validated defaults. Keys the file sets override
// defaults; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("parse config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	// A relative store path is relative to the config file.
	if cfg.Store.Path != ":memory:" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(filepath.Dir(path), cfg.Store.Path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Scheduler.MaxTrials < 1 {
		errs = append(errs, errors.New("scheduler.max_trials must be at least 1"))
	}
	if c.Scheduler.BackoffBase.Duration < 0 {
		errs = append(errs, errors.New("scheduler.backoff_base must not be negative"))
	}
	if c.Scheduler.QueueLease.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.queue_lease must be positive"))
	}
	if c.Executor.Workers < 1 {
		errs = append(errs, errors.New("executor.workers must be at least 1"))
	}
	if c.Executor.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("executor.poll_interval must be positive"))
	}
	if c.Executor.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.Executor.LeaseGrace.Duration < 0 {
		errs = append(errs, errors.New("executor.lease_grace must not be negative"))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel converts the configured level name.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", c.Level, err)
	}
	return level, nil
}

// SchedulerOptions returns the engine options for this configuration.
func (c Config) SchedulerOptions() []engine.SchedulerOption {
	return []engine.SchedulerOption{
		engine.WithMaxTrials(c.Scheduler.MaxTrials),
		engine.WithBackoffBase(c.Scheduler.BackoffBase.Duration),
		engine.WithQueueLease(c.Scheduler.QueueLease.Duration),
		engine.WithTimeout(c.Executor.Timeout.Duration),
		engine.WithLeaseGrace(c.Executor.LeaseGrace.Duration),
	}
}

// PoolOptions returns the worker pool options for this configuration.
func (c Config) PoolOptions() []engine.PoolOption {
	return []engine.PoolOption{
		engine.WithWorkers(c.Executor.Workers),
		engine.WithPollInterval(c.Executor.PollInterval.Duration),
	}
}
