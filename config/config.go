// Package config loads the mailstore configuration.
//
// Settings come from an optional YAML file and are then overridden by
// MAILSTORE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/mihaisoloi/james-mailbox-sub001/boxmgmt"
)

type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Watch   WatchConfig   `yaml:"watch"`
	Log     LogConfig     `yaml:"log"`
}

type BackendConfig struct {
	Kind       string `yaml:"kind"` // memory, sqlite or bolt
	Dir        string `yaml:"dir"`
	LocalLocks bool   `yaml:"localLocks"`
	BatchSize  int    `yaml:"batchSize"`
}

type WatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	PerSecond   float64       `yaml:"perSecond"`
	Concurrency int           `yaml:"concurrency"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{Kind: "memory", BatchSize: 100},
		Watch:   WatchConfig{Interval: 30 * time.Second, PerSecond: 20, Concurrency: 4},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: %v", err)
		}
		if err := yaml.UnmarshalStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("config.Load(%q): %v", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from MAILSTORE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, v := range []struct {
		name string
		set  func(string) error
	}{
		{"MAILSTORE_BACKEND", func(s string) error { c.Backend.Kind = s; return nil }},
		{"MAILSTORE_DIR", func(s string) error { c.Backend.Dir = s; return nil }},
		{"MAILSTORE_LOCAL_LOCKS", boolVar(&c.Backend.LocalLocks)},
		{"MAILSTORE_BATCH_SIZE", intVar(&c.Backend.BatchSize)},
		{"MAILSTORE_POLL_INTERVAL", durationVar(&c.Watch.Interval)},
		{"MAILSTORE_POLL_RATE", floatVar(&c.Watch.PerSecond)},
		{"MAILSTORE_POLL_CONCURRENCY", intVar(&c.Watch.Concurrency)},
		{"MAILSTORE_LOG_LEVEL", func(s string) error { c.Log.Level = s; return nil }},
		{"MAILSTORE_LOG_DEVELOPMENT", boolVar(&c.Log.Development)},
	} {
		s, ok := lookup(v.name)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("config: %s: %v", v.name, err)
		}
	}
	return nil
}

func boolVar(p *bool) func(string) error {
	return func(s string) (err error) {
		*p, err = strconv.ParseBool(s)
		return err
	}
}

func intVar(p *int) func(string) error {
	return func(s string) (err error) {
		*p, err = strconv.Atoi(s)
		return err
	}
}

func floatVar(p *float64) func(string) error {
	return func(s string) (err error) {
		*p, err = strconv.ParseFloat(s, 64)
		return err
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(s string) (err error) {
		*p, err = time.ParseDuration(s)
		return err
	}
}

func (c *Config) Validate() error {
	kind, err := boxmgmt.ParseKind(c.Backend.Kind)
	if err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if kind != boxmgmt.Memory && c.Backend.Dir == "" {
		return fmt.Errorf("config: backend %s needs a dir", kind)
	}
	if c.Backend.BatchSize < 0 {
		return fmt.Errorf("config: negative batchSize %d", c.Backend.BatchSize)
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("config: watch interval %v must be positive", c.Watch.Interval)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	return nil
}

// BoxOptions returns the store manager options. Callers set the logger.
func (c *Config) BoxOptions() (boxmgmt.Options, error) {
	kind, err := boxmgmt.ParseKind(c.Backend.Kind)
	if err != nil {
		return boxmgmt.Options{}, err
	}
	return boxmgmt.Options{
		Kind:       kind,
		Dir:        c.Backend.Dir,
		LocalLocks: c.Backend.LocalLocks,
		BatchSize:  c.Backend.BatchSize,
	}, nil
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
