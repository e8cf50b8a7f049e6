// Package config loads the joberd configuration document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// DefaultListen is the address joberd serves on unless configured otherwise.
const DefaultListen = "127.0.0.1:7086"

// Config is the daemon configuration document.
type Config struct {
	// Capture enables run output capture. Defaults to on.
	Capture *bool `yaml:"capture"`

	// Workers sizes the run worker pool.
	Workers int `yaml:"n_thread_pool_workers"`

	// Timezone names the location cron expressions are evaluated in,
	// host-local when empty.
	Timezone string `yaml:"timezone"`

	// MaxRecentRuns bounds each job's run history.
	MaxRecentRuns int `yaml:"max_recent_runs"`

	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// History is the path of the SQLite run-history database, empty to
	// disable recording.
	History string `yaml:"history"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	Jobs []JobConfig `yaml:"jobs"`
}

// JobConfig describes one job entry. Exactly one of cmd, module, or script
// names what to run.
type JobConfig struct {
	Name string `yaml:"name"`

	Cmd    string `yaml:"cmd"`
	Module string `yaml:"module"`
	Script string `yaml:"script"`

	Args   []any          `yaml:"args"`
	Kwargs map[string]any `yaml:"kwargs"`

	Cwd      string `yaml:"cwd"`
	Shell    bool   `yaml:"shell"`
	Encoding string `yaml:"encoding"`

	Every Duration `yaml:"every"`
	Cron  string   `yaml:"cron"`

	MaxInstances  int  `yaml:"max_instances"`
	MaxRecentRuns int  `yaml:"max_recent_runs"`
	Disabled      bool `yaml:"disabled"`

	Stdout string `yaml:"stdout"`
	Stderr string `yaml:"stderr"`

	// Extra is opaque metadata reported back on the job's API summary.
	Extra any `yaml:"extra"`
}

// Duration unmarshals from either a Go duration string ("90s", "1h30m") or a
// bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}

		*d = Duration(parsed)

		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}

	*d = Duration(time.Duration(secs * float64(time.Second)))

	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	conf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return conf, nil
}

// Parse parses a config document, applies defaults, and validates it.
// Unknown fields are rejected so typos don't silently disable options.
func Parse(data []byte) (*Config, error) {
	conf := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	conf.applyDefaults()

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

// Validate checks the document for contradictions a running daemon couldn't
// honor.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if _, err := c.Level(); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if err := job.validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}

		if seen[job.Name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, job.Name)
		}
		seen[job.Name] = true
	}

	return nil
}

func (j JobConfig) validate() error {
	if j.Name == "" {
		return errors.New("name is required")
	}

	sources := 0
	for _, s := range []string{j.Cmd, j.Module, j.Script} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf(
			"job %q needs exactly one of cmd, module, or script", j.Name)
	}

	if j.Every != 0 && j.Cron != "" {
		return fmt.Errorf("job %q takes at most one of every and cron", j.Name)
	}

	return nil
}

// CaptureEnabled reports whether run output capture is on.
func (c *Config) CaptureEnabled() bool {
	return c.Capture == nil || *c.Capture
}

// Location returns the configured cron timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}

	return time.LoadLocation(c.Timezone)
}

// Level returns the configured log level, info by default.
func (c *Config) Level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}

	return level, nil
}
