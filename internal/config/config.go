package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/taskpipe/internal/config/loader"
	"github.com/dshills/taskpipe/internal/logging"
)

// EnvPrefix is the prefix of environment variables overriding the file.
const EnvPrefix = "TASKPIPE_"

// Config is the taskpipe runtime configuration.
type Config struct {
	Queue    QueueConfig    `toml:"queue"`
	Process  ProcessConfig  `toml:"process"`
	Shutdown ShutdownConfig `toml:"shutdown"`
	Log      LogConfig      `toml:"log"`
}

// QueueConfig configures the operation queue.
type QueueConfig struct {
	// Workers is the number of operations run concurrently.
	Workers int `toml:"workers"`

	// MaxPending limits queued operations. 0 means unlimited.
	MaxPending int `toml:"max_pending"`
}

// ProcessConfig configures launched tasks.
type ProcessConfig struct {
	// KillGrace is how long a cancelled child has between SIGTERM and
	// SIGKILL.
	KillGrace Duration `toml:"kill_grace"`
}

// ShutdownConfig configures shutdown.
type ShutdownConfig struct {
	// Timeout bounds how long shutdown waits for children to exit.
	Timeout Duration `toml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
// A bare integer is a number of seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	if n, err := strconv.ParseInt(string(text), 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Workers: 4,
		},
		Process: ProcessConfig{
			KillGrace: Duration{5 * time.Second},
		},
		Shutdown: ShutdownConfig{
			Timeout: Duration{10 * time.Second},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path and TASKPIPE_*
// environment variables, in increasing priority. A missing file is not an
// error and an empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadFrom(loader.NewTOMLLoader(path), NewEnvLoader(nil))
}

// stringKeys hold durations and level names, which must reach the decoder
// as text.
var stringKeys = []string{"process.kill_grace", "shutdown.timeout", "log.level"}

// NewEnvLoader returns the TASKPIPE_ environment source. A nil env reads
// the process environment.
func NewEnvLoader(env []string) *loader.EnvLoader {
	l := loader.NewEnvLoader(EnvPrefix)
	if env != nil {
		l = loader.NewEnvLoaderFrom(EnvPrefix, env)
	}
	l.AddStringKeys(stringKeys...)
	return l
}

// LoadFrom merges the maps produced by sources over the defaults, later
// sources winning, and validates the result.
func LoadFrom(sources ...loader.Loader) (*Config, error) {
	merged := make(map[string]any)
	for _, src := range sources {
		m, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	cfg := Default()
	if len(merged) > 0 {
		data, err := toml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encoding merged config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return &ValidationError{Path: "queue.workers", Message: fmt.Sprintf("must be at least 1, got %d", c.Queue.Workers)}
	}
	if c.Queue.MaxPending < 0 {
		return &ValidationError{Path: "queue.max_pending", Message: "must not be negative"}
	}
	if c.Process.KillGrace.Duration < 0 {
		return &ValidationError{Path: "process.kill_grace", Message: "must not be negative"}
	}
	if c.Shutdown.Timeout.Duration <= 0 {
		return &ValidationError{Path: "shutdown.timeout", Message: "must be positive"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Path: "log.level", Message: err.Error()}
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Development = c.Log.Development
	return lc
}
