// Package config loads the configuration of a conductor world.
//
// Configuration is read from a YAML or TOML file chosen by extension,
// overridden by CONDUCTOR_* environment variables, checked against an
// embedded CUE schema and finally validated for cross-field constraints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/store"
)

// Connector names.
const (
	ConnectorDirect  = "direct"
	ConnectorPolling = "polling"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the full configuration of one world.
type Config struct {
	World       WorldConfig       `yaml:"world" toml:"world" json:"world"`
	Store       StoreConfig       `yaml:"store" toml:"store" json:"store"`
	Executor    ExecutorConfig    `yaml:"executor" toml:"executor" json:"executor"`
	Semaphores  SemaphoreConfig   `yaml:"semaphores" toml:"semaphores" json:"semaphores"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator" json:"coordinator"`
	Archive     ArchiveConfig     `yaml:"archive" toml:"archive" json:"archive"`
	Log         LogConfig         `yaml:"log" toml:"log" json:"log"`
}

// WorldConfig identifies the world and how it talks to others.
type WorldConfig struct {
	// ID is generated at startup when empty.
	ID           string   `yaml:"id" toml:"id" json:"id"`
	Executor     bool     `yaml:"executor" toml:"executor" json:"executor"`
	Connector    string   `yaml:"connector" toml:"connector" json:"connector"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver          string   `yaml:"driver" toml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// ExecutorConfig tunes the executor core and dispatchers.
type ExecutorConfig struct {
	PoolSize        int      `yaml:"pool_size" toml:"pool_size" json:"pool_size"`
	RequestTimeout  Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
	AutoRescue      bool     `yaml:"auto_rescue" toml:"auto_rescue" json:"auto_rescue"`
}

// SemaphoreConfig limits concurrent runs. Zero means unlimited.
type SemaphoreConfig struct {
	Global int            `yaml:"global" toml:"global" json:"global"`
	Queues map[string]int `yaml:"queues" toml:"queues" json:"queues,omitempty"`
}

// CoordinatorConfig tunes heartbeats and validity checks.
type CoordinatorConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout" json:"heartbeat_timeout"`
	ValidityChecks    bool     `yaml:"validity_checks" toml:"validity_checks" json:"validity_checks"`
}

// ArchiveConfig configures the plan cleaner and its object storage.
type ArchiveConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Bucket    string   `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix    string   `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region    string   `yaml:"region" toml:"region" json:"region"`
	AccessKey string   `yaml:"access_key" toml:"access_key" json:"access_key"`
	SecretKey string   `yaml:"secret_key" toml:"secret_key" json:"secret_key"`
	UseSSL    bool     `yaml:"use_ssl" toml:"use_ssl" json:"use_ssl"`
	MaxAge    Duration `yaml:"max_age" toml:"max_age" json:"max_age"`
	Interval  Duration `yaml:"interval" toml:"interval" json:"interval"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		World: WorldConfig{
			Executor:     true,
			Connector:    ConnectorPolling,
			PollInterval: Duration(time.Second),
		},
		Store: StoreConfig{Driver: store.DriverSQLite, DSN: "conductor.db"},
		Executor: ExecutorConfig{
			PoolSize:        5,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Coordinator: CoordinatorConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			HeartbeatTimeout:  Duration(60 * time.Second),
			ValidityChecks:    true,
		},
		Archive: ArchiveConfig{
			Prefix:   "plans/",
			MaxAge:   Duration(30 * 24 * time.Hour),
			Interval: Duration(time.Hour),
		},
		Log: LogConfig{Level: "info", Format: FormatText},
	}
}

// Load reads path on top of the defaults, applies the process environment
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := checkSchema(cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	return nil
}

// Validate checks constraints that span fields.
func (c Config) Validate() error {
	var errs []error
	if c.World.Executor && c.Executor.PoolSize < 1 {
		errs = append(errs, errors.New("executor.pool_size must be at least 1 for an executor world"))
	}
	if c.Coordinator.HeartbeatTimeout <= c.Coordinator.HeartbeatInterval {
		errs = append(errs, errors.New("coordinator.heartbeat_timeout must exceed coordinator.heartbeat_interval"))
	}
	if c.World.Connector == ConnectorPolling && c.World.PollInterval <= 0 {
		errs = append(errs, errors.New("world.poll_interval must be positive for the polling connector"))
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.endpoint is required when archiving is enabled"))
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required when archiving is enabled"))
		}
		if c.Archive.MaxAge <= 0 {
			errs = append(errs, errors.New("archive.max_age must be positive"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StoreOptions converts the store section.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Std(),
	}
}

// Limits converts the semaphores section.
func (c Config) Limits() director.Limits {
	return director.Limits{Global: c.Semaphores.Global, Queues: c.Semaphores.Queues}
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
