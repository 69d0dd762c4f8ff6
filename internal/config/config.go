// Package config loads ~/.thistory/config.toml. Values from the environment
// (and a .env file in the working directory) override the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/matheus3301/thistory/internal/history"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config represents the global config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	Store          StoreConfig     `toml:"store"`
	Remote         RemoteConfig    `toml:"remote"`
	Scheduler      SchedulerConfig `toml:"scheduler"`
	Filters        FiltersConfig   `toml:"filters"`
	Metrics        MetricsConfig   `toml:"metrics"`
	Log            LogConfig       `toml:"log"`
}

type StoreConfig struct {
	// Driver is "sqlite" (the profile's archive.db) or "mongo".
	Driver        string `toml:"driver"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

type RemoteConfig struct {
	BridgeURL string        `toml:"bridge_url"`
	ListLimit int           `toml:"list_limit"`
	Timeout   time.Duration `toml:"timeout"`
}

type SchedulerConfig struct {
	ListInterval       time.Duration `toml:"list_interval"`
	FullResyncInterval time.Duration `toml:"full_resync_interval"`
	EligibleTypes      []string      `toml:"eligible_types"`
	ListDelay          time.Duration `toml:"list_delay"`
	MessageDelay       time.Duration `toml:"message_delay"`
	MessageConcurrency int           `toml:"message_concurrency"`
	PageParallelism    int           `toml:"page_parallelism"`
	MaxAttempts        int           `toml:"max_attempts"`
	JobTimeout         time.Duration `toml:"job_timeout"`
}

type FiltersConfig struct {
	Conversation history.FieldFilter `toml:"conversation"`
	Message      history.FieldFilter `toml:"message"`
}

type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables the endpoint.
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Store:          StoreConfig{Driver: DriverSQLite, MongoDatabase: "thistory"},
		Remote: RemoteConfig{
			BridgeURL: "http://127.0.0.1:8081/td",
			ListLimit: 4000,
			Timeout:   30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ListInterval:       15 * time.Minute,
			FullResyncInterval: 7 * 24 * time.Hour,
			EligibleTypes:      []string{"chatTypePrivate", "chatTypeBasicGroup", "chatTypeSupergroup"},
			ListDelay:          time.Second,
			MessageDelay:       1200 * time.Millisecond,
			MessageConcurrency: 4,
			PageParallelism:    8,
			MaxAttempts:        5,
			JobTimeout:         2 * time.Minute,
		},
		Filters: FiltersConfig{
			Conversation: history.DefaultConversationFilter(),
			Message:      history.DefaultMessageFilter(),
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, applies .env and environment overrides
// and validates the result.
func Resolve(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("THISTORY_BRIDGE_URL"); v != "" {
		c.Remote.BridgeURL = v
	}
	if v := getenv("THISTORY_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("THISTORY_MONGO_URI"); v != "" {
		c.Store.MongoURI = v
	}
	if v := getenv("THISTORY_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := getenv("API_DELAY"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return fmt.Errorf("API_DELAY: want milliseconds, got %q", v)
		}
		c.Scheduler.MessageDelay = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Validate checks the values the daemon cannot run without.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return errors.New("store.mongo_uri is required with the mongo driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Remote.BridgeURL == "" {
		return errors.New("remote.bridge_url is required")
	}
	if c.Scheduler.ListInterval <= 0 {
		return errors.New("scheduler.list_interval must be positive")
	}
	if c.Scheduler.ListDelay < 0 || c.Scheduler.MessageDelay < 0 {
		return errors.New("scheduler.list_delay and scheduler.message_delay must not be negative")
	}
	if c.Scheduler.MessageConcurrency <= 0 {
		return errors.New("scheduler.message_concurrency must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
