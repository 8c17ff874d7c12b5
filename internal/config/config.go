// Package config loads the client configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration.
type Config struct {
	UserID  string        `yaml:"user_id"`
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig describes how to reach the remote store.
type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	CACert             string        `yaml:"ca_cert"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Plaintext          bool          `yaml:"plaintext"`
	Token              string        `yaml:"token"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

// CacheConfig tunes the local cache.
type CacheConfig struct {
	Path              string        `yaml:"path"`
	ThreadsFresh      time.Duration `yaml:"threads_fresh"`
	ThreadsRefresh    time.Duration `yaml:"threads_refresh"`
	MessagesFresh     time.Duration `yaml:"messages_fresh"`
	MessagesRefresh   time.Duration `yaml:"messages_refresh"`
	StreamingDebounce time.Duration `yaml:"streaming_debounce"`
	FinalDebounce     time.Duration `yaml:"final_debounce"`
	Retention         time.Duration `yaml:"retention"`
}

// StreamConfig tunes how streamed replies are written.
type StreamConfig struct {
	FlushChars    int           `yaml:"flush_chars"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushGap      time.Duration `yaml:"flush_gap"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Dir is the directory holding the config file and the cache database.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "chatcache")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "chatcache")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "localhost:8443",
			CallTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Path:              filepath.Join(Dir(), "cache.db"),
			ThreadsFresh:      5 * time.Minute,
			ThreadsRefresh:    2 * time.Minute,
			MessagesFresh:     2 * time.Minute,
			MessagesRefresh:   time.Minute,
			StreamingDebounce: 100 * time.Millisecond,
			Retention:         7 * 24 * time.Hour,
		},
		Stream: StreamConfig{
			FlushChars:    32,
			FlushInterval: 100 * time.Millisecond,
			FlushGap:      150 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "warn"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// CHATCACHE_ADDR, CHATCACHE_TOKEN and CHATCACHE_USER override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATCACHE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CHATCACHE_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("CHATCACHE_USER"); v != "" {
		c.UserID = v
	}
}

// Save writes c to path, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var validLevels = []string{"debug", "info", "warn", "error"}

// Validate reports the first setting the client cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Cache.Path == "" {
		return errors.New("cache.path is required")
	}
	if c.Cache.ThreadsRefresh > c.Cache.ThreadsFresh {
		return fmt.Errorf("cache.threads_refresh (%s) exceeds threads_fresh (%s)", c.Cache.ThreadsRefresh, c.Cache.ThreadsFresh)
	}
	if c.Cache.MessagesRefresh > c.Cache.MessagesFresh {
		return fmt.Errorf("cache.messages_refresh (%s) exceeds messages_fresh (%s)", c.Cache.MessagesRefresh, c.Cache.MessagesFresh)
	}
	if c.Cache.StreamingDebounce < 0 || c.Cache.FinalDebounce < 0 {
		return errors.New("cache debounce must not be negative")
	}
	if c.Cache.Retention <= 0 {
		return errors.New("cache.retention must be positive")
	}
	if c.Stream.FlushChars <= 0 {
		return fmt.Errorf("stream.flush_chars must be positive, got %d", c.Stream.FlushChars)
	}
	if c.Stream.FlushInterval <= 0 {
		return errors.New("stream.flush_interval must be positive")
	}
	if c.Cache.StreamingDebounce > 0 && c.Stream.FlushGap <= c.Cache.StreamingDebounce {
		// a shorter gap keeps restarting the debounce timer until the reply ends
		return fmt.Errorf("stream.flush_gap (%s) must exceed cache.streaming_debounce (%s)",
			c.Stream.FlushGap, c.Cache.StreamingDebounce)
	}
	for _, l := range validLevels {
		if c.Logging.Level == l {
			return nil
		}
	}
	return fmt.Errorf("invalid logging.level %q (valid: %v)", c.Logging.Level, validLevels)
}
