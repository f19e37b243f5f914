// Package config handles configuration loading and validation for the
// feedroom command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kabili207/feedroom/device/room"
	"github.com/kabili207/feedroom/transport/cache"
)

// Store backends.
const (
	StoreMQTT   = "mqtt"
	StoreMemory = "memory"
)

// Config holds the application configuration.
type Config struct {
	Room        string        `yaml:"room"`
	Username    string        `yaml:"username"`
	Key         string        `yaml:"key"` // hex secp256k1 private key
	Stamp       string        `yaml:"stamp"`
	Overwrite   string        `yaml:"overwrite"`
	HistorySize int           `yaml:"history_size"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Store       StoreConfig   `yaml:"store"`
	Polling     PollingConfig `yaml:"polling"`
	Eviction    EvictConfig   `yaml:"eviction"`
}

// StoreConfig selects and configures the storage network.
type StoreConfig struct {
	Kind        string `yaml:"kind"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	CacheSize   int    `yaml:"cache_size"`
}

// PollingConfig holds the loop intervals and read limits.
type PollingConfig struct {
	Users            time.Duration `yaml:"users"`
	Messages         time.Duration `yaml:"messages"`
	Sweep            time.Duration `yaml:"sweep"`
	MaxParallelReads int           `yaml:"max_parallel_reads"`
}

// EvictConfig holds the idle eviction thresholds.
type EvictConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxReadFailures int           `yaml:"max_read_failures"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Overwrite:   room.OverwriteReplace.String(),
		HistorySize: 300,
		LogLevel:    "info",
		Store: StoreConfig{
			Kind:        StoreMQTT,
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "feedroom",
			CacheSize:   cache.DefaultSize,
		},
		Polling: PollingConfig{
			Users:            room.DefaultUsersInterval,
			Messages:         room.DefaultMessagesInterval,
			Sweep:            room.DefaultSweepInterval,
			MaxParallelReads: room.DefaultMaxParallelReads,
		},
		Eviction: EvictConfig{
			IdleTimeout:     5 * time.Minute,
			MaxReadFailures: 10,
		},
	}
}

// Load reads configuration from path. A missing or empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Overwrite == "" {
		c.Overwrite = d.Overwrite
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Store.Kind == "" {
		c.Store.Kind = d.Store.Kind
	}
	if c.Store.TopicPrefix == "" {
		c.Store.TopicPrefix = d.Store.TopicPrefix
	}
	if c.Store.CacheSize == 0 {
		c.Store.CacheSize = d.Store.CacheSize
	}
	if c.Polling.Users == 0 {
		c.Polling.Users = d.Polling.Users
	}
	if c.Polling.Messages == 0 {
		c.Polling.Messages = d.Polling.Messages
	}
	if c.Polling.Sweep == 0 {
		c.Polling.Sweep = d.Polling.Sweep
	}
	if c.Polling.MaxParallelReads == 0 {
		c.Polling.MaxParallelReads = d.Polling.MaxParallelReads
	}
	if c.Eviction.IdleTimeout == 0 {
		c.Eviction.IdleTimeout = d.Eviction.IdleTimeout
	}
	if c.Eviction.MaxReadFailures == 0 {
		c.Eviction.MaxReadFailures = d.Eviction.MaxReadFailures
	}
}

// Validate checks that the configuration is valid. Call it after flag
// overrides have been applied.
func (c *Config) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("room cannot be empty")
	}
	if _, err := room.ParseOverwritePolicy(c.Overwrite); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreMQTT:
		if c.Store.Broker == "" {
			return fmt.Errorf("store.broker cannot be empty for the mqtt store")
		}
	default:
		return fmt.Errorf("store.kind %q is not one of %s, %s", c.Store.Kind, StoreMQTT, StoreMemory)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1")
	}
	if c.Store.CacheSize < 1 {
		return fmt.Errorf("store.cache_size must be at least 1")
	}
	if c.Polling.Users < 0 || c.Polling.Messages < 0 || c.Polling.Sweep < 0 {
		return fmt.Errorf("polling intervals cannot be negative")
	}
	if c.Polling.MaxParallelReads < 1 {
		return fmt.Errorf("polling.max_parallel_reads must be at least 1")
	}
	if c.Eviction.IdleTimeout <= 0 {
		return fmt.Errorf("eviction.idle_timeout must be positive")
	}
	if c.Eviction.MaxReadFailures < 1 {
		return fmt.Errorf("eviction.max_read_failures must be at least 1")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// OverwritePolicy returns the parsed overwrite policy. Validate first.
func (c *Config) OverwritePolicy() room.OverwritePolicy {
	p, _ := room.ParseOverwritePolicy(c.Overwrite)
	return p
}
