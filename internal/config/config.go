// Package config loads the server configuration from an optional YAML file
// and CHAT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/redes-chat/chatserver/internal/presence"
)

const (
	DefaultListenAddr    = ":8080"
	DefaultMaxFrameBytes = 1 << 20
	DefaultSendQueueSize = 64
	DefaultHistoryLimit  = 50
	DefaultPresenceTTL   = presence.DefaultTTL

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// YamlConfig mirrors the configuration file.
type YamlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Log        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Protocol struct {
		UnknownTypes  string `yaml:"unknown_types"`
		MaxFrameBytes int    `yaml:"max_frame_bytes"`
		SendQueueSize int    `yaml:"send_queue_size"`
		HistoryLimit  int    `yaml:"history_limit"`
	} `yaml:"protocol"`
	Store struct {
		Driver      string `yaml:"driver"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"store"`
	Presence struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		TTL           string `yaml:"ttl"`
	} `yaml:"presence"`
	Auth struct {
		BcryptCost int `yaml:"bcrypt_cost"`
	} `yaml:"auth"`
}

type LogConfig struct {
	Level  string
	Format string // "console" or "json"
}

type ProtocolConfig struct {
	UnknownTypes  string // "ignore" or "error"
	MaxFrameBytes int
	SendQueueSize int
	HistoryLimit  int
}

type StoreConfig struct {
	Driver      string
	PostgresURL string
}

// PresenceConfig enables the Redis presence mirror when RedisAddr is set.
type PresenceConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

type AuthConfig struct {
	BcryptCost int
}

// Config is the validated configuration used by cmd/server.
type Config struct {
	ListenAddr string
	Log        LogConfig
	Protocol   ProtocolConfig
	Store      StoreConfig
	Presence   PresenceConfig
	Auth       AuthConfig
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string, logger zerolog.Logger) (*Config, error) {
	var yamlCfg YamlConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml config: %w", err)
		}
	}
	cfg, err := NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, err
	}
	return UpdateConfigWithEnvOverrides(cfg, logger)
}

// NewConfigFromYaml converts the file representation and fills defaults.
func NewConfigFromYaml(y *YamlConfig) (*Config, error) {
	cfg := &Config{
		ListenAddr: y.ListenAddr,
		Log:        LogConfig{Level: y.Log.Level, Format: y.Log.Format},
		Protocol: ProtocolConfig{
			UnknownTypes:  y.Protocol.UnknownTypes,
			MaxFrameBytes: y.Protocol.MaxFrameBytes,
			SendQueueSize: y.Protocol.SendQueueSize,
			HistoryLimit:  y.Protocol.HistoryLimit,
		},
		Store: StoreConfig{Driver: y.Store.Driver, PostgresURL: y.Store.PostgresURL},
		Presence: PresenceConfig{
			RedisAddr:     y.Presence.RedisAddr,
			RedisPassword: y.Presence.RedisPassword,
			RedisDB:       y.Presence.RedisDB,
		},
		Auth: AuthConfig{BcryptCost: y.Auth.BcryptCost},
	}
	if y.Presence.TTL != "" {
		ttl, err := time.ParseDuration(y.Presence.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid presence.ttl %q: %w", y.Presence.TTL, err)
		}
		cfg.Presence.TTL = ttl
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Protocol.UnknownTypes == "" {
		c.Protocol.UnknownTypes = "ignore"
	}
	if c.Protocol.MaxFrameBytes == 0 {
		c.Protocol.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Protocol.SendQueueSize == 0 {
		c.Protocol.SendQueueSize = DefaultSendQueueSize
	}
	if c.Protocol.HistoryLimit == 0 {
		c.Protocol.HistoryLimit = DefaultHistoryLimit
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = DefaultPresenceTTL
	}
}

// UpdateConfigWithEnvOverrides applies CHAT_* environment variables and
// validates the final configuration.
func UpdateConfigWithEnvOverrides(cfg *Config, logger zerolog.Logger) (*Config, error) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CHAT_LISTEN_ADDR", &cfg.ListenAddr},
		{"CHAT_LOG_LEVEL", &cfg.Log.Level},
		{"CHAT_LOG_FORMAT", &cfg.Log.Format},
		{"CHAT_STORE_DRIVER", &cfg.Store.Driver},
		{"CHAT_POSTGRES_URL", &cfg.Store.PostgresURL},
		{"CHAT_REDIS_ADDR", &cfg.Presence.RedisAddr},
		{"CHAT_UNKNOWN_TYPES", &cfg.Protocol.UnknownTypes},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			logger.Debug().Str("key", o.key).Str("source", "env").Msg("overriding config value")
			*o.dst = v
		}
	}
	if v := os.Getenv("CHAT_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_REDIS_DB %q: %w", v, err)
		}
		cfg.Presence.RedisDB = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a closed set of values or a range.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is not set")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want console or json", c.Log.Format)
	}
	switch c.Protocol.UnknownTypes {
	case "ignore", "error":
	default:
		return fmt.Errorf("invalid protocol.unknown_types %q: want ignore or error", c.Protocol.UnknownTypes)
	}
	if c.Protocol.MaxFrameBytes < 0 || c.Protocol.SendQueueSize < 0 || c.Protocol.HistoryLimit < 0 {
		return fmt.Errorf("protocol limits must not be negative")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store.driver %q: want %s or %s", c.Store.Driver, DriverMemory, DriverPostgres)
	}
	if c.Presence.TTL < time.Second {
		return fmt.Errorf("presence.ttl must be at least 1s")
	}
	if cost := c.Auth.BcryptCost; cost != 0 && (cost < bcrypt.MinCost || cost > bcrypt.MaxCost) {
		return fmt.Errorf("auth.bcrypt_cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}
