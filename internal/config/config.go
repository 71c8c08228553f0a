// Package config loads the gateway configuration from YAML files and
// REALALGO_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Log         LogConfig      `mapstructure:"log"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Session     SessionConfig  `mapstructure:"session"`
	MarketData  MarketConfig   `mapstructure:"marketdata"`
	Brokers     map[string]BrokerConfig `mapstructure:"brokers"`
	Accounts    []AccountConfig `mapstructure:"accounts"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig controls the HTTP/WS listener.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the store backend. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig controls the optional tick egress channel.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaConfig controls the optional order-event journal.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// SessionConfig sets the daily broker-session cutoff.
type SessionConfig struct {
	// CutoffTime is the wall-clock time (HH:MM) in Timezone at which every
	// broker session expires, matching the brokers' daily token reset.
	CutoffTime string `mapstructure:"cutoff_time"`
	Timezone   string `mapstructure:"timezone"`
}

// MarketConfig tunes the streaming path.
type MarketConfig struct {
	// FeedAccount is the account whose broker session feeds market data.
	FeedAccount          string        `mapstructure:"feed_account"`
	SubscriberQueueSize  int           `mapstructure:"subscriber_queue_size"`
	TeardownLinger       time.Duration `mapstructure:"teardown_linger"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// BrokerConfig carries per-broker endpoints.
type BrokerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// AccountConfig links one trading account to a broker and its credentials.
// Secrets may be given inline or via the REALALGO_* environment (viper
// overrides nested keys with underscores).
type AccountConfig struct {
	AccountID   string            `mapstructure:"account_id"`
	Broker      string            `mapstructure:"broker"`
	APIKey      string            `mapstructure:"api_key"`
	APISecret   string            `mapstructure:"api_secret"`
	ClientID    string            `mapstructure:"client_id"`
	Password    string            `mapstructure:"password"`
	AccessToken string            `mapstructure:"access_token"`
	Extra       map[string]string `mapstructure:"extra"`
}

// LoadConfig reads configuration from the given path, or from the default
// search paths when path is empty, merging REALALGO_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("REALALGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/realalgo")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file is fine: defaults plus environment.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "realalgo.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.channel_prefix", "ticks")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "orders.events")
	v.SetDefault("session.cutoff_time", "03:00")
	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("marketdata.subscriber_queue_size", 256)
	v.SetDefault("marketdata.teardown_linger", 2*time.Second)
	v.SetDefault("marketdata.max_reconnect_attempts", 5)
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if _, err := parseCutoff(c.Session.CutoffTime); err != nil {
		return fmt.Errorf("config: session.cutoff_time: %w", err)
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("config: session.timezone: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	seen := map[string]struct{}{}
	for i, a := range c.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("config: accounts[%d]: account_id is required", i)
		}
		if a.Broker == "" {
			return fmt.Errorf("config: accounts[%d]: broker is required", i)
		}
		if _, dup := seen[a.AccountID]; dup {
			return fmt.Errorf("config: duplicate account_id %q", a.AccountID)
		}
		seen[a.AccountID] = struct{}{}
	}
	if c.MarketData.FeedAccount != "" {
		if _, ok := seen[c.MarketData.FeedAccount]; !ok {
			return fmt.Errorf("config: marketdata.feed_account %q is not a configured account", c.MarketData.FeedAccount)
		}
	}
	return nil
}

// CutoffLocation returns the configured session timezone.
func (c *Config) CutoffLocation() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextCutoff returns the first session cutoff instant strictly after now.
func (c *Config) NextCutoff(now time.Time) time.Time {
	hh, _ := parseCutoff(c.Session.CutoffTime)
	loc := c.CutoffLocation()
	local := now.In(loc)
	cut := time.Date(local.Year(), local.Month(), local.Day(), hh.hour, hh.minute, 0, 0, loc)
	if !cut.After(now) {
		cut = cut.AddDate(0, 0, 1)
	}
	return cut
}

type hourMinute struct {
	hour, minute int
}

func parseCutoff(s string) (hourMinute, error) {
	var hm hourMinute
	if _, err := fmt.Sscanf(s, "%d:%d", &hm.hour, &hm.minute); err != nil {
		return hm, fmt.Errorf("want HH:MM, got %q", s)
	}
	if hm.hour < 0 || hm.hour > 23 || hm.minute < 0 || hm.minute > 59 {
		return hm, fmt.Errorf("out of range: %q", s)
	}
	return hm, nil
}

// FromEnvOrDefault is a small helper for bootstrap values read before the
// config file is parsed (the log level, the config path itself).
func FromEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
