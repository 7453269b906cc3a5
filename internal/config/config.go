// Package config loads relay settings from an optional YAML file and
// RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RELAY_SERVER_PORT.
const EnvPrefix = "RELAY"

// Config is the full relay configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retention RetentionConfig `mapstructure:"retention"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // CORS allow-list, "*" for any
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"` // memory | sqlite
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	DefaultPollLimit int           `mapstructure:"default_poll_limit"`
	MaxPollLimit     int           `mapstructure:"max_poll_limit"`
	CompletedLimit   int           `mapstructure:"completed_limit"`
	ClaimTimeout     time.Duration `mapstructure:"claim_timeout"`
}

type RetentionConfig struct {
	CommandTTL          time.Duration `mapstructure:"command_ttl"`
	EvictionInterval    time.Duration `mapstructure:"eviction_interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	LivenessInterval    time.Duration `mapstructure:"liveness_interval"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type NotifyConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LogConfig controls logrus output and lumberjack rotation
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json | text
	Output     string `mapstructure:"output"` // stdout | file | both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Caller     bool   `mapstructure:"caller"`
}

// AgentConfig is read by cmd/agent only
type AgentConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	Name         string        `mapstructure:"name"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollLimit    int           `mapstructure:"poll_limit"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite.path", "relay.db")

	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.default_poll_limit", 10)
	v.SetDefault("queue.max_poll_limit", 100)
	v.SetDefault("queue.completed_limit", 50)
	v.SetDefault("queue.claim_timeout", 10*time.Minute)

	v.SetDefault("retention.command_ttl", 7*24*time.Hour)
	v.SetDefault("retention.eviction_interval", time.Hour)
	v.SetDefault("retention.inactivity_threshold", 5*time.Minute)
	v.SetDefault("retention.liveness_interval", 5*time.Minute)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", 15*time.Minute)

	v.SetDefault("notify.webhook.enabled", true)
	v.SetDefault("notify.webhook.timeout", 5*time.Second)
	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("notify.kafka.topic", "relay.commands")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/relay.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.caller", false)

	v.SetDefault("agent.server_url", "http://localhost:3000")
	v.SetDefault("agent.name", "relay-agent")
	v.SetDefault("agent.poll_interval", 5*time.Second)
	v.SetDefault("agent.poll_limit", 10)
	v.SetDefault("agent.timeout", 30*time.Second)
}

// Load reads configuration. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(c.Server.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("server.allowed_origins must list at least one origin (use \"*\" for any)"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.DefaultPollLimit < 1 || c.Queue.MaxPollLimit < c.Queue.DefaultPollLimit {
		errs = append(errs, errors.New("queue.default_poll_limit must be positive and not exceed queue.max_poll_limit"))
	}
	if c.Queue.CompletedLimit < 1 {
		errs = append(errs, errors.New("queue.completed_limit must be positive"))
	}
	if c.Queue.ClaimTimeout < 0 {
		errs = append(errs, errors.New("queue.claim_timeout must not be negative"))
	}
	if c.Retention.CommandTTL <= 0 || c.Retention.EvictionInterval <= 0 ||
		c.Retention.InactivityThreshold <= 0 || c.Retention.LivenessInterval <= 0 {
		errs = append(errs, errors.New("retention durations must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("ratelimit.requests and ratelimit.window must be positive"))
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		errs = append(errs, errors.New("notify.kafka needs brokers and a topic"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log.format %q", c.Log.Format))
	}
	switch c.Log.Output {
	case "stdout", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unsupported log.output %q", c.Log.Output))
	}

	return errors.Join(errs...)
}
