// Package config loads execd configuration from file and environment.
// Precedence is environment over config file over defaults, so deployments
// override individual keys without templating the whole file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the execution daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the storage backend. Driver is "postgres" in
// production; "sqlite" exists for local development and CI.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the optional order read cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the optional status event stream.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// VenueConfig configures the upstream execution venue client.
type VenueConfig struct {
	Name           string        `mapstructure:"name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Mock swaps the REST client for the in-process mock venue. Local
	// development only.
	Mock bool `mapstructure:"mock"`
}

// ExecutorConfig mirrors the execution retry policy.
type ExecutorConfig struct {
	MaxRetries      int             `mapstructure:"max_retries"`
	Backoff         []time.Duration `mapstructure:"backoff"`
	FatalErrorCodes []string        `mapstructure:"fatal_error_codes"`
	VenueTimeout    time.Duration   `mapstructure:"venue_timeout"`
}

// ServiceConfig bounds the asynchronous execution pool.
type ServiceConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	SubmitQueueTimeout      time.Duration `mapstructure:"submit_queue_timeout"`
}

// LogConfig sets logging verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the given file (optional), the working
// directory, and EXECD_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("EXECD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if !c.Venue.Mock && c.Venue.BaseURL == "" {
		return fmt.Errorf("venue base_url is required unless venue.mock is set")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor max_retries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:execd.db?cache=shared")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "order-status")

	v.SetDefault("venue.name", "primary")
	v.SetDefault("venue.request_timeout", 5*time.Second)
	// Defaults describe a local development setup; production supplies a
	// real venue endpoint and flips mock off.
	v.SetDefault("venue.mock", true)

	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.backoff", []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second})
	v.SetDefault("executor.fatal_error_codes", []string{
		"INVALID_SYMBOL", "AUTH_FAILED", "INSUFFICIENT_FUNDS", "ACCOUNT_SUSPENDED",
	})
	v.SetDefault("executor.venue_timeout", 5*time.Second)

	v.SetDefault("service.max_concurrent_executions", 64)
	v.SetDefault("service.submit_queue_timeout", 2*time.Second)

	v.SetDefault("log.level", "info")
}
