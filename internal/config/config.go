// Package config loads service configuration.
//
// Values come from config.yaml (optional), then WATHROTTLE_* environment
// variables, then defaults. Nested keys map to env names with "." replaced
// by "_": throttle.bucket_backend → WATHROTTLE_THROTTLE_BUCKET_BACKEND.
//
// The domain catalog (tiers, warm-up profiles, risk factors, abuse rules) is
// not part of this file; it lives in the catalog YAML named by catalog.path.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "WATHROTTLE"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type WorkerConfig struct {
	PoolSize  int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
}

type ThrottleConfig struct {
	BucketBackend    string        `mapstructure:"bucket_backend"` // memory or redis
	CampaignFailOpen bool          `mapstructure:"campaign_fail_open"`
	ViolationWindow  time.Duration `mapstructure:"violation_window"`
	RestrictionTTL   time.Duration `mapstructure:"restriction_cache_ttl"`
	AssignmentTTL    time.Duration `mapstructure:"assignment_cache_ttl"`
	SenderTTL        time.Duration `mapstructure:"sender_cache_ttl"`
	Timezone         string        `mapstructure:"timezone"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// Location for daily quota windows
func (t ThrottleConfig) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("throttle.timezone: %w", err)
	}
	return loc, nil
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	Path  string `mapstructure:"path"` // empty uses the built-in catalog
	Watch bool   `mapstructure:"watch"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	JWTExpiryHours int    `mapstructure:"jwt_expiry_hours"`
	// first operator, created when the operators table is empty
	BootstrapEmail    string `mapstructure:"bootstrap_email"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

// Reads configuration. An empty path searches ./config.yaml and ./config/.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Throttle.BucketBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("throttle.bucket_backend must be memory or redis, got %q", c.Throttle.BucketBackend)
	}
	if c.Throttle.BucketBackend == "redis" && !c.Redis.Enabled {
		return errors.New("throttle.bucket_backend redis requires redis.enabled")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must not be empty")
	}
	if _, err := c.Throttle.Location(); err != nil {
		return err
	}
	if c.Server.Environment == "production" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:wathrottle.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "wathrottle")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker pool
	v.SetDefault("worker.pool_size", 64)
	v.SetDefault("worker.queue_size", 4096)

	// Throttle
	v.SetDefault("throttle.bucket_backend", "memory")
	v.SetDefault("throttle.campaign_fail_open", false)
	v.SetDefault("throttle.violation_window", "1h")
	v.SetDefault("throttle.restriction_cache_ttl", "30s")
	v.SetDefault("throttle.assignment_cache_ttl", "1m")
	v.SetDefault("throttle.sender_cache_ttl", "5s")
	v.SetDefault("throttle.timezone", "UTC")
	v.SetDefault("throttle.breaker_failures", 5)
	v.SetDefault("throttle.breaker_timeout", "30s")

	// Sweeper
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("sweeper.timeout", "0s")

	// Catalog
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.watch", true)

	// Auth
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry_hours", 12)
	v.SetDefault("auth.bootstrap_email", "")
	v.SetDefault("auth.bootstrap_password", "")
}
