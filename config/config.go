package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cobra-client-platform/internal/admin"
	"github.com/cobra-client-platform/internal/database"
	"github.com/cobra-client-platform/internal/models"
	"github.com/cobra-client-platform/internal/observability"
	"github.com/cobra-client-platform/internal/tracing"
)

const (
	// EnvPrefix prefixes every environment variable read by Load
	EnvPrefix = "COBRA_"

	// FileEnv names the variable holding the optional YAML file path
	FileEnv = EnvPrefix + "CONFIG"
)

// Config holds the application configuration
type Config struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" envDefault:"ws://localhost:8080"`
	AppKey   string `yaml:"appkey" env:"APPKEY"`

	// RoleName and RoleSecret authenticate the main connection
	RoleName   string `yaml:"role_name" env:"ROLE_NAME"`
	RoleSecret string `yaml:"role_secret" env:"ROLE_SECRET"`

	// PublisherRoleName and PublisherRoleSecret authenticate the second
	// connection used to republish; the main role is used when empty.
	PublisherRoleName   string `yaml:"publisher_role_name" env:"PUBLISHER_ROLE_NAME"`
	PublisherRoleSecret string `yaml:"publisher_role_secret" env:"PUBLISHER_ROLE_SECRET"`

	TLS models.TLSOptions `yaml:"tls" envPrefix:"TLS_"`

	Bot      BotConfig               `yaml:"bot" envPrefix:"BOT_"`
	Log      observability.LogConfig `yaml:"log" envPrefix:"LOG_"`
	Admin    admin.Config            `yaml:"admin" envPrefix:"ADMIN_"`
	Tracing  tracing.Config          `yaml:"tracing" envPrefix:"TRACING_"`
	Database DatabaseConfig          `yaml:"database" envPrefix:"DB_"`
	NATS     NATSConfig              `yaml:"nats" envPrefix:"NATS_"`
	Statsd   StatsdConfig            `yaml:"statsd" envPrefix:"STATSD_"`
	Sentry   SentryConfig            `yaml:"sentry" envPrefix:"SENTRY_"`
}

// BotConfig holds the subscription defaults shared by every bot command
type BotConfig struct {
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	MaxEventsPerMinute int           `yaml:"max_events_per_minute" env:"MAX_EVENTS_PER_MINUTE" envDefault:"1000"`
	BatchSize          int           `yaml:"batch_size" env:"BATCH_SIZE" envDefault:"1"`
}

// DatabaseConfig holds the position store settings. Positions are kept in
// memory unless Enabled is set.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Host            string        `yaml:"host" env:"HOST" envDefault:"localhost"`
	Port            int           `yaml:"port" env:"PORT" envDefault:"5432"`
	User            string        `yaml:"user" env:"USER" envDefault:"cobra"`
	Password        string        `yaml:"password" env:"PASSWORD" envDefault:"cobra"`
	Database        string        `yaml:"name" env:"NAME" envDefault:"cobra"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" envDefault:"4"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" envDefault:"1h"`
}

// NATSConfig holds the kv sink connection settings
type NATSConfig struct {
	URL    string `yaml:"url" env:"URL" envDefault:"nats://localhost:4222"`
	Bucket string `yaml:"bucket" env:"BUCKET" envDefault:"cobra-counters"`
}

// StatsdConfig holds the metrics collector address
type StatsdConfig struct {
	Host   string `yaml:"host" env:"HOST" envDefault:"localhost"`
	Port   int    `yaml:"port" env:"PORT" envDefault:"8125"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// SentryConfig holds the error tracker settings
type SentryConfig struct {
	DSN         string `yaml:"dsn" env:"DSN"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" envDefault:"production"`
}

// Load reads defaults and COBRA_* environment variables, then overlays the
// YAML file named by COBRA_CONFIG when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit YAML path; an empty path skips the file
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Connection returns the settings of the main connection
func (c *Config) Connection() models.ConnectionConfig {
	return models.ConnectionConfig{
		Endpoint:   c.Endpoint,
		AppKey:     c.AppKey,
		RoleName:   c.RoleName,
		RoleSecret: c.RoleSecret,
		TLS:        c.TLS,
	}
}

// PublisherConnection returns the settings of the republishing connection
func (c *Config) PublisherConnection() models.ConnectionConfig {
	conn := c.Connection()
	if c.PublisherRoleName != "" {
		conn = conn.WithRole(c.PublisherRoleName, c.PublisherRoleSecret)
	}
	return conn
}

// DatabaseConnection returns the position store pool settings
func (c *Config) DatabaseConnection() *database.ConnectionConfig {
	cfg := database.DefaultConnectionConfig()
	cfg.Host = c.Database.Host
	cfg.Port = c.Database.Port
	cfg.User = c.Database.User
	cfg.Password = c.Database.Password
	cfg.Database = c.Database.Database
	cfg.SSLMode = c.Database.SSLMode
	cfg.MaxOpenConns = c.Database.MaxOpenConns
	cfg.MaxIdleConns = min(cfg.MaxIdleConns, c.Database.MaxOpenConns)
	cfg.ConnMaxLifetime = c.Database.ConnMaxLifetime
	return cfg
}
