// Package config provides configuration management for the edge sync node.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Config holds all configuration for an edge node
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Central   CentralConfig   `mapstructure:"central" yaml:"central"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Gossip    GossipConfig    `mapstructure:"gossip" yaml:"gossip"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the operator HTTP API configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id" yaml:"node_id"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// CentralConfig describes the central system this node replicates to
type CentralConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	EstablishmentID string        `mapstructure:"establishment_id" yaml:"establishment_id"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// SyncConfig holds replication engine settings
type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RetentionDays   int           `mapstructure:"retention_days" yaml:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// CacheConfig holds offline cache settings
type CacheConfig struct {
	MaxSize         int           `mapstructure:"max_size" yaml:"max_size"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	ReplayWorkers   int           `mapstructure:"replay_workers" yaml:"replay_workers"`
	ReplayBatchSize int           `mapstructure:"replay_batch_size" yaml:"replay_batch_size"`
}

// SecurityConfig holds the pre-shared secrets of the envelope protocol
type SecurityConfig struct {
	TokenSecret       string        `mapstructure:"token_secret" yaml:"token_secret"`
	LocalSystemSecret string        `mapstructure:"local_system_secret" yaml:"local_system_secret"`
	CentralSecret     string        `mapstructure:"central_secret" yaml:"central_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	MaxPackageAge     time.Duration `mapstructure:"max_package_age" yaml:"max_package_age"`
	MaxClockSkew      time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`
	MinNonceBytes     int           `mapstructure:"min_nonce_bytes" yaml:"min_nonce_bytes"`
}

// StorageConfig holds the local SQLite store location
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig represents the clinic's primary PostgreSQL database
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Database        string        `mapstructure:"database" yaml:"database"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections" yaml:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig represents the central receiver's idempotency store
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// GossipConfig configures LAN presence between edge nodes of one establishment
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr" yaml:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port" yaml:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes" yaml:"seed_nodes"`
	UpdateInterval time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
}

// RateLimitConfig holds operator API rate limiting
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HealthConfig holds the gRPC health server settings
type HealthConfig struct {
	GRPCPort      int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from file and EDGESYNC_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("edgesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/edgesync/")
	}

	v.SetEnvPrefix("EDGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "edge-1")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("central.url", "http://localhost:9000")
	v.SetDefault("central.api_key", "")
	v.SetDefault("central.establishment_id", "")
	v.SetDefault("central.timeout", "30s")
	v.SetDefault("central.probe_timeout", "5s")

	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_delay", "30s")
	v.SetDefault("sync.retention_days", 30)
	v.SetDefault("sync.cleanup_interval", "24h")

	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.probe_interval", "30s")
	v.SetDefault("cache.cleanup_interval", "1h")
	v.SetDefault("cache.replay_workers", 4)
	v.SetDefault("cache.replay_batch_size", 100)

	v.SetDefault("security.token_secret", "")
	v.SetDefault("security.local_system_secret", "")
	v.SetDefault("security.central_secret", "")
	v.SetDefault("security.token_ttl", "1h")
	v.SetDefault("security.max_package_age", "5m")
	v.SetDefault("security.max_clock_skew", "30s")
	v.SetDefault("security.min_nonce_bytes", 16)

	v.SetDefault("storage.path", "data/edgesync.db")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "clinic")
	v.SetDefault("database.user", "clinic")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.ttl", "720h")

	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.bind_addr", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.seed_nodes", []string{})
	v.SetDefault("gossip.update_interval", "15s")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.burst_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("health.grpc_port", 8081)
	v.SetDefault("health.check_interval", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	u, err := url.Parse(c.Central.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("central.url must be an absolute http(s) URL: %q", c.Central.URL)
	}
	if c.Central.EstablishmentID == "" {
		return fmt.Errorf("central.establishment_id is required")
	}
	if c.Central.Timeout <= 0 || c.Central.ProbeTimeout <= 0 {
		return fmt.Errorf("central timeouts must be positive")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.Sync.RetryDelay < 0 {
		return fmt.Errorf("sync.retry_delay cannot be negative")
	}
	if c.Sync.RetentionDays <= 0 {
		return fmt.Errorf("sync.retention_days must be positive")
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Cache.ProbeInterval <= 0 {
		return fmt.Errorf("cache.probe_interval must be positive")
	}

	if c.Security.TokenSecret == "" || c.Security.LocalSystemSecret == "" || c.Security.CentralSecret == "" {
		return fmt.Errorf("security.token_secret, security.local_system_secret and security.central_secret are required")
	}
	if c.Security.TokenTTL <= 0 || c.Security.MaxPackageAge <= 0 {
		return fmt.Errorf("security token ttl and max package age must be positive")
	}
	if c.Security.MinNonceBytes < 16 {
		return fmt.Errorf("security.min_nonce_bytes must be at least 16, got %d", c.Security.MinNonceBytes)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Database.Enabled && (c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "") {
		return fmt.Errorf("database.host, database.database and database.user are required when the database is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

// Redacted returns a copy with every secret masked
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Central.APIKey = mask(c.Central.APIKey)
	out.Security.TokenSecret = mask(c.Security.TokenSecret)
	out.Security.LocalSystemSecret = mask(c.Security.LocalSystemSecret)
	out.Security.CentralSecret = mask(c.Security.CentralSecret)
	out.Database.Password = mask(c.Database.Password)
	out.Redis.Password = mask(c.Redis.Password)
	return &out
}

// YAML renders the configuration with secrets redacted
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}

// ListenAddr returns the operator API listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
