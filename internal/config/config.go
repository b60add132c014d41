// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration for the threat
// graph service.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres" yaml:"postgres"`
	Aggregator AggregatorConfig `mapstructure:"aggregator" yaml:"aggregator"`
	Pathfinder PathfinderConfig `mapstructure:"pathfinder" yaml:"pathfinder"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls the zap logger: output format, level, and the
// optional rotated file sink.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// RedisConfig points at the shared cache that holds the rendered graph
// documents, the aggregator lease, the topology snapshots, and the
// findings intake queue.
type RedisConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	DocumentTTL    time.Duration `mapstructure:"document_ttl" yaml:"document_ttl"`
	FindingsQueue  string        `mapstructure:"findings_queue" yaml:"findings_queue"`
}

// PostgresConfig configures the optional durable graph store backend.
// When Enabled is false the service runs on the in-memory store only.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// AggregatorConfig tunes the rollup batch job.
type AggregatorConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	// PropagationPasses bounds the additive rollup propagation. One
	// pass reproduces the single-hop semantics; raise it to the deepest
	// expected containment chain for multi-level rollups.
	PropagationPasses int `mapstructure:"propagation_passes" yaml:"propagation_passes"`
}

// PathfinderConfig tunes the attack-path search.
type PathfinderConfig struct {
	TopN int `mapstructure:"top_n" yaml:"top_n"`
}

// ServerConfig configures the read-only HTTP serving layer.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults initializes default values for all configuration
// parameters on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "threatgraph")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Redis --
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.connect_timeout", "5s")
	v.SetDefault("redis.read_timeout", "30s")
	v.SetDefault("redis.write_timeout", "5s")
	v.SetDefault("redis.document_ttl", "30m")
	v.SetDefault("redis.findings_queue", "threatgraph:findings")

	// -- Postgres --
	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "") // Set via THREATGRAPH_POSTGRES_PASSWORD.
	v.SetDefault("postgres.dbname", "threatgraph")
	v.SetDefault("postgres.sslmode", "disable")

	// -- Aggregator --
	v.SetDefault("aggregator.interval", "5m")
	v.SetDefault("aggregator.lease_ttl", "4m")
	v.SetDefault("aggregator.propagation_passes", 1)

	// -- Pathfinder --
	v.SetDefault("pathfinder.top_n", 5)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8084")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewDefaultConfig creates a configuration populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper
// object, applying validation.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("postgres.password", "THREATGRAPH_POSTGRES_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and applies floor values so a
// sparse config file cannot disable safety bounds.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url must be set")
	}
	if c.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be positive")
	}
	if c.Aggregator.LeaseTTL <= 0 || c.Aggregator.LeaseTTL >= c.Aggregator.Interval*2 {
		return fmt.Errorf("aggregator.lease_ttl must be positive and shorter than two intervals")
	}
	if c.Aggregator.PropagationPasses < 1 {
		c.Aggregator.PropagationPasses = 1
	}
	if c.Pathfinder.TopN < 1 {
		c.Pathfinder.TopN = 5
	}
	if c.Redis.DocumentTTL <= 0 {
		return fmt.Errorf("redis.document_ttl must be positive")
	}
	if c.Postgres.Enabled && c.Postgres.Host == "" {
		return fmt.Errorf("postgres.host must be set when postgres is enabled")
	}
	return nil
}
