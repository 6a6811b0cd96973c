package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Lock       LockConfig       `yaml:"lock"`
	Audit      AuditConfig      `yaml:"audit"`
	Linkage    LinkageConfig    `yaml:"linkage"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LockConfig struct {
	// Backend is "local" or "redis".
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type AuditConfig struct {
	Log   bool        `yaml:"log"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

type LinkageConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, then applies defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Audit: AuditConfig{Log: true}, Prometheus: PrometheusConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Audit: AuditConfig{Log: true}, Prometheus: PrometheusConfig{Enabled: true}}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "tplsync.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = 10 * time.Second
	}
	if cfg.Lock.Redis.TTL == 0 {
		cfg.Lock.Redis.TTL = 30 * time.Second
	}
	if cfg.Lock.Redis.RetryInterval == 0 {
		cfg.Lock.Redis.RetryInterval = 50 * time.Millisecond
	}

	if cfg.Audit.Kafka.Topic == "" {
		cfg.Audit.Kafka.Topic = "tplsync.audit"
	}

	if cfg.Linkage.MaxDepth == 0 {
		cfg.Linkage.MaxDepth = 32
	}

	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	switch cfg.Lock.Backend {
	case "local":
	case "redis":
		if cfg.Lock.Redis.Addr == "" {
			return fmt.Errorf("lock.redis.addr is required when lock.backend is redis")
		}
	default:
		return fmt.Errorf("lock.backend must be local or redis")
	}
	if cfg.Lock.Timeout < 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	if cfg.Audit.Kafka.Enabled && strings.TrimSpace(cfg.Audit.Kafka.Brokers) == "" {
		return fmt.Errorf("audit.kafka.brokers is required when kafka is enabled")
	}
	if cfg.Linkage.MaxDepth < 1 {
		return fmt.Errorf("linkage.max_depth must be at least 1")
	}
	if !strings.HasPrefix(cfg.Prometheus.MetricsPath, "/") {
		return fmt.Errorf("prometheus.metrics_path must start with /")
	}
	return nil
}
