package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Directory DirectoryConfig `yaml:"directory"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// DirectoryConfig bounds the directory cache bootstrap retries.
type DirectoryConfig struct {
	BootstrapAttempts    int `yaml:"bootstrap_attempts"`
	BootstrapBaseDelayMS int `yaml:"bootstrap_base_delay_ms"`
}

// BaseDelay returns the backoff base as a duration.
func (d DirectoryConfig) BaseDelay() time.Duration {
	return time.Duration(d.BootstrapBaseDelayMS) * time.Millisecond
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override passwords from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if cfg.Directory.BootstrapAttempts == 0 {
		cfg.Directory.BootstrapAttempts = 5
	}
	if cfg.Directory.BootstrapBaseDelayMS == 0 {
		cfg.Directory.BootstrapBaseDelayMS = 500
	}
	return &cfg, nil
}
