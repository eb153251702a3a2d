// Package config loads the gateway configuration from YAML with
// environment-variable overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Messaging MessagingConfig `yaml:"messaging"`
}

type ServerConfig struct {
	Port   string `yaml:"port"`
	Env    string `yaml:"env"` // development | production
	APIKey string `yaml:"api_key"`
}

// Development reports whether webhook URL restrictions are relaxed.
func (s ServerConfig) Development() bool {
	return s.Env != "production"
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BalancerConfig struct {
	RotationTTLHours int `yaml:"rotation_ttl_hours"`
}

// MessagingConfig points at the backend session-worker API that actually
// performs sends.
type MessagingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Load reads the YAML file at path (missing file yields defaults) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Balancer: BalancerConfig{RotationTTLHours: 24},
	}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "SERVER_PORT")
	setString(&c.Server.Env, "SERVER_ENV")
	setString(&c.Server.APIKey, "API_KEY")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setInt(&c.Balancer.RotationTTLHours, "ROTATION_TTL_HOURS")
	setString(&c.Messaging.BaseURL, "MESSAGING_BASE_URL")
	setString(&c.Messaging.APIKey, "MESSAGING_API_KEY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
