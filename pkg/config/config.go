// Package config loads server configuration from molforge.yaml and
// MOLFORGE_* environment variables, environment winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/log"
)

// Config is the full server configuration
type Config struct {
	Listen    string        `mapstructure:"listen"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	LogLevel  string        `mapstructure:"log_level"`
	LogJSON   bool          `mapstructure:"log_json"`
	Database  db.Config     `mapstructure:"database"`
	Services  ServiceConfig `mapstructure:"services"`
	Managers  ManagerConfig `mapstructure:"managers"`
}

// ServiceConfig tunes the service iterator
type ServiceConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// ManagerConfig tunes worker liveness
type ManagerConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMaxMissed int           `mapstructure:"heartbeat_max_missed"`
}

// Load reads configuration from the given file (or the default search
// path when empty) and the environment
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("molforge")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/molforge")
	}

	v.SetEnvPrefix("MOLFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "molforge")
	v.SetDefault("database.database", "molforge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("services.limit", 20)
	v.SetDefault("services.interval", 5*time.Second)
	v.SetDefault("managers.heartbeat_interval", 30*time.Second)
	v.SetDefault("managers.heartbeat_max_missed", 3)

	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults plus environment
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret must be set")
	}
	return &cfg, nil
}

// LogConfig converts the logging fields for the logger package
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}
