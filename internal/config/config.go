// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration.
type Config struct {
	Server  ServerConfig
	Session SessionConfig
	Stream  StreamConfig
	DB      DBConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	DefaultShell    string        `envconfig:"DEFAULT_SHELL" default:"/bin/bash"`
	MaxPerOwner     int           `envconfig:"MAX_SESSIONS_PER_OWNER" default:"10"`
	RetentionWindow time.Duration `envconfig:"RETENTION_WINDOW" default:"5m"`
	SpawnTimeout    time.Duration `envconfig:"SPAWN_TIMEOUT" default:"10s"`
	BufferSize      int           `envconfig:"RETENTION_BUFFER_SIZE" default:"262144"`
}

// StreamConfig holds transport configuration.
type StreamConfig struct {
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
}

// DBConfig holds session record store configuration.
type DBConfig struct {
	Path string `envconfig:"DB_PATH" default:"data/sessions.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
		},
		Session: SessionConfig{
			DefaultShell:    "/bin/bash",
			MaxPerOwner:     10,
			RetentionWindow: 5 * time.Minute,
			SpawnTimeout:    10 * time.Second,
			BufferSize:      256 * 1024,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
		},
		DB: DBConfig{
			Path: "data/sessions.db",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
