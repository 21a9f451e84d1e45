package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" default:"development"`
	Port     string `env:"PORT" default:"8080"`
	RedisURL string `env:"REDIS_URL" default:"redis://localhost:6379"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// MaxConnections caps concurrent WebSocket connections on this instance.
	MaxConnections int `env:"MAX_CONNECTIONS" default:"10000"`

	// HeartbeatTimeout is how long a connection may go without a ping
	// before the sweeper removes it.
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" default:"60s"`

	// SweepInterval is the cadence of the dead-connection sweep.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" default:"30s"`

	// ChannelPrefix namespaces relay traffic on the shared Redis so it
	// cannot collide with unrelated pub/sub channels.
	ChannelPrefix string `env:"CHANNEL_PREFIX" default:"realtime:"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %s", cfg.HeartbeatTimeout)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if !strings.HasSuffix(cfg.ChannelPrefix, ":") {
		return fmt.Errorf("CHANNEL_PREFIX must end with ':', got %q", cfg.ChannelPrefix)
	}
	return nil
}
