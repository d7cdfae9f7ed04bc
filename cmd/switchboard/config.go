package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config is the service configuration, read from the environment. A .env
// file in the working directory is loaded first when present.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Debug    bool   `env:"DEBUG"`

	// Redis backs the session store and, when Pulse is enabled, the
	// cross-instance event streams.
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Mongo backs the durable switch log. Leaving MONGO_URI empty keeps the
	// log in memory (single-instance deployments, local development).
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"switchboard"`

	// SwitchCooldown enforces a minimum gap between switches on one call.
	// Zero disables the policy.
	SwitchCooldown time.Duration `env:"SWITCH_COOLDOWN"`

	// PulseEnabled mirrors call events onto Redis streams so dashboards
	// connected to other instances receive them.
	PulseEnabled bool `env:"PULSE_ENABLED"`
	StreamMaxLen int  `env:"STREAM_MAX_LEN" envDefault:"1024"`
}

func loadConfig() (*Config, error) {
	// Missing .env is fine; the environment may be fully set by the deploy.
	_ = godotenv.Load()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
