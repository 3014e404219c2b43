// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything cmd/api needs to wire the service.
type Config struct {
	DatabaseURL      string
	HTTPAddr         string
	JWTSecret        string
	GatewayBaseURL   string
	GatewaySecretKey string
	EventWebhookURL  string
	SweepInterval    time.Duration
	RelayInterval    time.Duration
	LogLevel         string
}

// Load reads the .env file if present, then the environment. Missing
// required values fail fast so a misconfigured deploy never serves traffic.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		GatewayBaseURL:   os.Getenv("GATEWAY_BASE_URL"),
		GatewaySecretKey: os.Getenv("GATEWAY_SECRET_KEY"),
		EventWebhookURL:  os.Getenv("EVENT_WEBHOOK_URL"),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SweepInterval, err = durationDefault("SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RelayInterval, err = durationDefault("RELAY_INTERVAL", 2*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.GatewayBaseURL == "" {
		return Config{}, fmt.Errorf("config: GATEWAY_BASE_URL is required")
	}
	if cfg.GatewaySecretKey == "" {
		return Config{}, fmt.Errorf("config: GATEWAY_SECRET_KEY is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}
