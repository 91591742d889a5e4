package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat companion service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	RevealTickInterval time.Duration

	ProviderMode    string
	ProviderHTTPURL string
	ProviderAPIKey  string
	ProviderModel   string
	ProviderTimeout time.Duration

	CreatorName       string
	BotName           string
	SystemInstruction string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "lumen"),
		AllowAnyOrigin:   false,
		ProviderMode:     envOrDefault("PROVIDER_MODE", "auto"),
		ProviderHTTPURL:  trimmedEnv("PROVIDER_HTTP_URL"),
		ProviderAPIKey:   trimmedEnv("PROVIDER_API_KEY"),
		ProviderModel:    envOrDefault("PROVIDER_MODEL", "gemini-2.0-flash"),
		CreatorName:      envOrDefault("APP_CREATOR_NAME", "Andrea"),
		BotName:          envOrDefault("APP_BOT_NAME", "Lumen"),
		SystemInstruction: envOrDefault("APP_SYSTEM_INSTRUCTION",
			"You are a friendly, concise chat companion. Answer plainly and keep replies short unless asked for detail."),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		RevealTickInterval:       70 * time.Millisecond,
		ProviderTimeout:          60 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RevealTickInterval, err = durationFromEnv("APP_REVEAL_TICK_INTERVAL", cfg.RevealTickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderTimeout, err = durationFromEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.RevealTickInterval < time.Millisecond {
		return Config{}, fmt.Errorf("APP_REVEAL_TICK_INTERVAL must be at least 1ms")
	}
	if cfg.ProviderTimeout < time.Second {
		return Config{}, fmt.Errorf("PROVIDER_TIMEOUT must be at least 1s")
	}
	if strings.TrimSpace(cfg.CreatorName) == "" {
		return Config{}, fmt.Errorf("APP_CREATOR_NAME must not be blank")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
