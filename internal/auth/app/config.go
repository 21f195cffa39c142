// Package app wires the authentication service together and hosts its
// HTTP server.
package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, loaded from the environment.
type Config struct {
	HTTPAddr    string `env:"UPCOACH_HTTP_ADDR"    envDefault:":8080"`
	Environment string `env:"UPCOACH_ENV"          envDefault:"development"`
	DBPath      string `env:"UPCOACH_AUTH_DB_PATH" envDefault:"data/auth.db"`
	JWTSecret   string `env:"UPCOACH_JWT_SECRET"`
	JWTIssuer   string `env:"UPCOACH_JWT_ISSUER"   envDefault:"upcoach-auth"`
	RedisAddr   string `env:"UPCOACH_REDIS_ADDR"`

	GoogleWebClientID    string `env:"UPCOACH_GOOGLE_WEB_CLIENT_ID"`
	GoogleMobileClientID string `env:"UPCOACH_GOOGLE_MOBILE_CLIENT_ID"`
	AppleWebClientID     string `env:"UPCOACH_APPLE_WEB_CLIENT_ID"`
	AppleMobileClientID  string `env:"UPCOACH_APPLE_MOBILE_CLIENT_ID"`
	FacebookAppID        string `env:"UPCOACH_FACEBOOK_APP_ID"`
	FacebookAppSecret    string `env:"UPCOACH_FACEBOOK_APP_SECRET"`

	CleanupInterval time.Duration `env:"UPCOACH_CLEANUP_INTERVAL" envDefault:"5m"`
}

// LoadConfigFromEnv parses configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("UPCOACH_JWT_SECRET is required")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return cfg, nil
}

// Production reports whether the process runs with production hardening.
func (c Config) Production() bool {
	return c.Environment == "production"
}

// RefreshTTL returns the refresh-token lifetime. Production sessions are
// shorter-lived than development ones.
func (c Config) RefreshTTL() time.Duration {
	if c.Production() {
		return 7 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}
