// Package passkey implements WebAuthn registration and login ceremonies
// with single-use server-side challenges.
package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ChallengeKind describes the WebAuthn ceremony purpose.
type ChallengeKind string

const (
	ChallengeKindRegistration ChallengeKind = "registration"
	ChallengeKindLogin        ChallengeKind = "login"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"UPCOACH_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"UPCOACH_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"UPCOACH_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"UPCOACH_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "UpCoach",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
			ChallengeTTL:  5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "UpCoach"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return cfg
}
