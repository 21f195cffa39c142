package app

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("UPCOACH_JWT_SECRET", "")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected an error without a JWT secret")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("UPCOACH_JWT_SECRET", "test-secret")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Production() {
		t.Error("default environment must not be production")
	}
	if cfg.RefreshTTL() != 30*24*time.Hour {
		t.Errorf("RefreshTTL = %s", cfg.RefreshTTL())
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %s", cfg.CleanupInterval)
	}
}

func TestRefreshTTLShrinksInProduction(t *testing.T) {
	t.Setenv("UPCOACH_JWT_SECRET", "test-secret")
	t.Setenv("UPCOACH_ENV", "production")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RefreshTTL() != 7*24*time.Hour {
		t.Errorf("RefreshTTL = %s", cfg.RefreshTTL())
	}
}
