package config

import (
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("OBIE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("OBIE_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("OBIE_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.DebounceInterval != 800*time.Millisecond {
		t.Fatalf("unexpected default debounce interval: %v", cfg.DebounceInterval)
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("OBIE_DB_DSN", "file::memory:")
	t.Setenv("OBIE_JWT_SIGNING_KEY", "supersecret")

	t.Setenv("OBIE_DB_BACKEND", "oracle")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown database backend to fail")
	}

	t.Setenv("OBIE_DB_BACKEND", "sqlite")
	t.Setenv("OBIE_BUS_BACKEND", "kafka")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown bus backend to fail")
	}
}

func TestLoadRejectsNonPositiveDebounce(t *testing.T) {
	t.Setenv("OBIE_DB_DSN", "file::memory:")
	t.Setenv("OBIE_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("OBIE_DB_BACKEND", "sqlite")
	t.Setenv("OBIE_DEBOUNCE_MS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected zero debounce interval to fail")
	}
}

func TestLoadProductionRequiresStrongSigningKey(t *testing.T) {
	t.Setenv("OBIE_DB_DSN", "file::memory:")
	t.Setenv("OBIE_JWT_SIGNING_KEY", "short")
	t.Setenv("OBIE_DB_BACKEND", "sqlite")
	t.Setenv("OBIE_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with a short signing key")
	}

	t.Setenv("OBIE_JWT_SIGNING_KEY", "long-enough-signing-key")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load to succeed: %v", err)
	}
}
