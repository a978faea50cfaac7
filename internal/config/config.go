/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backend selection.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string
	MetricsBind string

	DBBackend DatabaseBackend
	DBDSN     string

	JWTSigningKey string
	InstanceID    string

	// Optional console admin bootstrap. When both are set, a matching user
	// row is created (or its password rotated) at startup.
	AdminEmail    string
	AdminPassword string

	// Player registry file (YAML). One entry per configured player; the
	// coordination logic never invents a player row on its own.
	PlayersFile string

	// Kiosk policy defaults. A player entry in the registry may override
	// cost and free-play.
	CreditCost int
	FreePlay   bool
	SessionTTL time.Duration

	// Debounce window applied by notification subscribers before refetching
	// settled state.
	DebounceInterval time.Duration

	// Heartbeat staleness threshold for the advisory liveness sweep.
	HeartbeatStaleAfter time.Duration

	// Event bus fan-out across server instances.
	BusBackend    BusBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// Catalog resolution (external collaborator).
	YouTubeAPIKey string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("OBIE_ENV", "development"),
		HTTPBind:    getEnv("OBIE_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("OBIE_HTTP_PORT", 8080),
		BaseURL:     getEnv("OBIE_BASE_URL", ""),
		MetricsBind: getEnv("OBIE_METRICS_BIND", "127.0.0.1:9000"),

		DBBackend: DatabaseBackend(getEnv("OBIE_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:     getEnv("OBIE_DB_DSN", ""),

		JWTSigningKey: getEnv("OBIE_JWT_SIGNING_KEY", ""),
		InstanceID:    getEnv("OBIE_INSTANCE_ID", ""),

		AdminEmail:    getEnv("OBIE_ADMIN_EMAIL", ""),
		AdminPassword: getEnv("OBIE_ADMIN_PASSWORD", ""),

		PlayersFile: getEnv("OBIE_PLAYERS_FILE", "./players.yaml"),

		CreditCost: getEnvInt("OBIE_CREDIT_COST", 1),
		FreePlay:   getEnvBool("OBIE_FREE_PLAY", false),
		SessionTTL: time.Duration(getEnvInt("OBIE_SESSION_TTL_MINUTES", 120)) * time.Minute,

		DebounceInterval:    time.Duration(getEnvInt("OBIE_DEBOUNCE_MS", 800)) * time.Millisecond,
		HeartbeatStaleAfter: time.Duration(getEnvInt("OBIE_HEARTBEAT_STALE_SECONDS", 60)) * time.Second,

		BusBackend:    BusBackend(getEnv("OBIE_BUS_BACKEND", string(BusMemory))),
		RedisAddr:     getEnv("OBIE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("OBIE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("OBIE_REDIS_DB", 0),
		NATSURL:       getEnv("OBIE_NATS_URL", "nats://localhost:4222"),

		YouTubeAPIKey: getEnv("OBIE_YOUTUBE_API_KEY", ""),

		TracingEnabled:    getEnvBool("OBIE_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OBIE_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("OBIE_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("OBIE_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("OBIE_JWT_SIGNING_KEY must be provided")
	}

	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusRedis && cfg.BusBackend != BusNATS {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}

	if cfg.DebounceInterval <= 0 {
		return nil, fmt.Errorf("OBIE_DEBOUNCE_MS must be positive")
	}

	if cfg.CreditCost < 0 {
		return nil, fmt.Errorf("OBIE_CREDIT_COST must not be negative")
	}

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("OBIE_SESSION_TTL_MINUTES must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 16 {
		return nil, fmt.Errorf("OBIE_JWT_SIGNING_KEY must be at least 16 bytes in production")
	}

	return cfg, nil
}

// getEnv returns the environment variable value, or def when unset.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
