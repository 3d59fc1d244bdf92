package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	minJWTSecretLength = 16
)

type APIConfig struct {
	Addr           string
	DatabaseURL    string
	Store          string
	JWTSecret      string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	StarterCoins   int64
	SeedCatalog    bool
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	LogLevel       slog.Level
}

type MigrateConfig struct {
	DatabaseURL string
	SeedCatalog bool
	LogLevel    slog.Level
}

type CLIConfig struct {
	APIBaseURL string
	// APIBaseURLSet reports whether SPROUT_API_BASE_URL was given rather
	// than defaulted.
	APIBaseURLSet bool
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("SPROUT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:           addr,
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Store:          envStoreDefault(),
		JWTSecret:      strings.TrimSpace(os.Getenv("SPROUT_JWT_SECRET")),
		AccessTTL:      envDurationDefault("SPROUT_ACCESS_TTL", 5*time.Minute),
		RefreshTTL:     envDurationDefault("SPROUT_REFRESH_TTL", 24*time.Hour),
		StarterCoins:   envIntDefault("SPROUT_STARTER_COINS", 100),
		SeedCatalog:    envBoolDefault("SPROUT_SEED_CATALOG", true),
		RateLimitRPS:   envFloatDefault("SPROUT_RATE_LIMIT_RPS", 20),
		RateLimitBurst: int(envIntDefault("SPROUT_RATE_LIMIT_BURST", 40)),
		RequestTimeout: envDurationDefault("SPROUT_REQUEST_TIMEOUT", 30*time.Second),
		LogLevel:       envLogLevel(),
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return cfg, fmt.Errorf("SPROUT_JWT_SECRET is required (min %d bytes)", minJWTSecretLength)
	}
	if cfg.StarterCoins < 0 {
		return cfg, fmt.Errorf("SPROUT_STARTER_COINS must be >= 0")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return cfg, fmt.Errorf("SPROUT_ACCESS_TTL must be shorter than SPROUT_REFRESH_TTL")
	}
	return cfg, nil
}

func LoadMigrateFromEnv() (MigrateConfig, error) {
	cfg := MigrateConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SeedCatalog: envBoolDefault("SPROUT_SEED_CATALOG", true),
		LogLevel:    envLogLevel(),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:    strings.TrimRight(envDefault("SPROUT_API_BASE_URL", "http://localhost:8080"), "/"),
		APIBaseURLSet: strings.TrimSpace(os.Getenv("SPROUT_API_BASE_URL")) != "",
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envStoreDefault() string {
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("SPROUT_STORE"))); v {
	case StoreMemory:
		return v
	default:
		return StorePostgres
	}
}

func envLogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SPROUT_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
