package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sprout/internal/config"
	"sprout/internal/db"
	"sprout/internal/farm"

	"github.com/joho/godotenv"
)

// sprout-migrate applies schema migrations and seeds the default catalog,
// then exits. Run it before rolling out a new API version.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "err", err)
	}
	cfg, err := config.LoadMigrateFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	version, err := db.Migrate(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("db migrate failed", "err", err)
		os.Exit(1)
	}

	if !cfg.SeedCatalog {
		logger.Info("migrate completed", "version", version, "seeded", false)
		return
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := farm.SeedDefaults(ctx, farm.NewPostgresStore(pool, logger)); err != nil {
		logger.Error("seed defaults failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrate completed", "version", version, "seeded", true)
}
