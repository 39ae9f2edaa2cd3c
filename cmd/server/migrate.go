package main

import (
	"log/slog"

	"github.com/matthewsabia/autopen-notify/internal/shared/infrastructure/config"
	"github.com/matthewsabia/autopen-notify/pkg/migration"
)

func runMigrations(cfg config.Config, logger *slog.Logger) error {
	return migration.AutoMigrate(cfg.Database.URL(), cfg.Server.MigrationsPath, logger)
}
