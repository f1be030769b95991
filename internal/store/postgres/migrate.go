package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"

	"clinicbook/backend/migrations"
)

// Migrate runs a goose command ("up", "down" or "status") against the
// embedded migrations.
func Migrate(ctx context.Context, db *bun.DB, command string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	sqlDB := db.DB
	switch command {
	case "up":
		current, err := goose.GetDBVersionContext(ctx, sqlDB)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		final, err := goose.GetDBVersionContext(ctx, sqlDB)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		logger.Info("migrations applied", "from_version", current, "to_version", final)
	case "down":
		if err := goose.DownContext(ctx, sqlDB, "."); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		logger.Info("migration rolled back")
	case "status":
		if err := goose.StatusContext(ctx, sqlDB, "."); err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return nil
}
