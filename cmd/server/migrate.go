package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/matt-riley/flagdoc/internal/config"
	"github.com/matt-riley/flagdoc/migrations"
	"github.com/pressly/goose/v3"
)

// runMigrations applies every pending migration through pool.
func runMigrations(pool *pgxpool.Pool) error {
	return withGoose(pool, func(db *sql.DB) error {
		if err := goose.Up(db, "."); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("migrations applied")
		return nil
	})
}

// migrateCommand implements "migrate [up|down|status]".
func migrateCommand(ctx context.Context, args []string) error {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	if len(args) > 1 {
		return fmt.Errorf("migrate: unexpected arguments %v", args[1:])
	}
	switch direction {
	case "up", "down", "status":
	default:
		return fmt.Errorf("migrate: unknown direction %q (want up, down or status)", direction)
	}

	databaseURL, err := config.DatabaseURL()
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	switch direction {
	case "up":
		return runMigrations(pool)
	case "down":
		return withGoose(pool, func(db *sql.DB) error {
			if err := goose.DownContext(ctx, db, "."); err != nil {
				return fmt.Errorf("roll back migration: %w", err)
			}
			return nil
		})
	default:
		return withGoose(pool, func(db *sql.DB) error {
			return goose.StatusContext(ctx, db, ".")
		})
	}
}

func withGoose(pool *pgxpool.Pool, fn func(*sql.DB) error) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return fn(db)
}
