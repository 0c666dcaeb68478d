package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/rentals-lake/etl"
)

const migrationsDir = "db/postgres/migrations"

// MigrationConfig holds the configuration for running migrations.
type MigrationConfig struct {
	URI string
	// Schema receives the warehouse tables and goose's version table.
	Schema string
}

func (cfg *MigrationConfig) Validate() error {
	if cfg.URI == "" {
		return errors.New("warehouse uri is required for migrations")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	return nil
}

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Up runs all pending migrations. Migrations are Postgres-only; embedded
// warehouses create tables on demand during load.
func Up(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("running warehouse migrations (up)", "schema", cfg.Schema)

	db, err := openMigrationDB(ctx, log, &cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("warehouse migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("rolling back warehouse migration (down)", "schema", cfg.Schema)

	db, err := openMigrationDB(ctx, log, &cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	log.Info("warehouse migration rolled back successfully")
	return nil
}

// MigrationStatus logs the status of all migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	log.Info("checking warehouse migration status", "schema", cfg.Schema)

	db, err := openMigrationDB(ctx, log, &cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.StatusContext(ctx, db, migrationsDir)
}

// openMigrationDB opens a database/sql handle for goose whose search_path is
// the target schema, creating the schema first.
func openMigrationDB(ctx context.Context, log *slog.Logger, cfg *MigrationConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate migration config: %w", err)
	}
	pgCfg, err := pgx.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres uri: %w", err)
	}
	if pgCfg.RuntimeParams == nil {
		pgCfg.RuntimeParams = map[string]string{}
	}
	pgCfg.RuntimeParams["search_path"] = cfg.Schema

	db := stdlib.OpenDB(*pgCfg)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+Quote(cfg.Schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema %s: %w", cfg.Schema, err)
	}

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(etl.PostgresMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return db, nil
}
