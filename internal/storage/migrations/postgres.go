package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"holder-analytics/internal/storage/postgres"
)

// postgresLockKey serializes concurrent migrators on one database.
const postgresLockKey int64 = 0x686f6c64657273

const postgresVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    name        TEXT NOT NULL,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// RunPostgresMigrations applies the embedded migrations that schema_migrations
// does not list yet. Each file runs in its own transaction together with the
// row recording it, under an advisory lock.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("migrations").With(zap.String("backend", "postgres"))

	migrations, err := Load(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresVersionTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ran, err := applyPostgres(ctx, pool, m)
		if err != nil {
			return err
		}
		if !ran {
			logger.Debug("migration already applied", zap.Int("version", m.Version), zap.String("name", m.Name))
			continue
		}
		applied++
		logger.Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}

	logger.Info("schema up to date", zap.Int("applied", applied), zap.Int("known", len(migrations)))
	return nil
}

func applyPostgres(ctx context.Context, pool *postgres.Pool, m Migration) (bool, error) {
	ran := false
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		var done bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version,
		).Scan(&done)
		if err != nil {
			return fmt.Errorf("check version: %w", err)
		}
		if done {
			return nil
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name,
		); err != nil {
			return fmt.Errorf("record version: %w", err)
		}
		ran = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.Name, err)
	}
	return ran, nil
}
