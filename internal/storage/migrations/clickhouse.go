package migrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	chstore "holder-analytics/internal/storage/clickhouse"
)

const clickhouseVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     UInt32,
    name        String,
    applied_at  DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree
ORDER BY version`

// RunClickhouseMigrations creates the DSN's database if needed and applies the
// embedded migrations not yet listed in its schema_migrations table. The
// returned connection targets that database and belongs to the caller.
func RunClickhouseMigrations(ctx context.Context, dsn string, logger *zap.Logger) (*chstore.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("migrations").With(zap.String("backend", "clickhouse"), zap.String("database", dbName))

	migrations, err := Load(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, err
	}
	for _, m := range migrations {
		if err := validateNoSemicolonInStrings(m.SQL); err != nil {
			return nil, fmt.Errorf("validate migration %s: %w", m.Name, err)
		}
	}

	if err := createDatabase(ctx, dsn, dbName); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	if err := applyClickhouse(ctx, conn, migrations, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func createDatabase(ctx context.Context, dsn, dbName string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", dbName)); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// applyClickhouse runs pending migrations statement by statement, since the
// driver rejects multi-statement Exec. ClickHouse has no DDL transactions, so
// a file that fails halfway is retried in full on the next start and its
// statements must stay idempotent.
func applyClickhouse(ctx context.Context, conn *chstore.Conn, migrations []Migration, logger *zap.Logger) error {
	if err := conn.Exec(ctx, clickhouseVersionTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	done, err := appliedClickhouseVersions(ctx, conn)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if done[m.Version] {
			logger.Debug("migration already applied", zap.Int("version", m.Version), zap.String("name", m.Name))
			continue
		}

		stmts := splitStatements(m.SQL)
		for i, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s statement %d/%d: %w", m.Name, i+1, len(stmts), err)
			}
		}
		if err := conn.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", uint32(m.Version), m.Name,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		applied++
		logger.Info("applied migration",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
			zap.Int("statements", len(stmts)),
		)
	}

	logger.Info("schema up to date", zap.Int("applied", applied), zap.Int("known", len(migrations)))
	return nil
}

func appliedClickhouseVersions(ctx context.Context, conn *chstore.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations FINAL")
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// splitStatements drops blank and -- comment lines and splits the rest on
// semicolons. Semicolons inside literals or block comments are not supported;
// validateNoSemicolonInStrings rejects the former before anything runs.
func splitStatements(input string) []string {
	var filtered []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		filtered = append(filtered, line)
	}
	joined := strings.Join(filtered, "\n")

	var stmts []string
	for _, part := range strings.Split(joined, ";") {
		stmt := strings.TrimSpace(part)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// validateNoSemicolonInStrings reports a semicolon inside a single-quoted
// literal, where splitStatements would cut the statement.
func validateNoSemicolonInStrings(sql string) error {
	inString := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if ch == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++ // '' escape
				continue
			}
			inString = !inString
		} else if ch == ';' && inString {
			return fmt.Errorf("semicolon inside string literal at offset %d", i)
		}
	}
	return nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	return db, nil
}
