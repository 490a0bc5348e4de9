package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"holder-analytics/internal/storage/migrations"
)

func TestPostgresMigrations_RecordEachVersionOnce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	known, err := migrations.Load(migrations.PostgresFS, "postgres")
	require.NoError(t, err)

	// Dropping a table does not bring it back: the version is already recorded.
	_, err = pool.Exec(ctx, "DROP TABLE account_links")
	require.NoError(t, err)
	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool, zaptest.NewLogger(t)))

	var exists bool
	require.NoError(t, pool.QueryRow(ctx, "SELECT to_regclass('account_links') IS NOT NULL").Scan(&exists))
	assert.False(t, exists)

	rows, err := pool.Query(ctx, "SELECT version, name FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()

	var got []migrations.Migration
	for rows.Next() {
		var m migrations.Migration
		require.NoError(t, rows.Scan(&m.Version, &m.Name))
		got = append(got, m)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, len(known))
	for i := range known {
		assert.Equal(t, known[i].Version, got[i].Version)
		assert.Equal(t, known[i].Name, got[i].Name)
	}
}
