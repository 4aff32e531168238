//go:build integration

package db

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to FREIGHTDESK_TEST_DATABASE_URL or skips.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("FREIGHTDESK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FREIGHTDESK_TEST_DATABASE_URL not set")
	}
	pool, err := Connect(context.Background(), &Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRunMigrationsToTarget_Integration(t *testing.T) {
	ctx := context.Background()
	pool := setupTestDB(t)

	fsys := fstest.MapFS{
		"901_it_create.sql":  {Data: []byte("CREATE TABLE it_target_901 (id INT);")},
		"902_it_alter.sql":   {Data: []byte("ALTER TABLE it_target_901 ADD COLUMN name TEXT;")},
		"903_it_another.sql": {Data: []byte("CREATE TABLE it_target_903 (id INT);")},
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS it_target_901")
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS it_target_903")
		_, _ = pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version LIKE '90%_it_%'")
	})

	result, err := RunMigrationsToTarget(ctx, pool, fsys, "902_it_alter")
	require.NoError(t, err)
	assert.Equal(t, []string{"901_it_create", "902_it_alter"}, result.Applied)

	result, err = RunMigrations(ctx, pool, fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"903_it_another"}, result.Applied)
	assert.Equal(t, []string{"901_it_create", "902_it_alter"}, result.Skipped)

	_, err = RunMigrationsToTarget(ctx, pool, fsys, "999_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target version")
}

func TestGetMigrationStatus_Integration(t *testing.T) {
	ctx := context.Background()
	pool := setupTestDB(t)

	fsys := fstest.MapFS{
		"911_it_status.sql": {Data: []byte("CREATE TABLE it_status_911 (id INT);")},
		"912_it_status.sql": {Data: []byte("CREATE TABLE it_status_912 (id INT);")},
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS it_status_911")
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS it_status_912")
		_, _ = pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version LIKE '91%_it_status%' OR version = '919_it_drift'")
	})

	_, err := RunMigrationsToTarget(ctx, pool, fsys, "911_it_status")
	require.NoError(t, err)
	// A recorded version with no file is drift.
	_, err = pool.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ('919_it_drift')")
	require.NoError(t, err)

	status, err := GetMigrationStatus(ctx, pool, fsys)
	require.NoError(t, err)

	var pending, drift []string
	for _, m := range status.Pending {
		pending = append(pending, m.Version)
	}
	for _, m := range status.Drift {
		drift = append(drift, m.Version)
	}
	assert.Contains(t, pending, "912_it_status")
	assert.Contains(t, drift, "919_it_drift")
	assert.NotContains(t, drift, "911_it_status")
}
