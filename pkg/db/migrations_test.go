package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/migrations"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "with .sql suffix", input: "001_test.sql", expected: "001_test"},
		{name: "uppercase suffix", input: "002_test.SQL", expected: "002_test"},
		{name: "mixed case suffix", input: "004_test.Sql", expected: "004_test"},
		{name: "no suffix", input: "003_test", expected: "003_test"},
		{name: "empty", input: "", expected: ""},
		{name: "just .sql", input: ".sql", expected: ".sql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeVersion(tt.input))
		})
	}
}

func TestFindMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"003_create_orphans.sql":  {Data: []byte("-- test")},
		"001_initial_schema.sql":  {Data: []byte("-- test")},
		"002_add_checkpoints.sql": {Data: []byte("-- test")},
		"README.md":               {Data: []byte("ignored")},
		"archive/000_old.sql":     {Data: []byte("ignored")},
	}

	found, err := findMigrations(fsys)
	require.NoError(t, err)

	var versions []string
	for _, m := range found {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []string{"001_initial_schema", "002_add_checkpoints", "003_create_orphans"}, versions)
	assert.Equal(t, "001_initial_schema.sql", found[0].Name)
}

func TestFindMigrations_Empty(t *testing.T) {
	found, err := findMigrations(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindMigrations_Embedded(t *testing.T) {
	found, err := findMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "001_initial_schema", found[0].Version)
}

func TestBuildStatus(t *testing.T) {
	files := []Migration{
		{Version: "001_a", Name: "001_a.sql"},
		{Version: "002_b", Name: "002_b.sql"},
	}
	at := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	applied := map[string]time.Time{
		"001_a":     at,
		"999_drift": at,
	}

	status := buildStatus(files, applied)

	require.Len(t, status.Applied, 1)
	assert.Equal(t, "001_a", status.Applied[0].Version)
	assert.Equal(t, at, *status.Applied[0].AppliedAt)

	require.Len(t, status.Pending, 1)
	assert.Equal(t, "002_b", status.Pending[0].Version)
	assert.Nil(t, status.Pending[0].AppliedAt)

	require.Len(t, status.Drift, 1)
	assert.Equal(t, "999_drift.sql", status.Drift[0].Name)
}

func TestNilPool(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{}

	_, err := RunMigrations(ctx, nil, fsys)
	assert.Error(t, err)

	_, err = RunMigrationsToTarget(ctx, nil, fsys, "001_test")
	assert.Error(t, err)

	_, err = GetMigrationStatus(ctx, nil, fsys)
	assert.Error(t, err)
}
