package postgres

import (
	"context"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

func TestGetMigrations_VersionsAreOrderedAndUnique(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	seen := make(map[int]bool)
	prev := 0
	for _, m := range migrations {
		assert.Greater(t, m.Version, prev, "versions must ascend")
		assert.False(t, seen[m.Version], "version %d duplicated", m.Version)
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.SQL)
		seen[m.Version] = true
		prev = m.Version
	}
}

func TestRunMigrations_SkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Every migration already applied: nothing further runs.
	rows := sqlmock.NewRows([]string{"version"})
	for _, m := range GetMigrations() {
		rows.AddRow(m.Version)
	}
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(rows)

	logger := observability.NewLogger(observability.DebugLevel, io.Discard)
	require.NoError(t, RunMigrations(context.Background(), db, logger))
	assert.NoError(t, mock.ExpectationsWereMet())
}
