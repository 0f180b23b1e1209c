package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsFromEmbeddedFiles(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Contains(t, ms[0].SQL, "CREATE TABLE")

	for i := 1; i < len(ms); i++ {
		assert.Greater(t, ms[i].Version, ms[i-1].Version)
	}
}

func TestParseMigrationName(t *testing.T) {
	version, name, err := parseMigrationName("007_add_indexes")
	require.NoError(t, err)
	assert.Equal(t, 7, version)
	assert.Equal(t, "add_indexes", name)

	_, _, err = parseMigrationName("no_leading_number")
	assert.Error(t, err)

	_, _, err = parseMigrationName("12")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// newTestStore already migrated once; a second run must be a no-op.
	require.NoError(t, s.Migrate(ctx))

	var applied int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version > 0`)
	require.NoError(t, row.Scan(&applied))

	ms, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(ms), applied)
}

func TestSplitStatementsDropsComments(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- standalone comment block

CREATE INDEX idx_a ON a(id);`

	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}
