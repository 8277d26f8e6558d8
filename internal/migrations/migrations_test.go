package migrations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return db
}

func createTable(name string) func(context.Context, *sqlx.Tx) error {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE `+name+` (id INTEGER PRIMARY KEY)`)
		return err
	}
}

func dropTable(name string) func(context.Context, *sqlx.Tx) error {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DROP TABLE `+name)
		return err
	}
}

func newTestMigrator(t *testing.T, db *sqlx.DB, migrations ...*migration) *Migrator {
	t.Helper()

	from := newRegistry()
	for _, mg := range migrations {
		from.addMigration(mg)
	}

	m, err := newMigrator(context.Background(), db, from)
	require.NoError(t, err)
	return m
}

func tableExists(t *testing.T, db *sqlx.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name))
	return n == 1
}

func appliedVersions(t *testing.T, db *sqlx.DB) []string {
	t.Helper()
	var versions []string
	require.NoError(t, db.Select(&versions, `SELECT version FROM schema_migrations ORDER BY version`))
	return versions
}

func TestAddMigrationKeepsVersionsSorted(t *testing.T) {
	m := newRegistry()
	for _, v := range []string{"20200101000003", "20200101000001", "20200101000002"} {
		m.addMigration(&migration{version: v})
	}

	assert.Equal(t, []string{"20200101000001", "20200101000002", "20200101000003"}, m.versions)
	assert.Equal(t, []string{"20200101000003", "20200101000002", "20200101000001"}, reverse(m.versions))
	assert.Equal(t, "20200101000001", m.versions[0], "reverse must not modify its input")
}

func TestRegistryHoldsInitialMigration(t *testing.T) {
	require.Contains(t, registry.migrations, "20180413135354")
	assert.Equal(t, "20180413135354", registry.versions[0])
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db := newSQLiteDB(t)

	var order []string
	track := func(v, table string) func(context.Context, *sqlx.Tx) error {
		return func(ctx context.Context, tx *sqlx.Tx) error {
			order = append(order, v)
			return createTable(table)(ctx, tx)
		}
	}

	m := newTestMigrator(t, db,
		&migration{version: "2", up: track("2", "b"), down: dropTable("b")},
		&migration{version: "1", up: track("1", "a"), down: dropTable("a")},
	)

	require.NoError(t, m.Up(context.Background(), 0))
	assert.Equal(t, []string{"1", "2"}, order)
	assert.True(t, tableExists(t, db, "a"))
	assert.True(t, tableExists(t, db, "b"))
	assert.Equal(t, []string{"1", "2"}, appliedVersions(t, db))

	assert.Equal(t, []MigrationStatus{{"1", true}, {"2", true}}, m.MigrationStatus())

	// Completed migrations are skipped on the next run, also by a new migrator.
	require.NoError(t, m.Up(context.Background(), 0))
	again := newTestMigrator(t, db,
		&migration{version: "1", up: track("1", "a")},
		&migration{version: "2", up: track("2", "b")},
	)
	require.NoError(t, again.Up(context.Background(), 0))
	assert.Equal(t, []string{"1", "2"}, order)
}

func TestUpHonoursStep(t *testing.T) {
	db := newSQLiteDB(t)
	m := newTestMigrator(t, db,
		&migration{version: "1", up: createTable("a")},
		&migration{version: "2", up: createTable("b")},
		&migration{version: "3", up: createTable("c")},
	)

	require.NoError(t, m.Up(context.Background(), 2))
	assert.Equal(t, []string{"1", "2"}, appliedVersions(t, db))
	assert.Equal(t, []MigrationStatus{{"1", true}, {"2", true}, {"3", false}}, m.MigrationStatus())

	require.NoError(t, m.Up(context.Background(), 1))
	assert.Equal(t, []string{"1", "2", "3"}, appliedVersions(t, db))
}

func TestUpRollsBackWholeRunOnFailure(t *testing.T) {
	db := newSQLiteDB(t)
	boom := errors.New("boom")

	m := newTestMigrator(t, db,
		&migration{version: "1", up: createTable("a")},
		&migration{version: "2", up: func(ctx context.Context, tx *sqlx.Tx) error { return boom }},
	)

	err := m.Up(context.Background(), 0)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "migration 2")

	assert.False(t, tableExists(t, db, "a"))
	assert.Empty(t, appliedVersions(t, db))
	assert.Equal(t, []MigrationStatus{{"1", false}, {"2", false}}, m.MigrationStatus())
}

func TestUpRecoversFromPanic(t *testing.T) {
	db := newSQLiteDB(t)
	m := newTestMigrator(t, db,
		&migration{version: "1", up: createTable("a")},
		&migration{version: "2", up: func(ctx context.Context, tx *sqlx.Tx) error { panic("bad migration") }},
	)

	err := m.Up(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad migration")
	assert.False(t, tableExists(t, db, "a"))
}

func TestDownRevertsNewestFirst(t *testing.T) {
	db := newSQLiteDB(t)
	m := newTestMigrator(t, db,
		&migration{version: "1", up: createTable("a"), down: dropTable("a")},
		&migration{version: "2", up: createTable("b"), down: dropTable("b")},
	)

	require.NoError(t, m.Up(context.Background(), 0))
	require.NoError(t, m.Down(context.Background(), 1))

	assert.True(t, tableExists(t, db, "a"))
	assert.False(t, tableExists(t, db, "b"))
	assert.Equal(t, []string{"1"}, appliedVersions(t, db))
	assert.Equal(t, []MigrationStatus{{"1", true}, {"2", false}}, m.MigrationStatus())
}

func TestCreateMigration(t *testing.T) {
	db := newSQLiteDB(t)
	m := newTestMigrator(t, db)
	dir := t.TempDir()

	name, err := m.CreateMigration(dir, "add_firmware_checksum")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(name))
	assert.Regexp(t, `^\d{14}_add_firmware_checksum\.go$`, filepath.Base(name))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "registry.addMigration")
	assert.Contains(t, string(data), "_add_firmware_checksum_up(ctx context.Context, tx *sqlx.Tx) error")

	_, err = m.CreateMigration(dir, "Bad Name")
	assert.Error(t, err)
}
