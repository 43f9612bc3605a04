package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, name string) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: ProfileFor(name),
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_CreatesDirectoryAndResolvesPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	db, err := New(Config{Path: filepath.Join(dir, "x.db"), Name: "x"})
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, filepath.IsAbs(db.Path()))
	assert.Equal(t, ProfileStandard, db.Profile())
	assert.Equal(t, "x", db.Name())
	assert.NoError(t, db.QuickCheck(context.Background()))
}

func TestMigrate_AnalyticsSeedsFactorDefinitions(t *testing.T) {
	db := openTemp(t, NameAnalytics)
	require.NoError(t, db.Migrate())
	// Second run is a no-op
	require.NoError(t, db.Migrate())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM factor_definitions").Scan(&count))
	assert.Equal(t, 7, count)

	var proxy string
	require.NoError(t, db.QueryRow("SELECT proxy_symbol FROM factor_definitions WHERE name = 'market'").Scan(&proxy))
	assert.Equal(t, "SPY", proxy)
	assert.Equal(t, ProfileLedger, db.Profile())
}

func TestMigrate_AllSchemas(t *testing.T) {
	tables := map[string][]string{
		NamePortfolio: {"portfolios", "positions"},
		NameHistory:   {"daily_prices"},
		NameAnalytics: {"calculation_sets", "factor_exposures", "correlation_matrices", "stress_results", "batch_runs"},
	}

	for name, expected := range tables {
		t.Run(name, func(t *testing.T) {
			db := openTemp(t, name)
			require.NoError(t, db.Migrate())

			for _, table := range expected {
				var found string
				err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&found)
				require.NoError(t, err, table)
			}
		})
	}
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := openTemp(t, "scratch")
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_CommitAndRollback(t *testing.T) {
	db := openTemp(t, "scratch")
	_, err := db.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv VALUES ('a', '1')")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv VALUES ('b', '2')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, _ = tx.Exec("INSERT INTO kv VALUES ('c', '3')")
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}

func TestHealthCheckAndStats(t *testing.T) {
	db := openTemp(t, NameHistory)
	require.NoError(t, db.Migrate())

	require.NoError(t, db.HealthCheck(context.Background()))
	require.NoError(t, db.WALCheckpoint(""))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
