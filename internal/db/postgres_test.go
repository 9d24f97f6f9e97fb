package db

import (
	"context"
	"strings"
	"testing"
	"time"

	dbconf "github.com/amirphl/phase-trader/internal/db/conf"
	"github.com/amirphl/phase-trader/internal/journal"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	t.Cleanup(cleanup)

	s := NewPostgres(*cfg)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestPostgresSchema(t *testing.T) {
	s := newTestPostgres(t)
	db := s.GetDB()

	_, err := db.Exec("SELECT * FROM executions LIMIT 1")
	assert.NoError(t, err, "Should be able to query the executions table")

	var constraintDef string
	err = db.QueryRow(`
		SELECT pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		INNER JOIN pg_class rel ON rel.oid = con.conrelid
		WHERE rel.relname = 'executions' AND con.contype = 'p'
	`).Scan(&constraintDef)
	require.NoError(t, err)
	assert.Equal(t, "PRIMARY KEY (position_id, phase)", constraintDef)

	// Migrating twice is harmless.
	require.NoError(t, s.Migrate(context.Background()))

	insert := `
		INSERT INTO executions (position_id, phase, symbol, strategy_id, price, amount, profit, executed_at)
		VALUES ('p1', 0, 'BTC-USDT', 'balanced', 110, 25, 250, now())`
	_, err = db.Exec(insert)
	require.NoError(t, err)
	_, err = db.Exec(insert)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "duplicate key value violates unique constraint"),
		"Error should be about duplicate key violation, got: %v", err)
}

func TestPostgresStorage(t *testing.T) {
	s := newTestPostgres(t)
	testStorage(t, s)
}

func TestPostgresTransactionFromContext(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	tx, err := s.GetDB().BeginTx(ctx, nil)
	require.NoError(t, err)
	txCtx := WithTransaction(ctx, tx)

	require.NoError(t, s.LogEvent(txCtx, journal.New(journal.TypeLifecycle, "p1", "opened", nil)))
	require.NoError(t, tx.Rollback())

	events, err := s.GetEvents(ctx, journal.TypeLifecycle, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events, "rolled back event must not be visible")
}

func TestEnsureDatabase(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	t.Cleanup(cleanup)
	ctx := context.Background()

	// Existing database.
	require.NoError(t, EnsureDatabase(ctx, cfg.URL(cfg.Name)))

	name := cfg.Name + "_ensure"
	require.NoError(t, EnsureDatabase(ctx, cfg.URL(name)))
	t.Cleanup(func() { cfg.AdminDB.Exec("DROP DATABASE " + name + " WITH (FORCE)") })

	var exists bool
	require.NoError(t, cfg.AdminDB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists))
	assert.True(t, exists)

	assert.Error(t, EnsureDatabase(ctx, "postgres://user@localhost:5432"))
}
