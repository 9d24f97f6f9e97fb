package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirphl/phase-trader/internal/journal"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleExecution(positionID string, p int, at time.Time) Execution {
	slip := 0.25
	return NewExecution(positionID, "BTC-USDT", "balanced", phase.ExecutionRecord{
		Phase:     p,
		Price:     110 + float64(p)*10,
		Amount:    25,
		Profit:    250 + float64(p)*250,
		Fees:      0.5,
		Timestamp: at,
		Latency:   150 * time.Millisecond,
		Slippage:  &slip,
		OrderID:   "ord-" + positionID,
	})
}

// testStorage runs the behavior every Storage implementation shares.
func testStorage(t *testing.T, s Storage) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("executions are idempotent per phase", func(t *testing.T) {
		first := sampleExecution("pos-a", 0, base)
		require.NoError(t, s.PersistExecution(ctx, first))

		dup := first
		dup.Price = 999
		require.NoError(t, s.PersistExecution(ctx, dup))

		require.NoError(t, s.PersistExecution(ctx, sampleExecution("pos-a", 1, base.Add(time.Minute))))
		require.NoError(t, s.PersistExecution(ctx, sampleExecution("pos-b", 0, base)))

		got, err := s.ListExecutions(ctx, "pos-a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 0, got[0].Phase)
		assert.Equal(t, 110.0, got[0].Price, "first write wins")
		assert.Equal(t, 1, got[1].Phase)
		assert.Equal(t, "BTC-USDT", got[0].Symbol)
		assert.Equal(t, "balanced", got[0].StrategyID)
		assert.Equal(t, 150*time.Millisecond, got[0].Latency)
		require.NotNil(t, got[0].Slippage)
		assert.InDelta(t, 0.25, *got[0].Slippage, 1e-9)
		assert.WithinDuration(t, base, got[0].ExecutedAt, time.Millisecond)

		rec := got[1].Record()
		assert.Equal(t, 1, rec.Phase)
		assert.Equal(t, "ord-pos-a", rec.OrderID)
	})

	t.Run("unknown position lists nothing", func(t *testing.T) {
		got, err := s.ListExecutions(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("events filter by type and window", func(t *testing.T) {
		events := []journal.Event{
			{Time: base, Type: journal.TypeExecution, PositionID: "pos-a", Description: "phase 0", Data: map[string]any{"symbol": "BTC-USDT"}},
			{Time: base.Add(2 * time.Minute), Type: journal.TypeExecution, PositionID: "pos-a", Description: "phase 1"},
			{Time: base.Add(time.Minute), Type: journal.TypeLifecycle, PositionID: "pos-a", Description: "opened"},
			{Time: base.Add(time.Hour), Type: journal.TypeExecution, PositionID: "pos-a", Description: "late"},
		}
		for _, e := range events {
			require.NoError(t, s.LogEvent(ctx, e))
		}

		got, err := s.GetEvents(ctx, journal.TypeExecution, base, base.Add(10*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "phase 0", got[0].Description)
		assert.Equal(t, "BTC-USDT", got[0].Data["symbol"])
		assert.Equal(t, "phase 1", got[1].Description)
		assert.Equal(t, "pos-a", got[1].PositionID)
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemory())
}

func TestSQLiteStorage(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	defer s.Close()
	testStorage(t, s)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trader.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.PersistExecution(ctx, sampleExecution("pos-a", 0, time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.ListExecutions(ctx, "pos-a")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "memory", "", 0, 0)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = Open(ctx, "sqlite", filepath.Join(t.TempDir(), "x.db"), 0, 0)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStorage{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "mongo", "", 0, 0)
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}
