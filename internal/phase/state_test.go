package phase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	src := newExecutor(t, WithClock(func() time.Time { return at }))

	_, err := src.RecordExecution(2, 121, 40, WithFees(0.2), WithSlippage(0.1), WithOrderID("o-2"))
	require.NoError(t, err)
	_, err = src.RecordExecution(1, 111, 30)
	require.NoError(t, err)

	raw, err := json.Marshal(src.ExportState())
	require.NoError(t, err)

	var st State
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, []int{1, 2}, st.ExecutedPhases)

	dst := newExecutor(t)
	require.NoError(t, dst.ImportState(st))

	assert.Equal(t, src.PhaseStatus(), dst.PhaseStatus())
	for _, price := range []float64{95, 125, 140} {
		assert.Equal(t, src.CalculateSummary(price), dst.CalculateSummary(price))
	}

	_, err = dst.RecordExecution(1, 115, 30)
	assert.True(t, errors.Is(err, ErrPhaseAlreadyExecuted))
}

func TestExportStateIsACopy(t *testing.T) {
	e := newExecutor(t)
	_, err := e.RecordExecution(1, 111, 30, WithSlippage(0.5))
	require.NoError(t, err)

	st := e.ExportState()
	st.History[0].Price = 1
	*st.History[0].Slippage = 9
	st.ExecutedPhases[0] = 3

	assert.Equal(t, 111.0, e.History()[0].Price)
	assert.Equal(t, 0.5, *e.History()[0].Slippage)
	assert.True(t, e.IsExecuted(1))
	assert.False(t, e.IsExecuted(3))
}

func TestImportStateRejectsInconsistentState(t *testing.T) {
	rec := func(phase int) ExecutionRecord {
		return ExecutionRecord{Phase: phase, Price: 120, Amount: 10}
	}

	tests := []struct {
		name    string
		state   State
		wantErr error
	}{
		{
			name:    "phase out of range",
			state:   State{ExecutedPhases: []int{4}, History: []ExecutionRecord{rec(4)}},
			wantErr: ErrInvalidPhase,
		},
		{
			name:    "phase listed twice",
			state:   State{ExecutedPhases: []int{1, 1}, History: []ExecutionRecord{rec(1), rec(1)}},
			wantErr: ErrStateMismatch,
		},
		{
			name:    "missing record",
			state:   State{ExecutedPhases: []int{1, 2}, History: []ExecutionRecord{rec(1)}},
			wantErr: ErrStateMismatch,
		},
		{
			name:    "record without phase",
			state:   State{ExecutedPhases: []int{1}, History: []ExecutionRecord{rec(2)}},
			wantErr: ErrStateMismatch,
		},
		{
			name:    "duplicate record",
			state:   State{ExecutedPhases: []int{1, 2}, History: []ExecutionRecord{rec(1), rec(1)}},
			wantErr: ErrStateMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t)
			_, err := e.RecordExecution(3, 140, 30)
			require.NoError(t, err)
			before := e.ExportState()

			err = e.ImportState(tt.state)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, before, e.ExportState())
		})
	}
}

func TestImportEmptyState(t *testing.T) {
	e := newExecutor(t)
	_, err := e.RecordExecution(1, 111, 30)
	require.NoError(t, err)

	require.NoError(t, e.ImportState(State{}))
	assert.Empty(t, e.History())
	assert.Equal(t, 0, e.PhaseStatus().Completed)
}
