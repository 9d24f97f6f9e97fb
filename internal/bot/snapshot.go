package bot

import (
	"github.com/amirphl/phase-trader/internal/metrics"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/pkg/errors"
)

// Snapshot captures the executor state, pending orders and lifecycle as one
// unit.
func (b *Bot) Snapshot() snapshot.Snapshot {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()
	return b.snapshotLocked()
}

func (b *Bot) snapshotLocked() snapshot.Snapshot {
	pos := b.mgr.Position()
	st := b.exec.ExportState()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return snapshot.Snapshot{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		StrategyID:  b.StrategyID(),
		EntryPrice:  pos.EntryPrice,
		TotalAmount: pos.TotalAmount,
		OpenedAt:    pos.OpenedAt,
		Lifecycle:   string(b.lifecycle.Current()),
		CloseReason: b.reason,
		Phase:       st,
		Pending:     b.pendingLocked(),
		PeakPrice:   b.peak,
		TroughPrice: b.trough,
		UpdatedAt:   b.now().UTC(),
	}
}

// Restore loads s into a freshly opened bot for the same position. Nothing
// changes when the executor state is rejected.
func (b *Bot) Restore(s snapshot.Snapshot) error {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	if s.PositionID != b.ID() {
		return errors.Errorf("snapshot of %s restored into %s", s.PositionID, b.ID())
	}
	if s.StrategyID != b.StrategyID() {
		return errors.Errorf("snapshot strategy %s does not match %s", s.StrategyID, b.StrategyID())
	}

	lc := NewLifecycle(b.Symbol())
	lc.now = b.now
	if s.Lifecycle == "" {
		s.Lifecycle = string(StateOpen)
	}
	if err := lc.restore(State(s.Lifecycle)); err != nil {
		return err
	}
	if err := b.exec.ImportState(s.Phase); err != nil {
		return errors.Wrapf(err, "restore %s", s.PositionID)
	}
	if s.TotalAmount > 0 && s.TotalAmount != b.exec.TotalAmount() {
		if err := b.mgr.UpdatePosition(s.TotalAmount); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.lifecycle = lc
	b.reason = s.CloseReason
	b.pending = make(map[int]snapshot.PendingOrder, len(s.Pending))
	for _, p := range s.Pending {
		b.pending[p.Phase] = p
	}
	b.peak = s.PeakPrice
	b.trough = s.TroughPrice
	n := len(b.pending)
	b.mu.Unlock()

	metrics.PendingOrders.WithLabelValues(b.Symbol()).Set(float64(n))
	b.log.Printf("Bot | restored %s with %d executed phases, %d pending orders",
		lc, len(s.Phase.ExecutedPhases), n)
	return nil
}
