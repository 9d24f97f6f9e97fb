package livetrading

import (
	"context"

	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
)

// Recover brings b back to where it was before a restart: the last snapshot is
// restored, executions that reached durable storage after that snapshot are
// replayed, and orders with unknown outcome are looked up. Either store may be
// nil.
func Recover(ctx context.Context, b *bot.Bot, snapshots snapshot.Store, storage db.Storage) error {
	logger := utils.GetLogger()

	if snapshots != nil {
		snap, err := snapshots.Load(ctx, b.ID())
		switch {
		case errors.Is(err, snapshot.ErrNotExists):
		case err != nil:
			return errors.Wrapf(err, "load snapshot of %s", b.ID())
		default:
			if err := b.Restore(snap); err != nil {
				return err
			}
		}
	}

	if storage != nil {
		execs, err := storage.ListExecutions(ctx, b.ID())
		if err != nil {
			return errors.Wrapf(err, "list executions of %s", b.ID())
		}
		replayed := 0
		for _, e := range execs {
			if b.Executor().IsExecuted(e.Phase) {
				continue
			}
			opts := []phase.RecordOption{
				phase.WithFees(e.Fees),
				phase.WithLatency(e.Latency),
				phase.WithOrderID(e.OrderID),
				phase.WithTimestamp(e.ExecutedAt),
			}
			if e.Slippage != nil {
				opts = append(opts, phase.WithSlippage(*e.Slippage))
			}
			if _, err := b.Executor().RecordExecution(e.Phase, e.Price, e.Amount, opts...); err != nil {
				logger.Warnf("Recover | [%s] skipping stored phase %d: %v", b.ID(), e.Phase, err)
				continue
			}
			replayed++
		}
		if replayed > 0 {
			logger.Printf("Recover | [%s] replayed %d executions missing from the snapshot", b.ID(), replayed)
		}
	}

	for _, action := range b.ReconcilePending(ctx) {
		logger.Printf("Recover | [%s] %s", b.ID(), action)
	}
	return nil
}

// BotFactory creates the bot of a position.
type BotFactory func(m *position.Manager) (*bot.Bot, error)

// Resume rebuilds every open position found in the snapshot store.
func Resume(ctx context.Context, snapshots snapshot.Store, strategies strategy.Store, storage db.Storage, newBot BotFactory, opts ...position.Option) ([]*bot.Bot, error) {
	snaps, err := snapshots.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}

	var bots []*bot.Bot
	for _, s := range snaps {
		if s.Lifecycle == string(bot.StateClosed) {
			continue
		}
		strat, err := strategies.Get(ctx, s.StrategyID)
		if err != nil {
			return nil, errors.Wrapf(err, "position %s", s.PositionID)
		}
		m, err := position.Open(position.Position{
			ID:          s.PositionID,
			Symbol:      s.Symbol,
			EntryPrice:  s.EntryPrice,
			TotalAmount: s.TotalAmount,
			OpenedAt:    s.OpenedAt,
		}, strat, opts...)
		if err != nil {
			return nil, err
		}
		b, err := newBot(m)
		if err != nil {
			return nil, err
		}
		if err := Recover(ctx, b, snapshots, storage); err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, nil
}
