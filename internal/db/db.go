// Package db
package db

import (
	"context"
	"time"

	"github.com/amirphl/phase-trader/internal/journal"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/pkg/errors"
)

var (
	ErrQueueFull     = errors.New("writer queue is full")
	ErrWriterClosed  = errors.New("writer is closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Execution is the durable form of one executed phase.
type Execution struct {
	PositionID string        `json:"position_id"`
	Symbol     string        `json:"symbol"`
	StrategyID string        `json:"strategy_id"`
	Phase      int           `json:"phase"`
	Price      float64       `json:"price"`
	Amount     float64       `json:"amount"`
	Profit     float64       `json:"profit"`
	Fees       float64       `json:"fees"`
	Slippage   *float64      `json:"slippage,omitempty"`
	Latency    time.Duration `json:"latency"`
	OrderID    string        `json:"order_id"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// NewExecution ties an execution record to its position.
func NewExecution(positionID, symbol, strategyID string, r phase.ExecutionRecord) Execution {
	return Execution{
		PositionID: positionID,
		Symbol:     symbol,
		StrategyID: strategyID,
		Phase:      r.Phase,
		Price:      r.Price,
		Amount:     r.Amount,
		Profit:     r.Profit,
		Fees:       r.Fees,
		Slippage:   r.Slippage,
		Latency:    r.Latency,
		OrderID:    r.OrderID,
		ExecutedAt: r.Timestamp.UTC(),
	}
}

// Record converts back to the executor's record type.
func (e Execution) Record() phase.ExecutionRecord {
	return phase.ExecutionRecord{
		Phase:     e.Phase,
		Price:     e.Price,
		Amount:    e.Amount,
		Profit:    e.Profit,
		Fees:      e.Fees,
		Timestamp: e.ExecutedAt,
		Latency:   e.Latency,
		Slippage:  e.Slippage,
		OrderID:   e.OrderID,
	}
}

// Storage is the durable sink for executions and journal events.
// PersistExecution is idempotent on (position, phase).
type Storage interface {
	PersistExecution(ctx context.Context, exec Execution) error
	ListExecutions(ctx context.Context, positionID string) ([]Execution, error)
	journal.Journaler
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error)
	Close() error
}

// Open returns the storage named by driver: memory, sqlite or postgres. The
// pool sizes apply to postgres only.
func Open(ctx context.Context, driver, dsn string, maxOpen, maxIdle int) (Storage, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn, maxOpen, maxIdle)
	default:
		return nil, errors.Wrap(ErrUnknownDriver, driver)
	}
}
