// Package position
package position

import (
	"strings"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrInvalidSymbol = errors.New("symbol is required")

// Position is the long holding that a strategy sells out of.
type Position struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	TotalAmount float64   `json:"total_amount"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFillBands overrides the partial-fill decision table boundaries.
func WithFillBands(b FillBands) Option {
	return func(m *Manager) { m.fills = b }
}

// WithEntryHeuristics overrides the entry heuristic thresholds.
func WithEntryHeuristics(h EntryHeuristics) Option {
	return func(m *Manager) { m.entry = h }
}

// WithExecutorOptions passes options through to the phase executor.
func WithExecutorOptions(opts ...phase.Option) Option {
	return func(m *Manager) { m.execOpts = append(m.execOpts, opts...) }
}

// Manager is the position-level view over one phase executor. It owns the
// executor but keeps no execution state of its own.
type Manager struct {
	mu  sync.RWMutex
	pos Position

	exec     *phase.Executor
	execOpts []phase.Option

	fills FillBands
	entry EntryHeuristics
}

// Open creates the executor for pos and wraps it in a Manager. A missing ID
// is generated and a zero OpenedAt becomes now.
func Open(pos Position, strat *strategy.Config, opts ...Option) (*Manager, error) {
	pos.Symbol = strings.TrimSpace(pos.Symbol)
	if pos.Symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}

	m := &Manager{
		pos:   pos,
		fills: DefaultFillBands(),
		entry: DefaultEntryHeuristics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.fills.Validate(); err != nil {
		return nil, err
	}

	exec, err := phase.New(strat, pos.EntryPrice, pos.TotalAmount, m.execOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "open position %s [%s]", pos.ID, pos.Symbol)
	}
	m.exec = exec
	return m, nil
}

func (m *Manager) Executor() *phase.Executor { return m.exec }

// Position returns a copy of the position.
func (m *Manager) Position() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

func (m *Manager) ID() string     { return m.pos.ID }
func (m *Manager) Symbol() string { return m.pos.Symbol }

// UpdatePosition applies an externally confirmed position size.
func (m *Manager) UpdatePosition(totalAmount float64) error {
	if err := m.exec.UpdatePosition(totalAmount); err != nil {
		return err
	}
	m.mu.Lock()
	m.pos.TotalAmount = totalAmount
	m.mu.Unlock()
	return nil
}
