// Package snapshot stores the restorable state of open positions.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/pkg/errors"
)

var ErrNotExists = errors.New("snapshot does not exist")

// PendingOrder is a sell whose outcome is not known yet.
type PendingOrder struct {
	Phase         int       `json:"phase"`
	ClientOrderID string    `json:"client_order_id"`
	Amount        float64   `json:"amount"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Snapshot is everything needed to resume a position after a restart. The
// executor state and the pending orders are saved together.
type Snapshot struct {
	PositionID  string         `json:"position_id"`
	Symbol      string         `json:"symbol"`
	StrategyID  string         `json:"strategy_id"`
	EntryPrice  float64        `json:"entry_price"`
	TotalAmount float64        `json:"total_amount"`
	OpenedAt    time.Time      `json:"opened_at"`
	Lifecycle   string         `json:"lifecycle"`
	CloseReason string         `json:"close_reason,omitempty"`
	Phase       phase.State    `json:"phase"`
	Pending     []PendingOrder `json:"pending,omitempty"`
	PeakPrice   float64        `json:"peak_price,omitempty"`
	TroughPrice float64        `json:"trough_price,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists snapshots keyed by position id.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, positionID string) (Snapshot, error)
	Delete(ctx context.Context, positionID string) error
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// MemoryStore is a Store for paper trading and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	if s.PositionID == "" {
		return errors.New("snapshot without position id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.PositionID] = clone(s)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, positionID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[positionID]
	if !ok {
		return Snapshot{}, errors.Wrap(ErrNotExists, positionID)
	}
	return clone(s), nil
}

func (m *MemoryStore) Delete(_ context.Context, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, positionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.items))
	for _, s := range m.items {
		out = append(out, clone(s))
	}
	sortByID(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(s Snapshot) Snapshot {
	out := s
	out.Phase.ExecutedPhases = append([]int(nil), s.Phase.ExecutedPhases...)
	out.Phase.History = append([]phase.ExecutionRecord(nil), s.Phase.History...)
	for i := range out.Phase.History {
		if p := out.Phase.History[i].Slippage; p != nil {
			v := *p
			out.Phase.History[i].Slippage = &v
		}
	}
	out.Pending = append([]PendingOrder(nil), s.Pending...)
	return out
}

func sortByID(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].PositionID < s[j].PositionID })
}
