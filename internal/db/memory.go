package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/journal"
)

// MemoryStorage keeps everything in process memory. It backs paper trading
// and tests.
type MemoryStorage struct {
	mu sync.RWMutex

	// Executions keyed by position, then phase
	executions map[string]map[int]Execution

	// Events (append-only)
	events []journal.Event

	closed bool
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		executions: make(map[string]map[int]Execution),
		events:     make([]journal.Event, 0, 1024),
	}
}

func (m *MemoryStorage) PersistExecution(ctx context.Context, e Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrWriterClosed
	}
	byPhase, ok := m.executions[e.PositionID]
	if !ok {
		byPhase = make(map[int]Execution)
		m.executions[e.PositionID] = byPhase
	}
	if _, dup := byPhase[e.Phase]; dup {
		return nil
	}
	e.ExecutedAt = e.ExecutedAt.UTC()
	byPhase[e.Phase] = e
	return nil
}

func (m *MemoryStorage) ListExecutions(ctx context.Context, positionID string) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Execution
	for _, e := range m.executions[positionID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].Phase < out[j].Phase
		}
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
