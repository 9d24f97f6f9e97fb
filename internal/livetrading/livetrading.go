// Package livetrading runs one actor per open position and feeds it ticks in
// arrival order.
package livetrading

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/metrics"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/pkg/errors"
)

var (
	ErrStopped   = errors.New("supervisor is stopped")
	ErrDuplicate = errors.New("position already supervised")
)

const (
	DefaultQueueSize = 256

	checkpointWait = 5 * time.Second
)

type Option func(*Supervisor)

// WithQueueSize bounds each actor's tick channel.
func WithQueueSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithSnapshots saves a snapshot after every tick that changed a position.
func WithSnapshots(store snapshot.Store) Option {
	return func(s *Supervisor) { s.snapshots = store }
}

// WithWriter moves snapshot saves to the background writer.
func WithWriter(w *db.Writer) Option {
	return func(s *Supervisor) { s.writer = w }
}

// WithSnapshotInterval also saves each open position every d, so peak and
// trough prices survive a restart between phase executions.
func WithSnapshotInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.snapshotEvery = d }
}

// WithResultHook is called by actors after each processed tick.
func WithResultHook(fn func(b *bot.Bot, res bot.Result)) Option {
	return func(s *Supervisor) { s.onResult = fn }
}

type actor struct {
	bot   *bot.Bot
	ticks chan exchange.Tick
}

// PositionStatus is one row of Statuses.
type PositionStatus struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"`
	State      bot.State `json:"state"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	LastPrice  float64   `json:"last_price"`
	Pending    int       `json:"pending_orders"`
}

// Supervisor owns the actors. Positions of different symbols run in parallel;
// ticks of one position are processed one at a time.
type Supervisor struct {
	mu       sync.RWMutex
	actors   map[string]*actor
	bySymbol map[string][]*actor
	closed   map[string]*bot.Bot
	stopped  bool

	queueSize     int
	snapshots     snapshot.Store
	snapshotEvery time.Duration
	writer        *db.Writer
	onResult      func(b *bot.Bot, res bot.Result)

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		actors:    make(map[string]*actor),
		bySymbol:  make(map[string][]*actor),
		closed:    make(map[string]*bot.Bot),
		queueSize: DefaultQueueSize,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add starts an actor for b. A closed bot is archived and not started.
func (s *Supervisor) Add(b *bot.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.actors[b.ID()]; ok {
		return errors.Wrap(ErrDuplicate, b.ID())
	}
	if b.IsClosed() {
		s.closed[b.ID()] = b
		return nil
	}

	a := &actor{bot: b, ticks: make(chan exchange.Tick, s.queueSize)}
	key := exchange.NormalizeSymbol(b.Symbol())
	s.actors[b.ID()] = a
	s.bySymbol[key] = append(s.bySymbol[key], a)
	metrics.OpenPositions.Inc()

	s.wg.Add(1)
	go s.run(a)

	utils.GetLogger().Printf("Supervisor | [%s %s] actor started with %s strategy", b.Symbol(), b.ID(), b.StrategyID())
	return nil
}

// Dispatch routes tick to every position of its symbol without blocking. A
// full queue drops the tick. It returns the number of queues that took it.
func (s *Supervisor) Dispatch(tick exchange.Tick) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return 0
	}

	delivered := 0
	for _, a := range s.bySymbol[exchange.NormalizeSymbol(tick.Symbol)] {
		select {
		case a.ticks <- tick:
			delivered++
		default:
			metrics.DroppedTicks.WithLabelValues(tick.Symbol).Inc()
			utils.GetLogger().Warnf("Supervisor | [%s %s] queue full, dropped tick at %v", tick.Symbol, a.bot.ID(), tick.Price)
		}
	}
	return delivered
}

// Run dispatches ticks until ctx ends or ticks is closed.
func (s *Supervisor) Run(ctx context.Context, ticks <-chan exchange.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			s.Dispatch(tick)
		}
	}
}

// Stop halts dispatch and waits for the actors to finish their current tick.
// Submitted orders are not cancelled. A final snapshot of every open position
// is saved; close the writer after Stop to flush it.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.RLock()
	bots := make([]*bot.Bot, 0, len(s.actors))
	for _, a := range s.actors {
		bots = append(bots, a.bot)
	}
	s.mu.RUnlock()

	for _, b := range bots {
		s.saveSnapshot(b)
	}
	utils.GetLogger().Printf("Supervisor | stopped with %d open positions", len(bots))
}

func (s *Supervisor) run(a *actor) {
	defer s.wg.Done()
	b := a.bot
	logger := utils.GetLogger()

	// Not tied to Stop: orders in flight are never cancelled.
	ctx := context.Background()

	var periodic <-chan time.Time
	if s.snapshotEvery > 0 && s.snapshots != nil {
		t := time.NewTicker(s.snapshotEvery)
		defer t.Stop()
		periodic = t.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-periodic:
			s.saveSnapshot(b)
		case tick := <-a.ticks:
			res, err := b.OnTick(ctx, tick)
			if err != nil {
				if errors.Is(err, bot.ErrClosed) {
					s.archive(a)
					return
				}
				logger.Warnf("Supervisor | [%s %s] tick %v: %v", b.Symbol(), b.ID(), tick.Price, err)
				continue
			}
			if s.onResult != nil {
				s.onResult(b, res)
			}
			if b.IsClosed() {
				s.archive(a)
				return
			}
			if len(res.Actions) > 0 {
				s.saveSnapshot(b)
			}
		}
	}
}

// archive stores the final snapshot and forgets the actor.
func (s *Supervisor) archive(a *actor) {
	b := a.bot
	s.saveSnapshot(b)

	s.mu.Lock()
	delete(s.actors, b.ID())
	key := exchange.NormalizeSymbol(b.Symbol())
	list := s.bySymbol[key]
	for i, other := range list {
		if other == a {
			s.bySymbol[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.bySymbol[key]) == 0 {
		delete(s.bySymbol, key)
	}
	s.closed[b.ID()] = b
	s.mu.Unlock()

	metrics.OpenPositions.Dec()
	utils.GetLogger().Printf("Supervisor | [%s %s] position archived: %s", b.Symbol(), b.ID(), b.CloseReason())
}

// saveSnapshot goes through the writer when there is one, so saves of one
// position land in order.
func (s *Supervisor) saveSnapshot(b *bot.Bot) {
	if s.snapshots == nil {
		return
	}
	snap := b.Snapshot()
	if s.writer == nil {
		s.store(snap)
		return
	}
	err := s.writer.Submit("snapshot", snap.PositionID, func(ctx context.Context) error {
		return s.snapshots.Save(ctx, snap)
	})
	if err != nil {
		utils.GetLogger().Warnf("Supervisor | [%s] snapshot not queued (%v), saving inline", snap.PositionID, err)
		s.store(snap)
	}
}

// Checkpoint saves snap and waits until it is stored, behind any save of the
// position already queued on the writer. A bot calls it before submitting an
// order.
func (s *Supervisor) Checkpoint(snap snapshot.Snapshot) {
	if s.snapshots == nil {
		return
	}
	if s.writer == nil {
		s.store(snap)
		return
	}
	saved := make(chan struct{})
	err := s.writer.Submit("checkpoint", snap.PositionID, func(ctx context.Context) error {
		if err := s.snapshots.Save(ctx, snap); err != nil {
			return err
		}
		close(saved)
		return nil
	})
	if err != nil {
		utils.GetLogger().Warnf("Supervisor | [%s] checkpoint not queued (%v), saving inline", snap.PositionID, err)
		s.store(snap)
		return
	}
	select {
	case <-saved:
	case <-time.After(checkpointWait):
		metrics.CheckpointTimeouts.Inc()
		utils.GetLogger().Warnf("Supervisor | [%s] checkpoint not stored after %v", snap.PositionID, checkpointWait)
	}
}

func (s *Supervisor) store(snap snapshot.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.snapshots.Save(ctx, snap); err != nil {
		utils.GetLogger().Errorf("Supervisor | [%s] failed to save snapshot: %v", snap.PositionID, err)
	}
}

// Bot returns an open or archived position.
func (s *Supervisor) Bot(id string) (*bot.Bot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.actors[id]; ok {
		return a.bot, true
	}
	b, ok := s.closed[id]
	return b, ok
}

// Bots returns every open and archived position ordered by id.
func (s *Supervisor) Bots() []*bot.Bot {
	s.mu.RLock()
	out := make([]*bot.Bot, 0, len(s.actors)+len(s.closed))
	for _, a := range s.actors {
		out = append(out, a.bot)
	}
	for _, b := range s.closed {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Open is the number of running actors.
func (s *Supervisor) Open() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

func (s *Supervisor) Statuses() []PositionStatus {
	bots := s.Bots()
	out := make([]PositionStatus, 0, len(bots))
	for _, b := range bots {
		ps := b.Executor().PhaseStatus()
		out = append(out, PositionStatus{
			ID:         b.ID(),
			Symbol:     b.Symbol(),
			StrategyID: b.StrategyID(),
			State:      b.State(),
			Completed:  ps.Completed,
			Total:      ps.Total,
			LastPrice:  b.LastPrice(),
			Pending:    len(b.PendingOrders()),
		})
	}
	return out
}
