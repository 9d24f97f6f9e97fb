// Package bot drives one position against a stream of prices: it evaluates
// phases, submits the sells, records fills and reports status.
package bot

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/db"
	"github.com/amirphl/phase-trader/internal/exchange"
	"github.com/amirphl/phase-trader/internal/journal"
	"github.com/amirphl/phase-trader/internal/metrics"
	"github.com/amirphl/phase-trader/internal/notifier"
	"github.com/amirphl/phase-trader/internal/order"
	"github.com/amirphl/phase-trader/internal/phase"
	"github.com/amirphl/phase-trader/internal/position"
	"github.com/amirphl/phase-trader/internal/snapshot"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed       = errors.New("position is closed")
	ErrInvalidPrice = errors.New("price must be positive")
)

// Config tunes the driver.
type Config struct {
	MaxPhasesPerTick int           `yaml:"max_phases_per_tick"`
	OrderType        string        `yaml:"order_type"` // market or limit
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	StaleTickAfter   time.Duration `yaml:"stale_tick_after"`
}

func DefaultConfig() Config {
	return Config{
		MaxPhasesPerTick: phase.DefaultMaxPhasesPerCall,
		OrderType:        order.TypeMarket,
		SubmitTimeout:    10 * time.Second,
		StaleTickAfter:   5 * time.Second,
	}
}

// Persister accepts execution records for background storage. *db.Writer
// implements it.
type Persister interface {
	PersistExecution(exec db.Execution) error
}

type Option func(*Bot)

func WithConfig(c Config) Option {
	return func(b *Bot) { b.cfg = c }
}

// WithPriceFeed enables fresh price reads for stale ticks.
func WithPriceFeed(f exchange.PriceFeed) Option {
	return func(b *Bot) { b.feed = f }
}

func WithPersister(p Persister) Option {
	return func(b *Bot) { b.persister = p }
}

func WithJournal(j journal.Journaler) Option {
	return func(b *Bot) { b.journal = j }
}

func WithNotifier(n notifier.Notifier) Option {
	return func(b *Bot) { b.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bot) { b.now = now }
}

// WithCheckpoint makes fn store a snapshot before every order submission. fn
// must return once the snapshot is durable.
func WithCheckpoint(fn func(snapshot.Snapshot)) Option {
	return func(b *Bot) { b.checkpoint = fn }
}

// Result is the outcome of one price update.
type Result struct {
	Actions []string `json:"actions"`
	Fills   []Fill   `json:"fills,omitempty"`
	Status  Status   `json:"status"`
}

// Fill classifies a recorded order against the planned phase amount.
type Fill struct {
	Phase   int    `json:"phase"`
	OrderID string `json:"order_id"`
	position.FillResult
}

// Status is the position state after a price update.
type Status struct {
	PositionID    string        `json:"position_id"`
	Symbol        string        `json:"symbol"`
	StrategyID    string        `json:"strategy_id"`
	State         State         `json:"state"`
	Price         float64       `json:"price"`
	Summary       phase.Summary `json:"summary"`
	PendingOrders int           `json:"pending_orders"`
}

// Bot is the execution driver of one position. OnPriceUpdate, OnTick,
// ReconcilePending, Close and Restore are serialized: one step never
// interleaves with another. Read-only views can be called from any goroutine.
type Bot struct {
	stepMu sync.Mutex

	mu        sync.RWMutex
	lifecycle *Lifecycle
	pending   map[int]snapshot.PendingOrder
	peak      float64
	trough    float64
	lastPrice float64
	reason    string

	mgr       *position.Manager
	exec      *phase.Executor
	orders    exchange.OrderService
	feed      exchange.PriceFeed
	persister Persister
	journal   journal.Journaler
	notifier  notifier.Notifier
	cfg       Config
	now       func() time.Time
	log       *logrus.Entry

	checkpoint func(snapshot.Snapshot)
	fills      []Fill // of the running step
}

// New wraps an opened position.
func New(mgr *position.Manager, orders exchange.OrderService, opts ...Option) (*Bot, error) {
	if mgr == nil {
		return nil, errors.New("nil position manager")
	}
	if orders == nil {
		return nil, errors.New("nil order service")
	}
	b := &Bot{
		lifecycle: NewLifecycle(mgr.Symbol()),
		pending:   make(map[int]snapshot.PendingOrder),
		mgr:       mgr,
		exec:      mgr.Executor(),
		orders:    orders,
		notifier:  notifier.Noop{},
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.MaxPhasesPerTick <= 0 {
		b.cfg.MaxPhasesPerTick = phase.DefaultMaxPhasesPerCall
	}
	if b.cfg.OrderType == "" {
		b.cfg.OrderType = order.TypeMarket
	}
	if b.cfg.SubmitTimeout <= 0 {
		b.cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	b.lifecycle.now = b.now
	b.log = utils.GetLogger().WithFields(logrus.Fields{
		"symbol":      mgr.Symbol(),
		"position_id": mgr.ID(),
	})
	return b, nil
}

func (b *Bot) ID() string                    { return b.mgr.ID() }
func (b *Bot) Symbol() string                { return b.mgr.Symbol() }
func (b *Bot) StrategyID() string            { return b.exec.Strategy().ID() }
func (b *Bot) Manager() *position.Manager    { return b.mgr }
func (b *Bot) Executor() *phase.Executor     { return b.exec }
func (b *Bot) Orders() exchange.OrderService { return b.orders }

func (b *Bot) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle.Current()
}

func (b *Bot) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle.IsInState(StateClosed)
}

// StateDuration is the time spent in the current lifecycle state.
func (b *Bot) StateDuration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle.Duration()
}

// LifecycleMetrics summarizes the lifecycle transitions.
func (b *Bot) LifecycleMetrics() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle.Metrics()
}

// LastPrice is the price of the latest processed update, 0 before the first.
func (b *Bot) LastPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice
}

// History returns the lifecycle transitions.
func (b *Bot) History() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle.History()
}

// PendingOrders returns the orders not known to be finished, by phase.
func (b *Bot) PendingOrders() []snapshot.PendingOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pendingLocked()
}

func (b *Bot) pendingLocked() []snapshot.PendingOrder {
	out := make([]snapshot.PendingOrder, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}

// OnTick processes a pushed trade. A tick older than StaleTickAfter is
// replaced by a fresh price from the feed when one is configured.
func (b *Bot) OnTick(ctx context.Context, tick exchange.Tick) (Result, error) {
	price := tick.Price
	if b.feed != nil && b.cfg.StaleTickAfter > 0 && !tick.Timestamp.IsZero() &&
		b.now().Sub(tick.Timestamp) > b.cfg.StaleTickAfter {
		fresh, err := b.feed.GetPrice(ctx, b.Symbol())
		if err != nil || !(fresh > 0) {
			b.log.Warnf("Bot | stale tick from %v, fresh price unavailable: %v", tick.Timestamp, err)
		} else {
			price = fresh
		}
	}
	return b.OnPriceUpdate(ctx, price)
}

// OnPriceUpdate evaluates the phases at price and sells the due ones. A failed
// order leaves its phase pending for the next tick. Orders still open or with
// unknown outcome are looked up first, whatever the price, and their phases are
// not submitted again while they are.
func (b *Bot) OnPriceUpdate(ctx context.Context, price float64) (Result, error) {
	if !(price > 0) || math.IsInf(price, 1) {
		return Result{}, errors.Wrapf(ErrInvalidPrice, "got %v", price)
	}

	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	if b.IsClosed() {
		return Result{}, errors.Wrapf(ErrClosed, "position %s", b.ID())
	}
	b.trackPrice(price)
	b.fills = nil

	actions := b.resolveAllPending(ctx)
	candidates, _ := b.exec.Evaluate(price, b.cfg.MaxPhasesPerTick)
	for _, c := range candidates {
		if b.hasPending(c.Phase) {
			continue
		}
		actions = append(actions, b.executePhase(ctx, c, price))
	}

	if b.exec.IsComplete() {
		if err := b.transition(StateClosed, 0, "all phases executed"); err == nil {
			actions = append(actions, "position closed: all phases executed")
		}
	}

	fills := b.fills
	b.fills = nil
	return Result{Actions: actions, Fills: fills, Status: b.status(price)}, nil
}

func (b *Bot) trackPrice(price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrice = price
	if price > b.peak {
		b.peak = price
	}
	if b.trough == 0 || price < b.trough {
		b.trough = price
	}
}

func (b *Bot) executePhase(ctx context.Context, c phase.Candidate, price float64) string {
	req := order.Request{
		ClientOrderID: uuid.NewString(),
		Symbol:        b.Symbol(),
		Side:          order.SideSell,
		Type:          b.cfg.OrderType,
		Quantity:      c.Amount,
	}
	if req.Type == order.TypeLimit {
		req.Price = price
	}

	// The client order id is stored before the order can reach the exchange,
	// so a restart looks it up instead of selling the phase again.
	start := b.now()
	b.addPending(snapshot.PendingOrder{
		Phase:         c.Phase,
		ClientOrderID: req.ClientOrderID,
		Amount:        c.Amount,
		SubmittedAt:   start,
	})
	if b.checkpoint != nil {
		b.checkpoint(b.snapshotLocked())
	}

	sctx, cancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer cancel()

	resp, err := b.orders.SubmitOrder(sctx, req)
	latency := b.now().Sub(start)

	if err != nil {
		if exchange.IsUnknownOutcome(err) {
			metrics.OrderFailures.WithLabelValues(b.Symbol(), "unknown_outcome").Inc()
			b.log.Warnf("Bot | phase %d order %s outcome unknown: %v", c.Phase, req.ClientOrderID, err)
			b.logEvent(journal.TypeOrder, fmt.Sprintf("phase %d order outcome unknown", c.Phase), map[string]any{
				"phase": c.Phase, "client_order_id": req.ClientOrderID, "error": err.Error(),
			})
			b.alert(fmt.Sprintf("%s phase %d: order %s outcome unknown, reconciling", b.Symbol(), c.Phase, req.ClientOrderID))
			return fmt.Sprintf("phase %d: order %s outcome unknown", c.Phase, req.ClientOrderID)
		}
		b.clearPending(c.Phase)
		metrics.OrderFailures.WithLabelValues(b.Symbol(), "rejected").Inc()
		b.log.Warnf("Bot | phase %d order failed: %v", c.Phase, err)
		b.logEvent(journal.TypeError, fmt.Sprintf("phase %d order failed", c.Phase), map[string]any{
			"phase": c.Phase, "error": err.Error(),
		})
		return fmt.Sprintf("phase %d: order failed: %v", c.Phase, err)
	}

	if !resp.IsTerminal() {
		b.log.Printf("Bot | phase %d order %s is %s, filled %v so far", c.Phase, req.ClientOrderID, resp.Status, resp.FilledQty)
		return fmt.Sprintf("phase %d: order %s is %s, waiting", c.Phase, req.ClientOrderID, resp.Status)
	}
	b.clearPending(c.Phase)
	return b.applyFill(c.Phase, c.TargetPrice, c.Amount, resp, latency)
}

// applyFill records the filled part of a terminal order. The phase counts as
// executed even when the fill is partial.
func (b *Bot) applyFill(p int, target, planned float64, resp order.Response, latency time.Duration) string {
	if !(resp.FilledQty > 0 && resp.AvgPrice > 0) {
		metrics.OrderFailures.WithLabelValues(b.Symbol(), "no_fill").Inc()
		b.log.Warnf("Bot | phase %d order %s ended %s without fill", p, resp.OrderID, resp.Status)
		return fmt.Sprintf("phase %d: order %s %s without fill", p, resp.OrderID, resp.Status)
	}

	opts := []phase.RecordOption{
		phase.WithFees(resp.Fee),
		phase.WithLatency(latency),
		phase.WithOrderID(resp.OrderID),
	}
	if target > 0 {
		opts = append(opts, phase.WithSlippage((target-resp.AvgPrice)/target*100))
	}
	rec, err := b.exec.RecordExecution(p, resp.AvgPrice, resp.FilledQty, opts...)
	if err != nil {
		// Idempotency violations are logged and ignored.
		b.log.Errorf("Bot | failed to record phase %d: %v", p, err)
		return fmt.Sprintf("phase %d: not recorded: %v", p, err)
	}

	metrics.PhaseExecutions.WithLabelValues(b.Symbol(), b.StrategyID()).Inc()
	metrics.RealizedProfit.WithLabelValues(b.ID()).Set(b.exec.CalculateSummary(resp.AvgPrice).RealizedProfit)

	if b.persister != nil {
		if err := b.persister.PersistExecution(db.NewExecution(b.ID(), b.Symbol(), b.StrategyID(), rec)); err != nil {
			b.log.Errorf("Bot | failed to queue phase %d for persistence: %v", p, err)
		}
	}
	b.logEvent(journal.TypeExecution, fmt.Sprintf("phase %d executed", p), map[string]any{
		"phase": p, "price": rec.Price, "amount": rec.Amount, "profit": rec.Profit, "order_id": rec.OrderID,
	})
	_ = b.transition(StatePhaseTriggered, p, fmt.Sprintf("phase %d executed", p))

	action := fmt.Sprintf("phase %d: sold %s at %s, profit %.2f",
		p, order.FormatQuantity(rec.Amount, 0, 8), order.FormatQuantity(rec.Price, 0, 8), rec.Profit)

	fill, err := b.mgr.HandlePartialFill(resp.FilledQty, planned)
	if err == nil {
		b.fills = append(b.fills, Fill{Phase: p, OrderID: rec.OrderID, FillResult: fill})
		if fill.Status == position.FillPartial {
			action += fmt.Sprintf(" (partial fill %.1f%%, next: %s)", fill.FillPercentage, fill.NextAction)
			b.log.Warnf("Bot | phase %d filled %.2f%% of %v, next action %s", p, fill.FillPercentage, planned, fill.NextAction)
		}
	}

	b.log.Printf("Bot | %s", action)
	b.alert(fmt.Sprintf("%s %s", b.Symbol(), action))
	return action
}

func (b *Bot) hasPending(p int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.pending[p]
	return ok
}

func (b *Bot) addPending(p snapshot.PendingOrder) {
	b.mu.Lock()
	b.pending[p.Phase] = p
	n := len(b.pending)
	b.mu.Unlock()
	metrics.PendingOrders.WithLabelValues(b.Symbol()).Set(float64(n))
}

func (b *Bot) clearPending(p int) {
	b.mu.Lock()
	delete(b.pending, p)
	n := len(b.pending)
	b.mu.Unlock()
	metrics.PendingOrders.WithLabelValues(b.Symbol()).Set(float64(n))
}

// resolvePending looks up the order of phase p. handled is false when the
// phase may be submitted again.
func (b *Bot) resolvePending(ctx context.Context, p int, target float64) (action string, handled bool) {
	b.mu.RLock()
	po, ok := b.pending[p]
	b.mu.RUnlock()
	if !ok {
		return "", false
	}

	sctx, cancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer cancel()
	resp, err := b.orders.GetOrderStatus(sctx, b.Symbol(), po.ClientOrderID)

	switch {
	case errors.Is(err, exchange.ErrOrderNotFound):
		b.clearPending(p)
		b.log.Printf("Bot | phase %d order %s never reached the exchange", p, po.ClientOrderID)
		return "", false
	case err != nil:
		b.log.Warnf("Bot | phase %d order %s status unavailable: %v", p, po.ClientOrderID, err)
		return fmt.Sprintf("phase %d: order %s still unresolved", p, po.ClientOrderID), true
	case !resp.IsTerminal():
		return fmt.Sprintf("phase %d: order %s is %s, waiting", p, po.ClientOrderID, resp.Status), true
	}

	b.clearPending(p)
	if b.exec.IsExecuted(p) {
		b.log.Printf("Bot | phase %d order %s already recorded", p, po.ClientOrderID)
		return "", true
	}
	if resp.FilledQty > 0 && resp.AvgPrice > 0 {
		latency := resp.UpdatedAt.Sub(po.SubmittedAt)
		if resp.UpdatedAt.IsZero() || latency < 0 {
			latency = 0
		}
		return b.applyFill(p, target, po.Amount, resp, latency), true
	}
	b.log.Printf("Bot | phase %d order %s ended %s, resubmitting", p, po.ClientOrderID, resp.Status)
	return "", false
}

// resolveAllPending looks up every pending order of the position.
func (b *Bot) resolveAllPending(ctx context.Context) []string {
	var actions []string
	for _, po := range b.PendingOrders() {
		target, _ := b.exec.TargetPrice(po.Phase)
		if action, _ := b.resolvePending(ctx, po.Phase, target); action != "" {
			actions = append(actions, action)
		}
	}
	return actions
}

// ReconcilePending resolves every pending order. Orders that turn out
// unfilled are dropped so the phase is submitted again when due.
func (b *Bot) ReconcilePending(ctx context.Context) []string {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	actions := b.resolveAllPending(ctx)
	b.fills = nil
	switch {
	case b.IsClosed():
	case b.exec.IsComplete():
		_ = b.transition(StateClosed, 0, "all phases executed")
	case b.State() == StateOpen && len(b.exec.History()) > 0:
		_ = b.transition(StatePhaseTriggered, 0, "executions recovered")
	}
	return actions
}

// Close ends the position. Submitted orders are not cancelled.
func (b *Bot) Close(reason string) error {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()
	if b.IsClosed() {
		return errors.Wrapf(ErrClosed, "position %s", b.ID())
	}
	return b.transition(StateClosed, 0, reason)
}

// CloseReason is the reason of the closing transition.
func (b *Bot) CloseReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

func (b *Bot) transition(s State, p int, reason string) error {
	b.mu.Lock()
	from := b.lifecycle.Current()
	err := b.lifecycle.TransitionTo(s, p, reason)
	if err == nil && s == StateClosed {
		b.reason = reason
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if from != s {
		b.log.Printf("Bot | %s -> %s: %s", from, s, reason)
		b.logEvent(journal.TypeLifecycle, reason, map[string]any{"from": string(from), "to": string(s)})
	}
	if s == StateClosed {
		b.alert(fmt.Sprintf("%s position %s closed: %s", b.Symbol(), b.ID(), reason))
	}
	return nil
}

func (b *Bot) status(price float64) Status {
	b.mu.RLock()
	state := b.lifecycle.Current()
	pending := len(b.pending)
	b.mu.RUnlock()
	return Status{
		PositionID:    b.ID(),
		Symbol:        b.Symbol(),
		StrategyID:    b.StrategyID(),
		State:         state,
		Price:         price,
		Summary:       b.exec.CalculateSummary(price),
		PendingOrders: pending,
	}
}

func (b *Bot) logEvent(eventType, description string, data map[string]any) {
	if b.journal == nil {
		return
	}
	if err := b.journal.LogEvent(context.Background(), journal.New(eventType, b.ID(), description, data)); err != nil {
		b.log.Warnf("Bot | failed to journal %s event: %v", eventType, err)
	}
}

// alert delivers msg off the tick path.
func (b *Bot) alert(msg string) {
	n := b.notifier
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.SendWithRetry(ctx, msg); err != nil {
			utils.GetLogger().Printf("Bot | failed to send notification: %v", err)
		}
	}()
}
