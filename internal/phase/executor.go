// Package phase is the per-position phase state machine. It decides which
// phases are due, guarantees each phase is recorded at most once and derives
// summaries from the recorded executions. It performs no I/O.
package phase

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/strategy"
	"github.com/pkg/errors"
)

var (
	ErrInvalidEntryPrice    = errors.New("entry price must be positive")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInvalidPhase         = errors.New("invalid phase number")
	ErrPhaseAlreadyExecuted = errors.New("phase already executed")
	ErrStateMismatch        = errors.New("executed phases and history do not match")
)

const (
	DefaultMaxPhasesPerCall = 3
	DefaultMediumUrgency    = 10.0
	DefaultHighUrgency      = 20.0
)

// Option configures an Executor.
type Option func(*Executor)

// WithUrgencyThresholds sets the overshoot (in percentage points) above which
// a candidate is medium and high urgency.
func WithUrgencyThresholds(medium, high float64) Option {
	return func(e *Executor) {
		e.mediumUrgency = medium
		e.highUrgency = high
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// RecordOption carries optional execution details.
type RecordOption func(*ExecutionRecord)

func WithFees(fees float64) RecordOption {
	return func(r *ExecutionRecord) { r.Fees = fees }
}

func WithSlippage(slippage float64) RecordOption {
	return func(r *ExecutionRecord) { r.Slippage = &slippage }
}

func WithLatency(latency time.Duration) RecordOption {
	return func(r *ExecutionRecord) { r.Latency = latency }
}

func WithOrderID(orderID string) RecordOption {
	return func(r *ExecutionRecord) { r.OrderID = orderID }
}

// WithTimestamp overrides the record time, used when replaying fills that
// happened earlier.
func WithTimestamp(ts time.Time) RecordOption {
	return func(r *ExecutionRecord) { r.Timestamp = ts }
}

// Executor tracks the phases of one position. The entry price is fixed for
// its lifetime. All methods are safe for concurrent use; the set of executed
// phases and the history are only ever changed together under one lock.
type Executor struct {
	mu sync.RWMutex

	strategy    *strategy.Config
	entryPrice  float64
	totalAmount float64

	executed map[int]struct{}
	history  []ExecutionRecord

	mediumUrgency float64
	highUrgency   float64
	now           func() time.Time
}

// New fails on a non-positive entry price or amount. Such errors are fatal
// for the position and must not be retried.
func New(strat *strategy.Config, entryPrice, totalAmount float64, opts ...Option) (*Executor, error) {
	if strat == nil {
		return nil, errors.Wrap(strategy.ErrEmptyStrategy, "nil strategy")
	}
	if !isPositive(entryPrice) {
		return nil, errors.Wrapf(ErrInvalidEntryPrice, "got %v", entryPrice)
	}
	if !isPositive(totalAmount) {
		return nil, errors.Wrapf(ErrInvalidAmount, "total amount %v", totalAmount)
	}

	e := &Executor{
		strategy:      strat,
		entryPrice:    entryPrice,
		totalAmount:   totalAmount,
		executed:      make(map[int]struct{}, strat.NumPhases()),
		mediumUrgency: DefaultMediumUrgency,
		highUrgency:   DefaultHighUrgency,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Strategy() *strategy.Config { return e.strategy }
func (e *Executor) EntryPrice() float64         { return e.entryPrice }

func (e *Executor) TotalAmount() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalAmount
}

// UpdatePosition changes the position size after an externally confirmed fill.
func (e *Executor) UpdatePosition(totalAmount float64) error {
	if !isPositive(totalAmount) {
		return errors.Wrapf(ErrInvalidAmount, "total amount %v", totalAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalAmount = totalAmount
	return nil
}

// PriceIncreasePct is the move of price relative to entry, in percent.
func (e *Executor) PriceIncreasePct(price float64) float64 {
	return (price - e.entryPrice) / e.entryPrice * 100
}

// TargetPrice returns the trigger price of a 1-based phase.
func (e *Executor) TargetPrice(phase int) (float64, bool) {
	l, ok := e.strategy.Level(phase)
	if !ok {
		return 0, false
	}
	return e.entryPrice * l.Multiplier, true
}

// Evaluate returns the unexecuted phases whose target is reached at
// currentPrice, most urgent first, at most maxPhasesPerCall of them
// (DefaultMaxPhasesPerCall when <= 0), together with the current summary.
func (e *Executor) Evaluate(currentPrice float64, maxPhasesPerCall int) ([]Candidate, Summary) {
	if maxPhasesPerCall <= 0 {
		maxPhasesPerCall = DefaultMaxPhasesPerCall
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	summary := e.summaryLocked(currentPrice)
	if !isPositive(currentPrice) {
		return nil, summary
	}

	increase := e.PriceIncreasePct(currentPrice)
	var candidates []Candidate
	for i, l := range e.strategy.Levels() {
		phase := i + 1
		if increase < l.TargetPercentage {
			continue
		}
		if _, done := e.executed[phase]; done {
			continue
		}
		amount := e.totalAmount * l.SellPercentage / 100
		overshoot := increase - l.TargetPercentage
		candidates = append(candidates, Candidate{
			Phase:          phase,
			Level:          l,
			Amount:         amount,
			TargetPrice:    e.entryPrice * l.Multiplier,
			ExpectedProfit: amount * (currentPrice - e.entryPrice),
			Overshoot:      overshoot,
			Urgency:        e.urgency(overshoot),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Urgency > candidates[j].Urgency
	})
	if len(candidates) > maxPhasesPerCall {
		candidates = candidates[:maxPhasesPerCall]
	}
	return candidates, summary
}

func (e *Executor) urgency(overshoot float64) Urgency {
	switch {
	case overshoot > e.highUrgency:
		return UrgencyHigh
	case overshoot > e.mediumUrgency:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// RecordExecution marks phase as executed and appends its record in one step.
// A phase can be recorded once; later attempts return ErrPhaseAlreadyExecuted
// and change nothing.
func (e *Executor) RecordExecution(phase int, executionPrice, amount float64, opts ...RecordOption) (ExecutionRecord, error) {
	if _, ok := e.strategy.Level(phase); !ok {
		return ExecutionRecord{}, errors.Wrapf(ErrInvalidPhase, "phase %d of %d", phase, e.strategy.NumPhases())
	}
	if !isPositive(executionPrice) {
		return ExecutionRecord{}, errors.Wrapf(ErrInvalidPrice, "phase %d execution price %v", phase, executionPrice)
	}
	if !isPositive(amount) {
		return ExecutionRecord{}, errors.Wrapf(ErrInvalidAmount, "phase %d amount %v", phase, amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, done := e.executed[phase]; done {
		return ExecutionRecord{}, errors.Wrapf(ErrPhaseAlreadyExecuted, "phase %d", phase)
	}

	rec := ExecutionRecord{
		Phase:     phase,
		Price:     executionPrice,
		Amount:    amount,
		Timestamp: e.now(),
	}
	for _, opt := range opts {
		opt(&rec)
	}
	rec.Profit = amount*(executionPrice-e.entryPrice) - rec.Fees

	e.history = append(e.history, rec)
	e.executed[phase] = struct{}{}
	return rec, nil
}

// IsExecuted reports whether phase has been recorded.
func (e *Executor) IsExecuted(phase int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.executed[phase]
	return ok
}

// IsComplete reports whether every phase has been executed.
func (e *Executor) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.executed) == e.strategy.NumPhases()
}

// History returns a copy of the execution history.
func (e *Executor) History() []ExecutionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneHistory(e.history)
}

// Reset forgets every execution. It exists for replaying a strategy over a new
// price series and must not be used on live positions.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = make(map[int]struct{}, e.strategy.NumPhases())
	e.history = nil
}

// PhaseStatus reports per-phase progress.
func (e *Executor) PhaseStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byPhase := make(map[int]ExecutionRecord, len(e.history))
	for _, r := range e.history {
		byPhase[r.Phase] = r
	}

	levels := e.strategy.Levels()
	st := Status{
		Total:  len(levels),
		Phases: make([]PhaseDetail, 0, len(levels)),
	}
	for i, l := range levels {
		phase := i + 1
		d := PhaseDetail{
			Phase:            phase,
			TargetPercentage: l.TargetPercentage,
			TargetPrice:      e.entryPrice * l.Multiplier,
			SellPercentage:   l.SellPercentage,
			PlannedAmount:    e.totalAmount * l.SellPercentage / 100,
		}
		if _, done := e.executed[phase]; done {
			d.Executed = true
			st.Completed++
			if r, ok := byPhase[phase]; ok {
				ts := r.Timestamp
				d.ExecutionPrice = r.Price
				d.ExecutedAt = &ts
			}
		} else if st.NextPhase == nil {
			next := phase
			st.NextPhase = &next
		}
		st.Phases = append(st.Phases, d)
	}
	st.Pending = st.Total - st.Completed
	return st
}

func isPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1) && !math.IsNaN(v)
}

func cloneHistory(in []ExecutionRecord) []ExecutionRecord {
	if in == nil {
		return nil
	}
	out := make([]ExecutionRecord, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Slippage != nil {
			s := *out[i].Slippage
			out[i].Slippage = &s
		}
	}
	return out
}
