package bot

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a position.
type State string

const (
	// StateOpen - position created, no phase executed yet
	StateOpen State = "open"

	// StatePhaseTriggered - at least one phase executed, more remain
	StatePhaseTriggered State = "phase_triggered"

	// StateClosed - all phases executed or closed explicitly. Terminal.
	StateClosed State = "closed"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

const maxHistorySize = 1000

// Transition represents a move from one state to another
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Phase     int       `json:"phase,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle is the Open → PhaseTriggered* → Closed machine of one position.
// It is not synchronized; the Bot guards it.
type Lifecycle struct {
	current        State
	symbol         string
	transitions    int
	lastTransition time.Time
	history        []Transition
	now            func() time.Time
}

func NewLifecycle(symbol string) *Lifecycle {
	return &Lifecycle{
		current: StateOpen,
		symbol:  symbol,
		history: make([]Transition, 0),
		now:     time.Now,
	}
}

func (l *Lifecycle) Current() State { return l.current }

func (l *Lifecycle) IsInState(s State) bool { return l.current == s }

func allowed(from, to State) bool {
	switch from {
	case StateOpen:
		return to == StatePhaseTriggered || to == StateClosed
	case StatePhaseTriggered:
		return to == StatePhaseTriggered || to == StateClosed
	}
	return false
}

// TransitionTo moves to s. Closed accepts no further transitions.
func (l *Lifecycle) TransitionTo(s State, phase int, reason string) error {
	if !allowed(l.current, s) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", l.current, s)
	}
	now := l.now()
	l.history = append(l.history, Transition{
		From:      l.current,
		To:        s,
		Phase:     phase,
		Reason:    reason,
		Timestamp: now,
	})
	if len(l.history) > maxHistorySize {
		l.history = l.history[len(l.history)-maxHistorySize:]
	}
	l.transitions++
	l.current = s
	l.lastTransition = now
	return nil
}

// History returns the retained transitions, oldest first.
func (l *Lifecycle) History() []Transition {
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}

// Duration is the time spent in the current state.
func (l *Lifecycle) Duration() time.Duration {
	if l.lastTransition.IsZero() {
		return 0
	}
	return l.now().Sub(l.lastTransition)
}

// Metrics summarizes the machine.
func (l *Lifecycle) Metrics() map[string]any {
	counts := make(map[State]int)
	for _, t := range l.history {
		counts[t.To]++
	}
	return map[string]any{
		"current_state":     l.current,
		"total_transitions": l.transitions,
		"history_size":      len(l.history),
		"last_transition":   l.lastTransition,
		"state_counts":      counts,
	}
}

// restore puts the machine into s without recording a transition.
func (l *Lifecycle) restore(s State) error {
	switch s {
	case StateOpen, StatePhaseTriggered, StateClosed:
		l.current = s
		return nil
	}
	return errors.Wrapf(ErrInvalidTransition, "unknown state %q", s)
}

func (l *Lifecycle) String() string {
	return fmt.Sprintf("Lifecycle{symbol: %s, current: %s, transitions: %d}", l.symbol, l.current, l.transitions)
}
