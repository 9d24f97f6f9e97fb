package phase

import (
	"sort"

	"github.com/pkg/errors"
)

// ExportState snapshots the executed phases and the history together.
func (e *Executor) ExportState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	phases := make([]int, 0, len(e.executed))
	for p := range e.executed {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	return State{
		ExecutedPhases: phases,
		History:        cloneHistory(e.history),
	}
}

// ImportState replaces the executor's state with st. The state is rejected,
// leaving the executor untouched, unless every executed phase is in range,
// listed once, and has exactly one history record.
func (e *Executor) ImportState(st State) error {
	executed := make(map[int]struct{}, len(st.ExecutedPhases))
	for _, p := range st.ExecutedPhases {
		if _, ok := e.strategy.Level(p); !ok {
			return errors.Wrapf(ErrInvalidPhase, "import phase %d of %d", p, e.strategy.NumPhases())
		}
		if _, dup := executed[p]; dup {
			return errors.Wrapf(ErrStateMismatch, "phase %d listed twice", p)
		}
		executed[p] = struct{}{}
	}

	if len(st.History) != len(executed) {
		return errors.Wrapf(ErrStateMismatch, "%d executed phases but %d records", len(executed), len(st.History))
	}
	seen := make(map[int]struct{}, len(st.History))
	for _, r := range st.History {
		if _, ok := executed[r.Phase]; !ok {
			return errors.Wrapf(ErrStateMismatch, "record for phase %d not marked executed", r.Phase)
		}
		if _, dup := seen[r.Phase]; dup {
			return errors.Wrapf(ErrStateMismatch, "phase %d recorded twice", r.Phase)
		}
		seen[r.Phase] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = executed
	e.history = cloneHistory(st.History)
	return nil
}
