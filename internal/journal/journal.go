package journal

import (
	"context"
	"time"
)

// Event types written by the engine.
const (
	TypeExecution  = "execution"
	TypeOrder      = "order"
	TypeLifecycle  = "lifecycle"
	TypeError      = "error"
	TypeDeadLetter = "dead_letter"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	PositionID  string         `json:"position_id,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
}

// New stamps the event with the current time.
func New(eventType, positionID, description string, data map[string]any) Event {
	return Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		PositionID:  positionID,
		Description: description,
		Data:        data,
	}
}
