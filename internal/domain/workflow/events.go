package workflow

import (
	"time"

	"github.com/google/uuid"
)

// StateChangeEvent is emitted after every applied transition. It is ephemeral
// and never persisted.
type StateChangeEvent struct {
	RequestID  uuid.UUID
	Previous   Stage
	Current    Stage
	Forced     bool
	OccurredAt time.Time
}

// NewStateChangeEvent creates an event for an applied transition.
func NewStateChangeEvent(id uuid.UUID, previous, current Stage, forced bool, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		RequestID:  id,
		Previous:   previous,
		Current:    current,
		Forced:     forced,
		OccurredAt: at.UTC(),
	}
}
