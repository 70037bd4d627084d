package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a committed fact in an aggregate's history. Once committed it is
// immutable: the store never updates or deletes event rows.
type Event struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	Version     int64
	EventType   string
	Payload     []byte
	OccurredAt  time.Time
}

// NewEvent is a candidate event produced by a command handler. The store
// assigns identity, version and timestamp when it commits.
type NewEvent struct {
	EventType string
	Payload   []byte
}
