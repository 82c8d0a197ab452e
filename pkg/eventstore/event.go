package eventstore

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event raised by an aggregate. Implementations are plain
// structs; EventName is the serializer's discriminator and must be stable
// across releases.
type Event interface {
	EventName() string
}

// RecordedEvent is an event an aggregate has raised but that has not been
// persisted yet. The aggregate stamps occurrence metadata at the moment of
// the business mutation; the unit of work serializes and appends it.
type RecordedEvent struct {
	Event         Event
	EventID       uuid.UUID
	OccurredAt    time.Time
	CorrelationID *uuid.UUID
	CausationID   *uuid.UUID
}
