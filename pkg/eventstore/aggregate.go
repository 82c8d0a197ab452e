package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/casedeskhq/eventengine/pkg/errors"
)

// AggregateRoot is an entity whose state changes are captured as a sequence
// of domain events. A root is exclusively owned by the command handler that
// loaded or created it, for the duration of one unit of work.
type AggregateRoot interface {
	// StreamID identifies the aggregate's event stream.
	StreamID() StreamID

	// Version is the current persisted version: the version of the last
	// committed event, or 0 for a new aggregate.
	Version() int64

	// SetVersion is called by the unit of work after a successful commit and
	// by Rehydrate after replay.
	SetVersion(v int64)

	// PendingEvents returns the events raised since the last commit, in
	// occurrence order.
	PendingEvents() []RecordedEvent

	// ClearPendingEvents drains the buffer; invoked only by the unit of work
	// after successful persistence.
	ClearPendingEvents()
}

// Rehydrator is an aggregate that can rebuild its state from its history.
type Rehydrator interface {
	AggregateRoot

	// On mutates aggregate state by a previously committed event.
	On(event Event)
}

// Root is an embeddable AggregateRoot implementation holding the stream
// identity, the persisted version, and the pending-event buffer.
type Root struct {
	stream  StreamID
	version int64
	pending []RecordedEvent
}

// NewRoot identifies a fresh aggregate; the stream id is minted with a new
// ULID. Use RootFor when loading an existing aggregate.
func NewRoot(streamType string) Root {
	return Root{stream: NewStreamID(streamType)}
}

// RootFor identifies an existing aggregate by its stream id.
func RootFor(stream StreamID) Root {
	return Root{stream: stream}
}

func (r *Root) StreamID() StreamID {
	return r.stream
}

func (r *Root) Version() int64 {
	return r.version
}

func (r *Root) SetVersion(v int64) {
	r.version = v
}

func (r *Root) PendingEvents() []RecordedEvent {
	return r.pending
}

func (r *Root) ClearPendingEvents() {
	r.pending = nil
}

// Record buffers a newly raised event, stamping its id and occurrence time.
func (r *Root) Record(event Event) {
	r.pending = append(r.pending, RecordedEvent{
		Event:      event,
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
	})
}

// RecordTraced buffers an event carrying correlation/causation identifiers.
func (r *Root) RecordTraced(event Event, correlationID, causationID *uuid.UUID) {
	r.pending = append(r.pending, RecordedEvent{
		Event:         event,
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		CausationID:   causationID,
	})
}

// Raise applies an event to the aggregate and buffers it for persistence.
// The usual entry point for command methods on Rehydrator aggregates.
func Raise(ar Rehydrator, event Event) {
	ar.On(event)
	if root, ok := ar.(interface{ Record(Event) }); ok {
		root.Record(event)
	}
}

// Rehydrate rebuilds an aggregate's state by replaying its committed events.
// Returns NOT_FOUND when the stream has no events.
func Rehydrate(ctx context.Context, store Store, serializer Serializer, ar Rehydrator) error {
	if ar.StreamID().IsZero() {
		return errors.New(errors.CodeValidation, "aggregate has no stream id")
	}
	records, err := store.ReadStream(ctx, ar.StreamID(), 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.Newf(errors.CodeNotFound, "stream %s has no events", ar.StreamID())
	}
	for _, rec := range records {
		event, err := serializer.Deserialize(rec.Name, rec.Payload)
		if err != nil {
			return err
		}
		ar.On(event)
	}
	ar.SetVersion(records[len(records)-1].Version)
	return nil
}
