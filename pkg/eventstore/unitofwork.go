package eventstore

import (
	"context"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/logger"
)

// UnitOfWork commits the state changes of one logical command as versioned
// event streams. Attach every aggregate the command touches, then call
// SaveChanges exactly once; the unit of work is not reusable afterwards.
type UnitOfWork struct {
	store      Store
	serializer Serializer
	bus        *Bus
	logg       *logger.Logger
	aggregates []AggregateRoot
}

func NewUnitOfWork(store Store, serializer Serializer, bus *Bus, logg *logger.Logger) *UnitOfWork {
	return &UnitOfWork{
		store:      store,
		serializer: serializer,
		bus:        bus,
		logg:       logg,
	}
}

// Attach registers aggregates with the current scope. Attaching the same
// aggregate twice is harmless: each instance is tracked once, so its pending
// events serialize into a single append batch.
func (u *UnitOfWork) Attach(aggregates ...AggregateRoot) {
	for _, ar := range aggregates {
		if u.attached(ar) {
			continue
		}
		u.aggregates = append(u.aggregates, ar)
	}
}

func (u *UnitOfWork) attached(ar AggregateRoot) bool {
	for _, existing := range u.aggregates {
		if existing == ar {
			return true
		}
	}
	return false
}

// SaveChanges persists every pending event of every attached aggregate in a
// single atomic append, clears the aggregates' buffers, then best-effort
// publishes the new events to in-process subscribers. Publish failures are
// logged and left to the deferred dispatcher; they never undo the commit.
// Returns the number of events committed.
func (u *UnitOfWork) SaveChanges(ctx context.Context) (int, error) {
	touched := make([]AggregateRoot, 0, len(u.aggregates))
	batches := make([]AppendBatch, 0, len(u.aggregates))
	events := make([]Event, 0)

	for _, ar := range u.aggregates {
		pendingEvents := ar.PendingEvents()
		if len(pendingEvents) == 0 {
			continue
		}
		batch := AppendBatch{
			Stream:          ar.StreamID(),
			ExpectedVersion: ar.Version(),
			Events:          make([]PendingEvent, 0, len(pendingEvents)),
		}
		for _, recorded := range pendingEvents {
			name, payload, err := u.serializer.Serialize(recorded.Event)
			if err != nil {
				// nothing has been written yet; the whole command fails
				return 0, err
			}
			batch.Events = append(batch.Events, PendingEvent{
				EventID:       recorded.EventID,
				Name:          name,
				Payload:       payload,
				OccurredAt:    recorded.OccurredAt,
				CorrelationID: recorded.CorrelationID,
				CausationID:   recorded.CausationID,
			})
			events = append(events, recorded.Event)
		}
		touched = append(touched, ar)
		batches = append(batches, batch)
	}

	if len(batches) == 0 {
		return 0, nil
	}

	records, err := u.store.AppendAll(ctx, batches)
	if err != nil {
		return 0, err
	}

	for _, ar := range touched {
		ar.SetVersion(ar.Version() + int64(len(ar.PendingEvents())))
		ar.ClearPendingEvents()
	}

	u.dispatchImmediate(ctx, records, events)

	return len(records), nil
}

// dispatchImmediate is a latency optimization only: the events stay marked
// undispatched until the deferred dispatcher confirms delivery, so a slow or
// failing subscriber costs nothing but an extra poll interval.
func (u *UnitOfWork) dispatchImmediate(ctx context.Context, records []models.EventRecord, events []Event) {
	if u.bus == nil {
		return
	}
	for i, rec := range records {
		if err := u.bus.Publish(ctx, rec, events[i]); err != nil {
			if u.logg != nil {
				logCtx := u.logg.WithFields(ctx, map[string]any{
					"event_name": rec.Name,
					"stream_id":  rec.StreamID,
					"position":   rec.Position,
				})
				u.logg.Warn(logCtx, "immediate dispatch failed, deferring to dispatcher")
			}
		}
	}
}
