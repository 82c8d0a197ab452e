package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casedeskhq/eventengine/pkg/db/models"
)

// PendingEvent is a serialized event ready for append. The store assigns
// Version and Position.
type PendingEvent struct {
	EventID       uuid.UUID
	Name          string
	Payload       json.RawMessage
	OccurredAt    time.Time
	CorrelationID *uuid.UUID
	CausationID   *uuid.UUID
}

// AppendBatch groups the pending events of one stream for an atomic append.
type AppendBatch struct {
	Stream          StreamID
	ExpectedVersion int64
	Events          []PendingEvent
}

// Stats summarizes store health for operational surfaces.
type Stats struct {
	MaxPosition  int64 `json:"maxPosition"`
	Undispatched int64 `json:"undispatched"`
	DeadLettered int64 `json:"deadLettered"`
}

// Store is the append-only event log. Only the unit of work writes event
// rows, and only through the version-checked append path; the dispatcher owns
// the dispatched_at transition and the retry bookkeeping.
type Store interface {
	// Append atomically appends all events to one stream, assigning
	// contiguous versions starting at expectedVersion+1. Fails with a
	// CONCURRENCY_CONFLICT error when the stream's current max version
	// differs from expectedVersion, and with VALIDATION_ERROR on an empty
	// batch. No partial append is observable.
	Append(ctx context.Context, stream StreamID, expectedVersion int64, events []PendingEvent) ([]int64, error)

	// AppendAll appends several streams' batches in one transaction; a
	// conflict on any batch rolls back every batch.
	AppendAll(ctx context.Context, batches []AppendBatch) ([]models.EventRecord, error)

	// ReadStream returns the stream's events from fromVersion (exclusive)
	// upward, version-ordered. Empty if the stream does not exist.
	ReadStream(ctx context.Context, stream StreamID, fromVersion int64) ([]models.EventRecord, error)

	// ReadByStreamTypes returns a global-position-ordered slice filtered by
	// stream type; fromPosition is exclusive. An empty filter matches every
	// stream type.
	ReadByStreamTypes(ctx context.Context, streamTypes []string, fromPosition int64, limit int) ([]models.EventRecord, error)

	// ReadUndispatched returns events not yet successfully published, oldest
	// position first, skipping events whose attempt count has exhausted the
	// store's retry budget.
	ReadUndispatched(ctx context.Context, limit int) ([]models.EventRecord, error)

	// MarkDispatchedBatch sets dispatched_at for exactly the given positions.
	// Marking an already-dispatched position is a no-op.
	MarkDispatchedBatch(ctx context.Context, positions []int64) error

	// MarkDispatchFailed increments an event's attempt count and records the
	// last error, leaving it eligible for retry.
	MarkDispatchFailed(ctx context.Context, position int64, dispatchErr error) error

	// DeadLetter copies the event to the dead-letter table and exhausts its
	// retry budget in one transaction. The event row itself stays in the log,
	// undispatched, per the immutability contract.
	DeadLetter(ctx context.Context, rec models.EventRecord, reason models.DeadLetterReason, cause error) error

	// Stats reports queue depth counters for health endpoints.
	Stats(ctx context.Context) (Stats, error)
}
