package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	engineerrors "github.com/casedeskhq/eventengine/pkg/errors"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.EventRecord{}, &models.ProjectionCheckpoint{}, &models.DispatchDeadLetter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewGormStore(conn, StoreOptions{MaxDispatchAttempts: 3})
}

func pending(name string, body any) PendingEvent {
	payload, _ := json.Marshal(body)
	return PendingEvent{
		EventID:    uuid.New(),
		Name:       name,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stream := StreamID{Type: "User", ID: "X"}

	_, err := store.Append(ctx, stream, 0, []PendingEvent{
		pending("UserRegistered", map[string]string{"userId": "X"}),
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, stream, 1, []PendingEvent{
		pending("UserSuspended", map[string]string{"userId": "X"}),
		pending("UserReactivated", map[string]string{"userId": "X"}),
	})
	require.NoError(t, err)

	records, err := store.ReadStream(ctx, stream, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Version)
		assert.Equal(t, "User:X", rec.StreamID)
		assert.Equal(t, "User", rec.StreamType)
		assert.Nil(t, rec.DispatchedAt)
	}
	assert.Equal(t, "UserRegistered", records[0].Name)
	assert.Equal(t, "UserSuspended", records[1].Name)
	assert.Equal(t, "UserReactivated", records[2].Name)
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stream := StreamID{Type: "User", ID: "X"}

	_, err := store.Append(ctx, stream, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)
	_, err = store.Append(ctx, stream, 1, []PendingEvent{pending("UserSuspended", nil)})
	require.NoError(t, err)

	// stale writer still believes the stream is at version 1
	_, err = store.Append(ctx, stream, 1, []PendingEvent{pending("UserSuspended", nil)})
	require.Error(t, err)
	assert.True(t, engineerrors.IsConcurrencyConflict(err))

	records, err := store.ReadStream(ctx, stream, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2, "failed append must not be observable")
}

func TestAppendEmptyBatchIsValidationError(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(context.Background(), StreamID{Type: "User", ID: "X"}, 0, nil)
	require.Error(t, err)
	assert.True(t, engineerrors.IsValidation(err))
}

func TestAppendAllIsAtomicAcrossStreams(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := StreamID{Type: "User", ID: "A"}
	second := StreamID{Type: "User", ID: "B"}

	_, err := store.Append(ctx, second, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)

	// second batch carries a stale expected version; nothing may commit
	_, err = store.AppendAll(ctx, []AppendBatch{
		{Stream: first, ExpectedVersion: 0, Events: []PendingEvent{pending("UserRegistered", nil)}},
		{Stream: second, ExpectedVersion: 0, Events: []PendingEvent{pending("UserSuspended", nil)}},
	})
	require.Error(t, err)
	assert.True(t, engineerrors.IsConcurrencyConflict(err))

	records, err := store.ReadStream(ctx, first, 0)
	require.NoError(t, err)
	assert.Empty(t, records, "conflict in one batch must roll back the other")
}

func TestReadStreamFromVersionIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	stream := StreamID{Type: "User", ID: "X"}

	_, err := store.Append(ctx, stream, 0, []PendingEvent{
		pending("UserRegistered", nil),
		pending("UserSuspended", nil),
		pending("UserReactivated", nil),
	})
	require.NoError(t, err)

	records, err := store.ReadStream(ctx, stream, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Version)

	records, err = store.ReadStream(ctx, StreamID{Type: "User", ID: "missing"}, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadByStreamTypesFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, StreamID{Type: "User", ID: "A"}, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)
	_, err = store.Append(ctx, StreamID{Type: "Case", ID: "B"}, 0, []PendingEvent{pending("CaseOpened", nil)})
	require.NoError(t, err)
	_, err = store.Append(ctx, StreamID{Type: "User", ID: "A"}, 1, []PendingEvent{pending("UserSuspended", nil)})
	require.NoError(t, err)

	records, err := store.ReadByStreamTypes(ctx, []string{"User"}, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Less(t, records[0].Position, records[1].Position)
	for _, rec := range records {
		assert.Equal(t, "User", rec.StreamType)
	}

	// fromPosition is exclusive
	tail, err := store.ReadByStreamTypes(ctx, []string{"User"}, records[0].Position, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, records[1].Position, tail[0].Position)

	// empty filter matches everything
	all, err := store.ReadByStreamTypes(ctx, nil, 0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUndispatchedLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows, err := store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	positions, err := store.Append(ctx, StreamID{Type: "User", ID: "X"}, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)
	require.Len(t, positions, 1)

	rows, err = store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, positions[0], rows[0].Position)

	require.NoError(t, store.MarkDispatchedBatch(ctx, positions))

	rows, err = store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// marking again is a no-op, and the original timestamp survives
	records, err := store.ReadStream(ctx, StreamID{Type: "User", ID: "X"}, 0)
	require.NoError(t, err)
	first := records[0].DispatchedAt
	require.NotNil(t, first)

	require.NoError(t, store.MarkDispatchedBatch(ctx, positions))
	records, err = store.ReadStream(ctx, StreamID{Type: "User", ID: "X"}, 0)
	require.NoError(t, err)
	assert.Equal(t, first, records[0].DispatchedAt)
}

func TestReadUndispatchedSkipsExhaustedEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	positions, err := store.Append(ctx, StreamID{Type: "User", ID: "X"}, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)

	for i := 0; i < store.MaxDispatchAttempts(); i++ {
		require.NoError(t, store.MarkDispatchFailed(ctx, positions[0], fmt.Errorf("attempt %d", i)))
	}

	rows, err := store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "events past the retry budget stay out of the queue")
}

func TestDeadLetterExhaustsAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, StreamID{Type: "User", ID: "X"}, 0, []PendingEvent{pending("UserRegistered", nil)})
	require.NoError(t, err)
	records, err := store.ReadStream(ctx, StreamID{Type: "User", ID: "X"}, 0)
	require.NoError(t, err)

	cause := errors.New("unbound event type")
	require.NoError(t, store.DeadLetter(ctx, records[0], models.DeadLetterReasonNonRetryable, cause))

	rows, err := store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Zero(t, stats.Undispatched, "a dead-lettered event leaves the queue depth")

	// a crash-interrupted tick may retry the dead-letter; still one entry
	require.NoError(t, store.DeadLetter(ctx, records[0], models.DeadLetterReasonNonRetryable, cause))
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestStatsCountsQueueDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	positions, err := store.Append(ctx, StreamID{Type: "User", ID: "X"}, 0, []PendingEvent{
		pending("UserRegistered", nil),
		pending("UserSuspended", nil),
	})
	require.NoError(t, err)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Undispatched)
	assert.Equal(t, positions[1], stats.MaxPosition)

	require.NoError(t, store.MarkDispatchedBatch(ctx, positions[:1]))
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Undispatched)
}

func TestStatsExcludesDeadLetteredFromQueueDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	positions, err := store.Append(ctx, StreamID{Type: "User", ID: "X"}, 0, []PendingEvent{
		pending("UserRegistered", nil),
		pending("UserSuspended", nil),
	})
	require.NoError(t, err)

	records, err := store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NoError(t, store.DeadLetter(ctx, records[0], models.DeadLetterReasonMaxAttempts, errors.New("still broken")))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Undispatched, "a dead-lettered event is not queue depth")
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, positions[1], stats.MaxPosition)
}
