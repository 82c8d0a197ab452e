package eventstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	engineerrors "github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/logger"
)

func newTestUnitOfWork(t *testing.T, registry *Registry) (*UnitOfWork, *GormStore, Serializer) {
	t.Helper()
	store := newTestStore(t)
	serializer := NewJSONSerializer(userRegistered{}, userSuspended{})
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.ErrorLevel})
	var bus *Bus
	if registry != nil {
		bus = NewBus(registry, logg)
	}
	return NewUnitOfWork(store, serializer, bus, logg), store, serializer
}

func TestSaveChangesCommitsAndClears(t *testing.T) {
	uow, store, _ := newTestUnitOfWork(t, nil)
	ctx := context.Background()

	acc := newAccount()
	Raise(acc, userRegistered{UserID: acc.StreamID().ID, Email: "a@b.c"})
	Raise(acc, userSuspended{UserID: acc.StreamID().ID, Reason: "fraud"})
	uow.Attach(acc)

	committed, err := uow.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, committed)
	assert.Equal(t, int64(2), acc.Version())
	assert.Empty(t, acc.PendingEvents())

	records, err := store.ReadStream(ctx, acc.StreamID(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "UserRegistered", records[0].Name)
	assert.Equal(t, int64(1), records[0].Version)
	assert.Nil(t, records[0].DispatchedAt, "commit alone never marks events dispatched")
}

func TestSaveChangesSpansAggregatesAtomically(t *testing.T) {
	uow, store, _ := newTestUnitOfWork(t, nil)
	ctx := context.Background()

	stale := newAccount()
	_, err := store.Append(ctx, stale.StreamID(), 0, []PendingEvent{
		pending("UserRegistered", userRegistered{UserID: stale.StreamID().ID}),
	})
	require.NoError(t, err)
	// stale still believes version 0; its append must conflict

	fresh := newAccount()
	Raise(fresh, userRegistered{UserID: fresh.StreamID().ID})
	Raise(stale, userSuspended{UserID: stale.StreamID().ID})
	uow.Attach(fresh, stale)

	_, err = uow.SaveChanges(ctx)
	require.Error(t, err)
	assert.True(t, engineerrors.IsConcurrencyConflict(err))

	// neither aggregate was committed or drained
	records, err := store.ReadStream(ctx, fresh.StreamID(), 0)
	require.NoError(t, err)
	assert.Empty(t, records, "conflict rolls back every attached aggregate")
	assert.Len(t, fresh.PendingEvents(), 1)
	assert.Len(t, stale.PendingEvents(), 1)
	assert.Equal(t, int64(0), fresh.Version())
}

func TestSaveChangesDedupesDoubleAttachment(t *testing.T) {
	uow, store, _ := newTestUnitOfWork(t, nil)
	ctx := context.Background()

	acc := newAccount()
	Raise(acc, userRegistered{UserID: acc.StreamID().ID})
	uow.Attach(acc)
	uow.Attach(acc, acc)

	committed, err := uow.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, committed)
	assert.Equal(t, int64(1), acc.Version())

	records, err := store.ReadStream(ctx, acc.StreamID(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "double attachment must not duplicate the append")
}

func TestSaveChangesNothingPending(t *testing.T) {
	uow, _, _ := newTestUnitOfWork(t, nil)

	acc := newAccount()
	uow.Attach(acc)

	committed, err := uow.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, committed)
}

func TestSaveChangesPublishesImmediately(t *testing.T) {
	registry := NewRegistry()
	var seen []string
	registry.Subscribe("UserRegistered", func(ctx context.Context, rec models.EventRecord, event Event) error {
		seen = append(seen, rec.StreamID)
		return nil
	})
	registry.Freeze()

	uow, _, _ := newTestUnitOfWork(t, registry)

	acc := newAccount()
	Raise(acc, userRegistered{UserID: acc.StreamID().ID})
	uow.Attach(acc)

	_, err := uow.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{acc.StreamID().String()}, seen)
}

func TestSaveChangesSurvivesSubscriberFailure(t *testing.T) {
	registry := NewRegistry()
	registry.Subscribe("UserRegistered", func(ctx context.Context, rec models.EventRecord, event Event) error {
		return engineerrors.New(engineerrors.CodeSubscriber, "projection offline")
	})
	registry.Freeze()

	uow, store, _ := newTestUnitOfWork(t, registry)
	ctx := context.Background()

	acc := newAccount()
	Raise(acc, userRegistered{UserID: acc.StreamID().ID})
	uow.Attach(acc)

	committed, err := uow.SaveChanges(ctx)
	require.NoError(t, err, "subscriber failures never undo the commit")
	assert.Equal(t, 1, committed)

	undispatched, err := store.ReadUndispatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, undispatched, 1, "event stays queued for the dispatcher")
}

func TestSaveChangesSerializeFailureAbortsBeforeWrite(t *testing.T) {
	store := newTestStore(t)
	// userSuspended deliberately left unbound
	serializer := NewJSONSerializer(userRegistered{})
	uow := NewUnitOfWork(store, serializer, nil, logger.New(logger.Options{ServiceName: "test", Level: zerolog.ErrorLevel}))
	ctx := context.Background()

	acc := newAccount()
	Raise(acc, userRegistered{UserID: acc.StreamID().ID})
	Raise(acc, userSuspended{UserID: acc.StreamID().ID})
	uow.Attach(acc)

	_, err := uow.SaveChanges(ctx)
	require.Error(t, err)
	assert.True(t, engineerrors.IsSerialization(err))

	records, err := store.ReadStream(ctx, acc.StreamID(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, acc.PendingEvents(), 2)
}
