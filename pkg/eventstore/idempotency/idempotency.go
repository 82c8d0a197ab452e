// Package idempotency suppresses duplicate deliveries across dispatcher
// restarts. Delivery is at-least-once; subscribers that cannot tolerate
// replays consult the guard before applying an event.
package idempotency

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/redis"
)

// Guard tracks processed event ids per consumer using Redis keys with a TTL.
// Keys follow the `ee:idempotency:evt:processed:<consumer>:<event_id>`
// pattern. Markers must only be written after the work they stand for has
// completed; a marker is evidence of success, never a reservation.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard builds a guard that marks events as processed for the given TTL.
// The TTL bounds Redis growth; it must comfortably exceed the dispatcher's
// maximum redelivery window.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New(errors.CodeValidation, "idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New(errors.CodeValidation, "ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// AlreadyProcessed reports whether a processed marker exists for the event.
// It never writes.
func (g *Guard) AlreadyProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := g.processedKey(consumer, eventID)
	if err != nil {
		return false, err
	}
	if _, err := g.store.Get(ctx, key); err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkProcessed records that the event was processed by this consumer. Call
// it only after the processing succeeded; losing the SETNX race means another
// worker already recorded the same success.
func (g *Guard) MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := g.processedKey(consumer, eventID)
	if err != nil {
		return err
	}
	_, err = g.store.SetNX(ctx, key, "1", g.ttl)
	return err
}

// Forget drops the processed marker, letting the next delivery through.
func (g *Guard) Forget(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := g.processedKey(consumer, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) processedKey(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New(errors.CodeValidation, "consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New(errors.CodeValidation, "event id is required")
	}
	scope := fmt.Sprintf("evt:processed:%s", consumer)
	return g.store.IdempotencyKey(scope, eventID.String()), nil
}
