package eventstore

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/logger"
)

// Handler consumes a dispatched event. The record carries the storage
// metadata (position, stream, version); event is the deserialized instance.
// Handlers are invoked at least once per event and must be idempotent.
type Handler func(ctx context.Context, rec models.EventRecord, event Event) error

// Registry maps event names to subscriber handlers. It is populated during a
// static registration pass at process start and frozen before the first
// dispatch, so the hot dispatch path reads it without locking.
type Registry struct {
	handlers map[string][]Handler
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the named event type. Panics after
// Freeze: runtime mutation of the dispatch table is a programming error.
func (r *Registry) Subscribe(name string, h Handler) {
	if r.frozen {
		panic(fmt.Sprintf("subscribe %q after registry freeze", name))
	}
	r.handlers[name] = append(r.handlers[name], h)
}

// Freeze seals the registry against further registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// HandlersFor returns the handlers subscribed to the named event type.
func (r *Registry) HandlersFor(name string) []Handler {
	return r.handlers[name]
}

// Bus publishes deserialized events to registered in-process subscribers.
// Both the synchronous save path and the deferred dispatcher publish through
// the same bus.
type Bus struct {
	registry *Registry
	logg     *logger.Logger
}

func NewBus(registry *Registry, logg *logger.Logger) *Bus {
	return &Bus{registry: registry, logg: logg}
}

// Publish invokes every handler subscribed to the event's name, in
// registration order. Handler panics are recovered and reported as errors;
// all handler failures are combined so a caller sees every subscriber that
// needs the event redelivered. Events with no subscribers publish trivially.
func (b *Bus) Publish(ctx context.Context, rec models.EventRecord, event Event) error {
	handlers := b.registry.HandlersFor(rec.Name)
	var errs []error
	for _, h := range handlers {
		if err := b.invoke(ctx, h, rec, event); err != nil {
			errs = append(errs, errors.Wrap(errors.CodeSubscriber, err, "handler for "+rec.Name))
		}
	}
	return multierr.Combine(errs...)
}

func (b *Bus) invoke(ctx context.Context, h Handler, rec models.EventRecord, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			if b.logg != nil {
				logCtx := b.logg.WithFields(ctx, map[string]any{
					"event_name": rec.Name,
					"position":   rec.Position,
				})
				b.logg.Error(logCtx, "subscriber panicked", err)
			}
		}
	}()
	return h(ctx, rec, event)
}
