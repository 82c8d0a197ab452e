// Package dispatch runs the deferred delivery loop. It drains undispatched
// events from the store in position order, publishes them to the subscriber
// bus, and records the outcome per event so one poison event never blocks
// the queue.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/casedeskhq/eventengine/pkg/config"
	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/eventstore"
	"github.com/casedeskhq/eventengine/pkg/logger"
	"github.com/casedeskhq/eventengine/pkg/metrics"
)

const (
	defaultBatchSize = 50
	defaultPollMs    = 500
	maxBackoff       = 10 * time.Second
	jitterWindow     = 250 * time.Millisecond

	// ConsumerName scopes idempotency markers written by this loop.
	ConsumerName = "dispatcher"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type pinger interface {
	Ping(context.Context) error
}

type eventSource interface {
	ReadUndispatched(ctx context.Context, limit int) ([]models.EventRecord, error)
	MarkDispatchedBatch(ctx context.Context, positions []int64) error
	MarkDispatchFailed(ctx context.Context, position int64, dispatchErr error) error
	DeadLetter(ctx context.Context, rec models.EventRecord, reason models.DeadLetterReason, cause error) error
}

type publisher interface {
	Publish(ctx context.Context, rec models.EventRecord, event eventstore.Event) error
}

type idempotencyGuard interface {
	AlreadyProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         pinger
	Store      eventSource
	Serializer eventstore.Serializer
	Bus        publisher

	// Guard is optional; without it duplicate suppression falls back to
	// subscriber idempotence alone.
	Guard   idempotencyGuard
	Metrics *metrics.EngineMetrics
}

type Service struct {
	logg         *logger.Logger
	db           pinger
	store        eventSource
	serializer   eventstore.Serializer
	bus          publisher
	guard        idempotencyGuard
	metrics      *metrics.EngineMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New(errors.CodeValidation, "config is required")
	}
	if params.Logger == nil {
		return nil, errors.New(errors.CodeValidation, "logger is required")
	}
	if params.DB == nil {
		return nil, errors.New(errors.CodeValidation, "database client is required")
	}
	if params.Store == nil {
		return nil, errors.New(errors.CodeValidation, "event store is required")
	}
	if params.Serializer == nil {
		return nil, errors.New(errors.CodeValidation, "serializer is required")
	}
	if params.Bus == nil {
		return nil, errors.New(errors.CodeValidation, "subscriber bus is required")
	}

	batch := params.Config.Dispatcher.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Dispatcher.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.Dispatcher.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = eventstore.DefaultMaxDispatchAttempts
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		store:        params.Store,
		serializer:   params.Serializer,
		bus:          params.Bus,
		guard:        params.Guard,
		metrics:      params.Metrics,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Run polls until the context is canceled. Tick errors back off
// exponentially; an idle queue sleeps one poll interval.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "dispatcher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processTick(ctx)
		if err != nil {
			s.logg.Error(ctx, "dispatcher tick error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processTick drains one batch. Per-event publish failures are bookkept and
// swallowed; only store-level failures surface as tick errors.
func (s *Service) processTick(ctx context.Context) (bool, error) {
	started := time.Now()
	defer func() {
		s.metrics.ObserveTick(ConsumerName, time.Since(started))
	}()

	records, err := s.store.ReadUndispatched(ctx, s.batchSize)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}

	var errs error
	dispatched := make([]int64, 0, len(records))
	for _, rec := range records {
		delivered, err := s.deliver(ctx, rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if delivered {
			dispatched = append(dispatched, rec.Position)
		}
	}

	if len(dispatched) > 0 {
		if err := s.store.MarkDispatchedBatch(ctx, dispatched); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mark dispatched: %w", err))
		}
	}

	return true, errs
}

// deliver publishes one event. It returns true when the event should be
// marked dispatched, false when it was bookkept for retry or dead-lettered.
// The returned error signals a bookkeeping failure, not a publish failure.
func (s *Service) deliver(ctx context.Context, rec models.EventRecord) (bool, error) {
	fields := s.eventFields(rec)

	if s.guard != nil {
		already, err := s.guard.AlreadyProcessed(ctx, ConsumerName, rec.EventID)
		if err != nil {
			// delivery must not stall on the guard; duplicates are allowed
			s.logg.Warn(s.logg.WithFields(ctx, fields), "idempotency guard unavailable, delivering anyway")
		} else if already {
			// the marker is only ever written after a successful publish,
			// so its presence means an earlier process life delivered this
			// event and died before the store caught up
			s.logg.Debug(s.logg.WithFields(ctx, fields), "duplicate delivery suppressed")
			return true, nil
		}
	}

	event, err := s.serializer.Deserialize(rec.Name, rec.Payload)
	if err != nil {
		// the payload will never decode; retrying is pointless
		return false, s.deadLetter(ctx, rec, models.DeadLetterReasonNonRetryable, err, fields)
	}

	if err := s.bus.Publish(ctx, rec, event); err != nil {
		s.metrics.IncDispatchFailure(rec.Name)

		nextAttempt := rec.AttemptCount + 1
		fields["attempt_count"] = nextAttempt

		if nextAttempt >= s.maxAttempts {
			fields["terminal_reason"] = string(models.DeadLetterReasonMaxAttempts)
			terminalErr := fmt.Errorf("max dispatch attempts reached: %w", err)
			return false, s.deadLetter(ctx, rec, models.DeadLetterReasonMaxAttempts, terminalErr, fields)
		}

		logCtx := s.logg.WithFields(ctx, fields)
		logCtx = s.logg.WithFields(logCtx, map[string]any{"error": err.Error()})
		s.logg.Warn(logCtx, "event dispatch failed")
		if markErr := s.store.MarkDispatchFailed(ctx, rec.Position, err); markErr != nil {
			return false, fmt.Errorf("mark failure at position %d: %w", rec.Position, markErr)
		}
		return false, nil
	}

	s.markProcessed(ctx, rec, fields)
	s.metrics.IncDispatched(rec.Name)
	s.logg.Info(s.logg.WithFields(ctx, fields), "event dispatched")
	return true, nil
}

func (s *Service) deadLetter(ctx context.Context, rec models.EventRecord, reason models.DeadLetterReason, cause error, fields map[string]any) error {
	fields["error_reason"] = string(reason)
	logCtx := s.logg.WithFields(ctx, fields)
	logCtx = s.logg.WithFields(logCtx, map[string]any{"error": cause.Error()})
	s.logg.Warn(logCtx, "event will not be retried")

	if err := s.store.DeadLetter(ctx, rec, reason, cause); err != nil {
		return fmt.Errorf("dead-letter position %d: %w", rec.Position, err)
	}
	s.metrics.IncDeadLettered()
	return nil
}

// markProcessed writes the duplicate-suppression marker once the publish has
// succeeded. Writing after success keeps the failure direction safe: a lost
// marker costs a duplicate delivery, never a lost one.
func (s *Service) markProcessed(ctx context.Context, rec models.EventRecord, fields map[string]any) {
	if s.guard == nil {
		return
	}
	if err := s.guard.MarkProcessed(ctx, ConsumerName, rec.EventID); err != nil {
		s.logg.Warn(s.logg.WithFields(ctx, fields), "failed to write idempotency marker")
	}
}

func (s *Service) eventFields(rec models.EventRecord) map[string]any {
	fields := map[string]any{
		"position":      rec.Position,
		"event_id":      rec.EventID.String(),
		"event_name":    rec.Name,
		"stream_id":     rec.StreamID,
		"attempt_count": rec.AttemptCount,
	}
	if rec.LastError != nil {
		fields["last_error"] = *rec.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
