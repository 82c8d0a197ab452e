// Package projection maintains read models derived from the event log. Each
// projection tracks its own checkpoint; applying a batch and advancing the
// checkpoint happen in one transaction, so a crash never skips or double
// counts a batch.
package projection

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/casedeskhq/eventengine/pkg/eventstore"
	"github.com/casedeskhq/eventengine/pkg/logger"
	"github.com/casedeskhq/eventengine/pkg/metrics"
)

const defaultBatchSize = 200

// Projection is a read model fed by the event log. Apply must be idempotent:
// a rebuild or an at-least-once redelivery replays events the projection may
// have seen before.
type Projection interface {
	// Name is the checkpoint key. Stable across deployments.
	Name() string

	// StreamTypes filters the event feed; empty means every stream type.
	StreamTypes() []string

	// Apply folds one event into the read model inside the runner's
	// transaction.
	Apply(ctx context.Context, tx *gorm.DB, rec models.EventRecord, event eventstore.Event) error

	// Truncate clears the read model at the start of a full rebuild.
	Truncate(ctx context.Context, tx *gorm.DB) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventFeed interface {
	ReadByStreamTypes(ctx context.Context, streamTypes []string, fromPosition int64, limit int) ([]models.EventRecord, error)
}

// Runner drives one projection from its checkpoint to the head of the log.
type Runner struct {
	db          txRunner
	feed        eventFeed
	serializer  eventstore.Serializer
	checkpoints *CheckpointRepository
	proj        Projection
	logg        *logger.Logger
	metrics     *metrics.EngineMetrics
	batchSize   int
}

type RunnerParams struct {
	DB          txRunner
	Feed        eventFeed
	Serializer  eventstore.Serializer
	Checkpoints *CheckpointRepository
	Projection  Projection
	Logger      *logger.Logger
	Metrics     *metrics.EngineMetrics
	BatchSize   int
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.DB == nil {
		return nil, errors.New(errors.CodeValidation, "database client is required")
	}
	if params.Feed == nil {
		return nil, errors.New(errors.CodeValidation, "event feed is required")
	}
	if params.Serializer == nil {
		return nil, errors.New(errors.CodeValidation, "serializer is required")
	}
	if params.Checkpoints == nil {
		return nil, errors.New(errors.CodeValidation, "checkpoint repository is required")
	}
	if params.Projection == nil {
		return nil, errors.New(errors.CodeValidation, "projection is required")
	}
	if params.Logger == nil {
		return nil, errors.New(errors.CodeValidation, "logger is required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Runner{
		db:          params.DB,
		feed:        params.Feed,
		serializer:  params.Serializer,
		checkpoints: params.Checkpoints,
		proj:        params.Projection,
		logg:        params.Logger,
		metrics:     params.Metrics,
		batchSize:   batch,
	}, nil
}

// Name returns the projection's checkpoint key.
func (r *Runner) Name() string {
	return r.proj.Name()
}

// CatchUp applies every event past the checkpoint, batch by batch, and
// returns the number of events applied. Safe to call concurrently with
// writers; it stops at whatever head it observes.
func (r *Runner) CatchUp(ctx context.Context) (int, error) {
	total := 0
	for {
		applied, read, err := r.step(ctx)
		if err != nil {
			return total, err
		}
		total += applied
		// progress is measured by records read: a batch of skipped events
		// still advances the checkpoint and must not end the catch-up
		if read == 0 {
			return total, nil
		}
	}
}

// Rebuild truncates the read model, resets the checkpoint, then catches up
// from position zero. The truncate and the reset commit together, so an
// interrupted rebuild resumes instead of serving a half-cleared model on top
// of a stale checkpoint.
func (r *Runner) Rebuild(ctx context.Context) (int, error) {
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := r.proj.Truncate(ctx, tx); err != nil {
			return err
		}
		return r.checkpoints.Reset(tx, r.proj.Name())
	})
	if err != nil {
		return 0, err
	}
	r.logg.Info(r.logg.WithProjection(ctx, r.proj.Name()), "projection truncated for rebuild")
	return r.CatchUp(ctx)
}

// step applies one batch and advances the checkpoint in the same
// transaction. Returns the number of events applied and records read.
func (r *Runner) step(ctx context.Context) (int, int, error) {
	applied := 0
	read := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		checkpoint, err := r.checkpoints.Get(tx, r.proj.Name())
		if err != nil {
			return err
		}
		records, err := r.feed.ReadByStreamTypes(ctx, r.proj.StreamTypes(), checkpoint, r.batchSize)
		if err != nil {
			return err
		}
		read = len(records)
		if read == 0 {
			return nil
		}

		for _, rec := range records {
			event, err := r.serializer.Deserialize(rec.Name, rec.Payload)
			if err != nil {
				// an undecodable event can never apply; the checkpoint
				// still advances past it
				logCtx := r.logg.WithFields(ctx, map[string]any{
					"projection": r.proj.Name(),
					"position":   rec.Position,
					"event_name": rec.Name,
				})
				r.logg.Warn(logCtx, "skipping undecodable event")
				continue
			}
			if err := r.proj.Apply(ctx, tx, rec, event); err != nil {
				return errors.Wrapf(errors.CodeInternal, err, "projection %s at position %d", r.proj.Name(), rec.Position)
			}
			applied++
		}

		return r.checkpoints.Save(tx, r.proj.Name(), records[len(records)-1].Position)
	})
	if err != nil {
		return 0, 0, err
	}
	if applied > 0 {
		r.metrics.AddProjected(r.proj.Name(), applied)
	}
	return applied, read, nil
}

// Checkpoint reads the projection's current watermark.
func (r *Runner) Checkpoint(ctx context.Context) (int64, error) {
	var position int64
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		position, err = r.checkpoints.Get(tx, r.proj.Name())
		return err
	})
	return position, err
}

// Watch catches up, then keeps polling the log until the context is
// canceled. Poll errors are logged and retried on the next tick.
func (r *Runner) Watch(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logg.Error(r.logg.WithProjection(ctx, r.proj.Name()), "projection catch-up failed", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
