package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/casedeskhq/eventengine/pkg/db"
	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/errors"
)

// DefaultMaxDispatchAttempts is the retry budget applied when none is
// configured.
const DefaultMaxDispatchAttempts = 10

// GormStore persists event records through GORM. The unique constraint on
// (stream_id, version) is the concurrency backstop: the version precheck
// catches stale writers early, the constraint catches the race between check
// and insert.
type GormStore struct {
	db                  *gorm.DB
	maxDispatchAttempts int
}

// StoreOptions tune the store's dispatch bookkeeping.
type StoreOptions struct {
	// MaxDispatchAttempts caps how often ReadUndispatched hands the same
	// failing event back to the dispatcher. Zero applies the default.
	MaxDispatchAttempts int
}

func NewGormStore(conn *gorm.DB, opts StoreOptions) *GormStore {
	max := opts.MaxDispatchAttempts
	if max <= 0 {
		max = DefaultMaxDispatchAttempts
	}
	return &GormStore{db: conn, maxDispatchAttempts: max}
}

// MaxDispatchAttempts returns the configured retry budget.
func (s *GormStore) MaxDispatchAttempts() int {
	return s.maxDispatchAttempts
}

func (s *GormStore) Append(ctx context.Context, stream StreamID, expectedVersion int64, events []PendingEvent) ([]int64, error) {
	records, err := s.AppendAll(ctx, []AppendBatch{{
		Stream:          stream,
		ExpectedVersion: expectedVersion,
		Events:          events,
	}})
	if err != nil {
		return nil, err
	}
	positions := make([]int64, len(records))
	for i, rec := range records {
		positions[i] = rec.Position
	}
	return positions, nil
}

func (s *GormStore) AppendAll(ctx context.Context, batches []AppendBatch) ([]models.EventRecord, error) {
	if len(batches) == 0 {
		return nil, errors.New(errors.CodeValidation, "no batches to append")
	}
	for _, batch := range batches {
		if batch.Stream.IsZero() {
			return nil, errors.New(errors.CodeValidation, "append requires a stream id")
		}
		if len(batch.Events) == 0 {
			return nil, errors.Newf(errors.CodeValidation, "empty event batch for stream %s", batch.Stream)
		}
	}

	var inserted []models.EventRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range batches {
			var current int64
			err := tx.Model(&models.EventRecord{}).
				Where("stream_id = ?", batch.Stream.String()).
				Select("COALESCE(MAX(version), 0)").
				Scan(&current).Error
			if err != nil {
				return errors.Wrap(errors.CodeStoreUnavailable, err, "reading stream version")
			}
			if current != batch.ExpectedVersion {
				return errors.Newf(errors.CodeConcurrencyConflict,
					"stream %s is at version %d, expected %d", batch.Stream, current, batch.ExpectedVersion)
			}

			for i, ev := range batch.Events {
				row := models.EventRecord{
					StreamID:      batch.Stream.String(),
					StreamType:    batch.Stream.Type,
					Version:       batch.ExpectedVersion + int64(i) + 1,
					EventID:       ev.EventID,
					Name:          ev.Name,
					Payload:       ev.Payload,
					OccurredAt:    ev.OccurredAt,
					CorrelationID: ev.CorrelationID,
					CausationID:   ev.CausationID,
				}
				if row.EventID == uuid.Nil {
					row.EventID = uuid.New()
				}
				if err := tx.Create(&row).Error; err != nil {
					if dbpkg.IsUniqueViolation(err, models.UniqueStreamVersion) {
						return errors.Wrap(errors.CodeConcurrencyConflict, err,
							"concurrent append to stream "+batch.Stream.String())
					}
					return errors.Wrap(errors.CodeStoreUnavailable, err, "inserting event record")
				}
				inserted = append(inserted, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *GormStore) ReadStream(ctx context.Context, stream StreamID, fromVersion int64) ([]models.EventRecord, error) {
	var rows []models.EventRecord
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND version > ?", stream.String(), fromVersion).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreUnavailable, err, "reading stream "+stream.String())
	}
	return rows, nil
}

func (s *GormStore) ReadByStreamTypes(ctx context.Context, streamTypes []string, fromPosition int64, limit int) ([]models.EventRecord, error) {
	q := s.db.WithContext(ctx).Where("position > ?", fromPosition)
	if len(streamTypes) > 0 {
		q = q.Where("stream_type IN ?", streamTypes)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.EventRecord
	if err := q.Order("position ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.CodeStoreUnavailable, err, "reading by stream types")
	}
	return rows, nil
}

func (s *GormStore) ReadUndispatched(ctx context.Context, limit int) ([]models.EventRecord, error) {
	var rows []models.EventRecord
	err := s.db.WithContext(ctx).
		Where("dispatched_at IS NULL AND attempt_count < ?", s.maxDispatchAttempts).
		Order("position ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreUnavailable, err, "reading undispatched events")
	}
	return rows, nil
}

func (s *GormStore) MarkDispatchedBatch(ctx context.Context, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}
	// dispatched_at only ever transitions null -> timestamp; re-marking an
	// already dispatched position matches zero rows and is a no-op.
	err := s.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("position IN ? AND dispatched_at IS NULL", positions).
		Update("dispatched_at", time.Now().UTC()).Error
	if err != nil {
		return errors.Wrap(errors.CodeStoreUnavailable, err, "marking events dispatched")
	}
	return nil
}

func (s *GormStore) MarkDispatchFailed(ctx context.Context, position int64, dispatchErr error) error {
	msg := dispatchErr.Error()
	err := s.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("position = ?", position).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    msg,
		}).Error
	if err != nil {
		return errors.Wrap(errors.CodeStoreUnavailable, err, "recording dispatch failure")
	}
	return nil
}

func (s *GormStore) DeadLetter(ctx context.Context, rec models.EventRecord, reason models.DeadLetterReason, cause error) error {
	var msg *string
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.DispatchDeadLetter{
			ID:           uuid.New(),
			Position:     rec.Position,
			StreamID:     rec.StreamID,
			StreamType:   rec.StreamType,
			EventID:      rec.EventID,
			Name:         rec.Name,
			Payload:      rec.Payload,
			Reason:       reason,
			ErrorMessage: msg,
			AttemptCount: rec.AttemptCount,
			FailedAt:     time.Now().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			// already dead-lettered by a previous crash-interrupted tick
			if !dbpkg.IsUniqueViolation(err, "ux_dispatch_dead_letters_position") {
				return err
			}
		}
		return tx.Model(&models.EventRecord{}).
			Where("position = ?", rec.Position).
			Updates(map[string]any{
				"attempt_count": s.maxDispatchAttempts,
				"last_error":    msg,
			}).Error
	})
	if err != nil {
		return errors.Wrap(errors.CodeStoreUnavailable, err, "dead-lettering event")
	}
	return nil
}

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).Model(&models.EventRecord{}).
		Select("COALESCE(MAX(position), 0)").
		Scan(&stats.MaxPosition).Error
	if err != nil {
		return Stats{}, errors.Wrap(errors.CodeStoreUnavailable, err, "reading max position")
	}
	// exhausted rows keep a null dispatched_at but are reported as
	// dead-lettered, not as queue depth
	err = s.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("dispatched_at IS NULL AND attempt_count < ?", s.maxDispatchAttempts).
		Count(&stats.Undispatched).Error
	if err != nil {
		return Stats{}, errors.Wrap(errors.CodeStoreUnavailable, err, "counting undispatched")
	}
	err = s.db.WithContext(ctx).Model(&models.DispatchDeadLetter{}).
		Count(&stats.DeadLettered).Error
	if err != nil {
		return Stats{}, errors.Wrap(errors.CodeStoreUnavailable, err, "counting dead letters")
	}
	return stats, nil
}
