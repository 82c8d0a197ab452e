package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UniqueStreamVersion is the constraint enforcing per-stream version
// uniqueness; the store maps violations of it to concurrency conflicts.
const UniqueStreamVersion = "ux_event_records_stream_version"

// EventRecord is one appended domain event. Rows are immutable after insert;
// the only permitted transitions are dispatched_at moving null -> timestamp
// exactly once, plus the retry bookkeeping columns (attempt_count, last_error)
// maintained by the deferred dispatcher.
type EventRecord struct {
	Position      int64           `gorm:"column:position;primaryKey;autoIncrement"`
	StreamID      string          `gorm:"column:stream_id;type:varchar(255);not null;uniqueIndex:ux_event_records_stream_version,priority:1;index:ix_event_records_stream_type"`
	StreamType    string          `gorm:"column:stream_type;type:varchar(64);not null"`
	Version       int64           `gorm:"column:version;not null;uniqueIndex:ux_event_records_stream_version,priority:2"`
	EventID       uuid.UUID       `gorm:"column:event_id;type:uuid;not null"`
	Name          string          `gorm:"column:name;type:varchar(128);not null"`
	Payload       json.RawMessage `gorm:"column:payload;not null"`
	OccurredAt    time.Time       `gorm:"column:occurred_at;not null"`
	DispatchedAt  *time.Time      `gorm:"column:dispatched_at"`
	CorrelationID *uuid.UUID      `gorm:"column:correlation_id;type:uuid"`
	CausationID   *uuid.UUID      `gorm:"column:causation_id;type:uuid"`
	AttemptCount  int             `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string         `gorm:"column:last_error"`
}

func (EventRecord) TableName() string {
	return "event_records"
}
