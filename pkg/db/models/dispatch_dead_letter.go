package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterReason classifies why an event left the dispatch queue.
type DeadLetterReason string

const (
	DeadLetterReasonNonRetryable DeadLetterReason = "non_retryable"
	DeadLetterReasonMaxAttempts  DeadLetterReason = "max_attempts"
)

// DispatchDeadLetter captures events the deferred dispatcher gave up on, so a
// poison event never stalls the undispatched queue. Rows are kept for
// operator inspection and manual replay.
type DispatchDeadLetter struct {
	ID           uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	Position     int64            `gorm:"column:position;not null;uniqueIndex:ux_dispatch_dead_letters_position"`
	StreamID     string           `gorm:"column:stream_id;type:varchar(255);not null"`
	StreamType   string           `gorm:"column:stream_type;type:varchar(64);not null"`
	EventID      uuid.UUID        `gorm:"column:event_id;type:uuid;not null"`
	Name         string           `gorm:"column:name;type:varchar(128);not null"`
	Payload      json.RawMessage  `gorm:"column:payload;not null"`
	Reason       DeadLetterReason `gorm:"column:reason;type:varchar(32);not null"`
	ErrorMessage *string          `gorm:"column:error_message"`
	AttemptCount int              `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time        `gorm:"column:failed_at;autoCreateTime"`
}

func (DispatchDeadLetter) TableName() string {
	return "dispatch_dead_letters"
}
