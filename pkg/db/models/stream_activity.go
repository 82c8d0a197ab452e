package models

import "time"

// StreamActivity is a read model row summarizing one stream: its type, how
// far it has advanced, and the last event seen. Maintained by the
// stream_activity projection.
type StreamActivity struct {
	StreamID      string    `gorm:"column:stream_id;type:varchar(512);primaryKey"`
	StreamType    string    `gorm:"column:stream_type;type:varchar(255);not null;index:ix_stream_activity_type"`
	LastVersion   int64     `gorm:"column:last_version;not null"`
	LastEventName string    `gorm:"column:last_event_name;type:varchar(255);not null"`
	LastEventAt   time.Time `gorm:"column:last_event_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (StreamActivity) TableName() string {
	return "stream_activity"
}
