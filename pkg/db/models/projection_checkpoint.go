package models

import "time"

// ProjectionCheckpoint is the watermark below which a projection has applied
// all events of its stream types. One row per projection.
type ProjectionCheckpoint struct {
	ProjectionName        string    `gorm:"column:projection_name;type:varchar(128);primaryKey"`
	LastProcessedPosition int64     `gorm:"column:last_processed_position;not null;default:0"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProjectionCheckpoint) TableName() string {
	return "projection_checkpoints"
}
