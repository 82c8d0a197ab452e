package projection

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	"github.com/casedeskhq/eventengine/pkg/eventstore"
)

// StreamActivityProjection maintains one row per stream recording its type,
// latest version, and last event. It subscribes to every stream type, and
// Apply is idempotent: the version guard makes replays of older events
// no-ops.
type StreamActivityProjection struct{}

func NewStreamActivityProjection() *StreamActivityProjection {
	return &StreamActivityProjection{}
}

func (p *StreamActivityProjection) Name() string {
	return "stream_activity"
}

func (p *StreamActivityProjection) StreamTypes() []string {
	return nil
}

func (p *StreamActivityProjection) Apply(ctx context.Context, tx *gorm.DB, rec models.EventRecord, _ eventstore.Event) error {
	row := models.StreamActivity{
		StreamID:      rec.StreamID,
		StreamType:    rec.StreamType,
		LastVersion:   rec.Version,
		LastEventName: rec.Name,
		LastEventAt:   rec.OccurredAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_version", "last_event_name", "last_event_at", "updated_at"}),
		Where: clause.Where{
			Exprs: []clause.Expression{
				clause.Lt{
					Column: clause.Column{Table: "stream_activity", Name: "last_version"},
					Value:  rec.Version,
				},
			},
		},
	}).Create(&row).Error
}

func (p *StreamActivityProjection) Truncate(ctx context.Context, tx *gorm.DB) error {
	return tx.Where("1 = 1").Delete(&models.StreamActivity{}).Error
}
