package projection

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casedeskhq/eventengine/pkg/db/models"
	engineerrors "github.com/casedeskhq/eventengine/pkg/errors"
)

// CheckpointRepository persists per-projection watermarks. Callers pass the
// transaction so the checkpoint commits with the read-model writes it covers.
type CheckpointRepository struct{}

func NewCheckpointRepository() *CheckpointRepository {
	return &CheckpointRepository{}
}

// Get returns the projection's last processed position, zero for a
// projection that has never run.
func (r *CheckpointRepository) Get(tx *gorm.DB, name string) (int64, error) {
	var checkpoint models.ProjectionCheckpoint
	err := tx.Where("projection_name = ?", name).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, engineerrors.Wrap(engineerrors.CodeStoreUnavailable, err, "loading checkpoint "+name)
	}
	return checkpoint.LastProcessedPosition, nil
}

// Save upserts the watermark.
func (r *CheckpointRepository) Save(tx *gorm.DB, name string, position int64) error {
	row := models.ProjectionCheckpoint{
		ProjectionName:        name,
		LastProcessedPosition: position,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "projection_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_position", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return engineerrors.Wrap(engineerrors.CodeStoreUnavailable, err, "saving checkpoint "+name)
	}
	return nil
}

// Reset sets the watermark back to zero, forcing a replay from the start of
// the log.
func (r *CheckpointRepository) Reset(tx *gorm.DB, name string) error {
	return r.Save(tx, name, 0)
}

// List returns every checkpoint row, for the admin surface.
func (r *CheckpointRepository) List(tx *gorm.DB) ([]models.ProjectionCheckpoint, error) {
	var rows []models.ProjectionCheckpoint
	if err := tx.Order("projection_name asc").Find(&rows).Error; err != nil {
		return nil, engineerrors.Wrap(engineerrors.CodeStoreUnavailable, err, "listing checkpoints")
	}
	return rows, nil
}
