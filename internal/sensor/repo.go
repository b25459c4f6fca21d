package sensor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/barnlink/pkg/db/models"
)

// SnapshotRepository persists the last weight seen per device.
type SnapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Find returns nil when the device has no baseline yet.
func (r *SnapshotRepository) Find(ctx context.Context, tenantID uuid.UUID, deviceID string) (*models.SensorSnapshot, error) {
	var snap models.SensorSnapshot
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// UpsertTx stores snap as the device's latest reading.
func (r *SnapshotRepository) UpsertTx(tx *gorm.DB, snap models.SensorSnapshot) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "recorded_at", "updated_at"}),
	}).Create(&snap).Error
}
