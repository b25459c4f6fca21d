package consumption

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
)

// Repository persists consumption_events rows.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindByEventID returns nil when no row matches.
func (r *Repository) FindByEventID(ctx context.Context, tenantID uuid.UUID, eventID string) (*models.ConsumptionEvent, error) {
	return r.first(ctx, "tenant_id = ? AND event_id = ?", tenantID, eventID)
}

// FindByExternalRef returns nil when no row matches.
func (r *Repository) FindByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.ConsumptionEvent, error) {
	return r.first(ctx, "tenant_id = ? AND external_ref = ?", tenantID, externalRef)
}

func (r *Repository) first(ctx context.Context, query string, args ...any) (*models.ConsumptionEvent, error) {
	var rec models.ConsumptionEvent
	if err := r.db.WithContext(ctx).Where(query, args...).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) InsertTx(tx *gorm.DB, rec *models.ConsumptionEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return tx.Create(rec).Error
}

// ListByDevice returns the newest records for a device.
func (r *Repository) ListByDevice(ctx context.Context, tenantID uuid.UUID, deviceID string, limit int) ([]models.ConsumptionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.ConsumptionEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
