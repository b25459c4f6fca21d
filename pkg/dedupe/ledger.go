package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
)

// LedgerRepository persists dedupe_ledger rows.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Find returns the entry for (tenant, scope, event id) or nil.
func (r *LedgerRepository) Find(ctx context.Context, tenantID uuid.UUID, scope, eventID string) (*models.DedupeLedgerEntry, error) {
	var entry models.DedupeLedgerEntry
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND scope = ? AND event_id = ?", tenantID, scope, eventID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) InsertTx(tx *gorm.DB, entry models.DedupeLedgerEntry) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return tx.Create(&entry).Error
}

// RefreshTx extends an existing entry left behind by a partially failed attempt.
func (r *LedgerRepository) RefreshTx(tx *gorm.DB, entryID uuid.UUID, processedAt, expiresAt time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.DedupeLedgerEntry{}).
		Where("id = ?", entryID).
		Updates(map[string]any{
			"processed_at": processedAt,
			"expires_at":   expiresAt,
		}).Error
}

// PurgeExpired deletes up to limit entries whose expires_at is before cutoff.
func (r *LedgerRepository) PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	sub := r.db.Model(&models.DedupeLedgerEntry{}).
		Select("id").
		Where("expires_at < ?", cutoff).
		Order("expires_at ASC").
		Limit(limit)
	res := r.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Delete(&models.DedupeLedgerEntry{})
	return res.RowsAffected, res.Error
}
