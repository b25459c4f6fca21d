package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
)

const maxLastErrorLen = 1024

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(event).Error
}

// FetchDueForPublishTx locks up to limit pending rows whose next_attempt_at has
// passed. Concurrent forwarders skip each other's locked rows.
func (r *Repository) FetchDueForPublishTx(tx *gorm.DB, now time.Time, limit int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var rows []models.OutboxEvent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_attempt_at <= ?", enums.OutboxStatusPending, now).
		Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkSentTx(tx *gorm.DB, id uuid.UUID, sentAt time.Time) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":        enums.OutboxStatusSent,
			"sent_at":       sentAt,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    nil,
		}).Error
}

// MarkRetryTx records a failed publish and schedules the next attempt.
func (r *Repository) MarkRetryTx(tx *gorm.DB, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, cause error) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"attempt_count":   attemptCount,
			"next_attempt_at": nextAttemptAt,
			"last_error":      truncateError(cause),
		}).Error
}

func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, attemptCount int, cause error) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"attempt_count": attemptCount,
			"last_error":    truncateError(cause),
		}).Error
}

// DeleteSentBefore removes sent rows older than cutoff, at most limit per call.
// Pending and failed rows are never deleted.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	sub := r.db.Model(&models.OutboxEvent{}).
		Select("id").
		Where("status = ? AND sent_at < ?", enums.OutboxStatusSent, cutoff).
		Order("sent_at ASC").
		Limit(limit)
	res := r.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}
