package notifications

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

// Repository exposes persistence helpers for notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, notification *models.Notification) error
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Notification, error)
	FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Notification, error)
	FindByExternalRef(ctx context.Context, tenantID uuid.UUID, ref string) (*models.Notification, error)
	LockByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Notification, error)
	Transition(ctx context.Context, guard transitionGuard, update transitionUpdate) (bool, error)
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	ClearNextAttemptAt(ctx context.Context, id uuid.UUID) error
}

// transitionGuard is the state a row must still be in for an update to apply.
type transitionGuard struct {
	ID            uuid.UUID
	Status        enums.NotificationStatus
	NextAttemptNo int
}

type transitionUpdate struct {
	Status        enums.NotificationStatus
	AttemptCount  int
	NextAttemptNo int
	NextAttemptAt *time.Time
	LastError     *string
	SentAt        *time.Time
	FailedAt      *time.Time
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, notification *models.Notification) error {
	if notification.ID == uuid.Nil {
		notification.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Notification, error) {
	return r.first(r.db.WithContext(ctx), "id = ? AND tenant_id = ?", id, tenantID)
}

func (r *repositoryImpl) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Notification, error) {
	return r.first(r.db.WithContext(ctx), "tenant_id = ? AND idempotency_key = ?", tenantID, key)
}

func (r *repositoryImpl) FindByExternalRef(ctx context.Context, tenantID uuid.UUID, ref string) (*models.Notification, error) {
	return r.first(r.db.WithContext(ctx), "tenant_id = ? AND external_ref = ?", tenantID, ref)
}

// LockByID reads the row FOR UPDATE. Call it on a transaction-bound repository.
func (r *repositoryImpl) LockByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Notification, error) {
	q := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return r.first(q, "id = ? AND tenant_id = ?", id, tenantID)
}

func (r *repositoryImpl) first(q *gorm.DB, query string, args ...any) (*models.Notification, error) {
	var n models.Notification
	if err := q.Where(query, args...).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// Transition applies update only while the row still matches guard. It
// reports false when another writer moved the row first.
func (r *repositoryImpl) Transition(ctx context.Context, guard transitionGuard, update transitionUpdate) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND status = ? AND next_attempt_no = ?", guard.ID, guard.Status, guard.NextAttemptNo).
		Updates(map[string]any{
			"status":          update.Status,
			"attempt_count":   update.AttemptCount,
			"next_attempt_no": update.NextAttemptNo,
			"next_attempt_at": update.NextAttemptAt,
			"last_error":      update.LastError,
			"sent_at":         update.SentAt,
			"failed_at":       update.FailedAt,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListDueForRetry locks queued rows whose retry time has passed.
func (r *repositoryImpl) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", enums.NotificationStatusQueued, now).
		Order("next_attempt_at, id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) ClearNextAttemptAt(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Update("next_attempt_at", nil).Error
}

// AttemptRepository appends to notification_delivery_attempts.
type AttemptRepository struct {
	db *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) InsertTx(tx *gorm.DB, attempt *models.DeliveryAttempt) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	return tx.Create(attempt).Error
}

func (r *AttemptRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]models.DeliveryAttempt, error) {
	var rows []models.DeliveryAttempt
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_no, created_at").
		Find(&rows).Error
	return rows, err
}
