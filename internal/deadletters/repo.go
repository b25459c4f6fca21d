package deadletters

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/barnlink/pkg/db/models"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Archive stores entry once per (queue, message_id). It reports false when the
// message was already archived.
func (r *Repository) Archive(ctx context.Context, entry *models.BrokerDeadLetter) (bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "queue"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) ListByQueue(ctx context.Context, queue string, limit int) ([]models.BrokerDeadLetter, error) {
	var rows []models.BrokerDeadLetter
	err := r.db.WithContext(ctx).
		Where("queue = ?", queue).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
