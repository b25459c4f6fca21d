package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// DeliveryAttempt is an append-only ledger row written at every delivery decision.
type DeliveryAttempt struct {
	ID             uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	NotificationID uuid.UUID                   `gorm:"column:notification_id;type:uuid;not null;index"`
	TenantID       uuid.UUID                   `gorm:"column:tenant_id;type:uuid;not null"`
	AttemptNo      int                         `gorm:"column:attempt_no;not null"`
	Channel        enums.NotificationChannel   `gorm:"column:channel;not null"`
	Provider       string                      `gorm:"column:provider;not null"`
	Status         enums.DeliveryAttemptStatus `gorm:"column:status;not null"`
	ErrorMessage   *string                     `gorm:"column:error_message"`
	ResponseCode   *int                        `gorm:"column:response_code"`
	CreatedAt      time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

func (DeliveryAttempt) TableName() string { return "notification_delivery_attempts" }
