package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// Notification is an outbound message and its delivery state. Only the
// delivery worker moves it past queued.
type Notification struct {
	ID             uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	TenantID       uuid.UUID                  `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:ux_notifications_tenant_key,priority:1;uniqueIndex:ux_notifications_tenant_external_ref,priority:1"`
	Channel        enums.NotificationChannel  `gorm:"column:channel;not null"`
	Severity       enums.NotificationSeverity `gorm:"column:severity;not null"`
	Title          string                     `gorm:"column:title;not null"`
	Body           string                     `gorm:"column:body;not null"`
	Payload        json.RawMessage            `gorm:"column:payload_json;type:jsonb"`
	Status         enums.NotificationStatus   `gorm:"column:status;not null;index:ix_notifications_due,priority:1"`
	IdempotencyKey *string                    `gorm:"column:idempotency_key;uniqueIndex:ux_notifications_tenant_key,priority:2"`
	ExternalRef    *string                    `gorm:"column:external_ref;uniqueIndex:ux_notifications_tenant_external_ref,priority:2"`
	AttemptCount   int                        `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptNo  int                        `gorm:"column:next_attempt_no;not null;default:0"`
	NextAttemptAt  *time.Time                 `gorm:"column:next_attempt_at;index:ix_notifications_due,priority:2"`
	LastError      *string                    `gorm:"column:last_error"`
	SentAt         *time.Time                 `gorm:"column:sent_at"`
	FailedAt       *time.Time                 `gorm:"column:failed_at"`
	CreatedAt      time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}
