package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// OutboxDLQ is the forwarder's record of an outbox row it stopped retrying.
// Destination is nil when the row never resolved to a route.
type OutboxDLQ struct {
	ID            uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	OutboxEventID uuid.UUID                  `gorm:"column:outbox_event_id;type:uuid;not null;index"`
	TenantID      uuid.UUID                  `gorm:"column:tenant_id;type:uuid;not null"`
	EventType     enums.OutboxEventType      `gorm:"column:event_type;not null"`
	Payload       json.RawMessage            `gorm:"column:payload_json;type:jsonb;not null"`
	TraceID       string                     `gorm:"column:trace_id;not null;default:''"`
	Destination   *string                    `gorm:"column:destination"`
	ErrorReason   enums.OutboxDLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage  *string                    `gorm:"column:error_message"`
	AttemptCount  int                        `gorm:"column:attempt_count;not null;default:0"`
	FailedAt      time.Time                  `gorm:"column:failed_at;not null"`
	CreatedAt     time.Time                  `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxDLQ) TableName() string { return "outbox_dlq" }
