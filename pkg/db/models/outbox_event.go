package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// OutboxEvent is a durable intent-to-announce row written in the same
// transaction as its domain change. Payload is immutable after insert.
type OutboxEvent struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID             `gorm:"column:tenant_id;type:uuid;not null"`
	FarmID        *uuid.UUID            `gorm:"column:farm_id;type:uuid"`
	BarnID        *uuid.UUID            `gorm:"column:barn_id;type:uuid"`
	DeviceID      *string               `gorm:"column:device_id"`
	EventType     enums.OutboxEventType `gorm:"column:event_type;not null"`
	OccurredAt    time.Time             `gorm:"column:occurred_at;not null"`
	TraceID       string                `gorm:"column:trace_id;not null"`
	Payload       json.RawMessage       `gorm:"column:payload_json;type:jsonb;not null"`
	Status        enums.OutboxStatus    `gorm:"column:status;type:outbox_status;not null;default:pending;index:ix_outbox_events_due,priority:1"`
	AttemptCount  int                   `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt time.Time             `gorm:"column:next_attempt_at;not null;index:ix_outbox_events_due,priority:2"`
	Priority      int                   `gorm:"column:priority;not null;default:0"`
	LastError     *string               `gorm:"column:last_error"`
	SentAt        *time.Time            `gorm:"column:sent_at"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
