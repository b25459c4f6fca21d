package models

import (
	"time"

	"github.com/google/uuid"
)

// BrokerDeadLetter archives a message drained from a dead-letter queue.
type BrokerDeadLetter struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Queue      string     `gorm:"column:queue;not null;uniqueIndex:ux_broker_dead_letters_queue_message,priority:1"`
	MessageID  string     `gorm:"column:message_id;not null;uniqueIndex:ux_broker_dead_letters_queue_message,priority:2"`
	TenantID   *uuid.UUID `gorm:"column:tenant_id;type:uuid"`
	Reason     *string    `gorm:"column:reason"`
	Body       []byte     `gorm:"column:body;type:bytea;not null"`
	ReceivedAt time.Time  `gorm:"column:received_at;not null"`
}
