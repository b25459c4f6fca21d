// Package payloads holds the typed bodies carried in outbox rows and envelopes.
// Each type is the variant selected by the envelope's event_type.
package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// DeliverySchemaVersion is the current delivery job layout.
const DeliverySchemaVersion = 1

// ScaleReading is an absolute weight reported by a feed scale.
type ScaleReading struct {
	DeviceID   string          `json:"device_id" validate:"required,max=128"`
	WeightKg   decimal.Decimal `json:"weight_kg" validate:"gte=0"`
	RecordedAt time.Time       `json:"recorded_at" validate:"required"`
}

// FeedConsumed is a draw-down of feed, either reported by a device or
// synthesized from consecutive scale readings.
type FeedConsumed struct {
	DeviceID    string                  `json:"device_id" validate:"required,max=128"`
	Quantity    decimal.Decimal         `json:"quantity" validate:"gt=0"`
	Unit        string                  `json:"unit" validate:"required,oneof=kg"`
	Source      enums.ConsumptionSource `json:"source,omitempty" validate:"omitempty,oneof=device sensor_delta"`
	ExternalRef string                  `json:"external_ref,omitempty" validate:"omitempty,max=256"`
}

// ConsumptionRecorded announces an applied consumption record to downstream services.
type ConsumptionRecorded struct {
	ConsumptionID uuid.UUID               `json:"consumption_id" validate:"required"`
	DeviceID      string                  `json:"device_id" validate:"required"`
	EventID       string                  `json:"event_id,omitempty"`
	Quantity      decimal.Decimal         `json:"quantity" validate:"gt=0"`
	Unit          string                  `json:"unit" validate:"required"`
	Source        enums.ConsumptionSource `json:"source" validate:"required,oneof=device sensor_delta"`
}

// DeliveryJob asks the delivery worker to attempt a notification.
type DeliveryJob struct {
	SchemaVersion  int                       `json:"schema_version" validate:"required"`
	TenantID       uuid.UUID                 `json:"tenant_id" validate:"required"`
	NotificationID uuid.UUID                 `json:"notification_id" validate:"required"`
	Channel        enums.NotificationChannel `json:"channel" validate:"required,oneof=in_app webhook email sms push"`
	Attempt        int                       `json:"attempt" validate:"min=1"`
}

// NotificationStatusChanged is emitted on every terminal delivery transition.
type NotificationStatusChanged struct {
	NotificationID uuid.UUID                 `json:"notification_id" validate:"required"`
	Channel        enums.NotificationChannel `json:"channel" validate:"required"`
	From           enums.NotificationStatus  `json:"from" validate:"required"`
	To             enums.NotificationStatus  `json:"to" validate:"required"`
	AttemptNo      int                       `json:"attempt_no" validate:"min=0"`
	Reason         string                    `json:"reason,omitempty"`
}
