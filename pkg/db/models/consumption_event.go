package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/barnlink/pkg/enums"
)

// ConsumptionEvent is a feed draw-down applied to a device, either reported by
// the device or synthesized from scale deltas.
type ConsumptionEvent struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	TenantID    uuid.UUID               `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:ux_consumption_tenant_event,priority:1;uniqueIndex:ux_consumption_tenant_external_ref,priority:1"`
	DeviceID    string                  `gorm:"column:device_id;not null;index"`
	EventID     *string                 `gorm:"column:event_id;uniqueIndex:ux_consumption_tenant_event,priority:2"`
	ExternalRef *string                 `gorm:"column:external_ref;uniqueIndex:ux_consumption_tenant_external_ref,priority:2"`
	Quantity    decimal.Decimal         `gorm:"column:quantity;type:numeric(14,3);not null"`
	Unit        string                  `gorm:"column:unit;not null;default:kg"`
	Source      enums.ConsumptionSource `gorm:"column:source;not null"`
	TraceID     string                  `gorm:"column:trace_id"`
	OccurredAt  time.Time               `gorm:"column:occurred_at;not null"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
}
