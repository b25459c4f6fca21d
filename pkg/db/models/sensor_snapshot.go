package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SensorSnapshot holds the last weight seen per device.
type SensorSnapshot struct {
	TenantID   uuid.UUID       `gorm:"column:tenant_id;type:uuid;primaryKey"`
	DeviceID   string          `gorm:"column:device_id;primaryKey"`
	Weight     decimal.Decimal `gorm:"column:weight;type:numeric(14,3);not null"`
	RecordedAt time.Time       `gorm:"column:recorded_at;not null"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
