package models

import (
	"time"

	"github.com/google/uuid"
)

// DedupeLedgerEntry records that (tenant, event id) was applied within a scope.
// The unique index is the arbiter for concurrent duplicate deliveries.
type DedupeLedgerEntry struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	TenantID    uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:ux_dedupe_ledger_tenant_scope_event,priority:1"`
	Scope       string    `gorm:"column:scope;not null;uniqueIndex:ux_dedupe_ledger_tenant_scope_event,priority:2"`
	EventID     string    `gorm:"column:event_id;not null;uniqueIndex:ux_dedupe_ledger_tenant_scope_event,priority:3"`
	ExternalRef *string   `gorm:"column:external_ref"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null;index"`
}

func (DedupeLedgerEntry) TableName() string { return "dedupe_ledger" }
