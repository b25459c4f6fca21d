// Package dedupe makes "create a domain record from an inbound command" safe
// under duplicate delivery. Lookups are a fast path; the unique constraints on
// dedupe_ledger and on the domain table decide every race.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/barnlink/pkg/db"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// DefaultTTL bounds how long a processed event id is remembered.
const DefaultTTL = 7 * 24 * time.Hour

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerStore interface {
	Find(ctx context.Context, tenantID uuid.UUID, scope, eventID string) (*models.DedupeLedgerEntry, error)
	InsertTx(tx *gorm.DB, entry models.DedupeLedgerEntry) error
	RefreshTx(tx *gorm.DB, entryID uuid.UUID, processedAt, expiresAt time.Time) error
}

// Command identifies an inbound creation request.
type Command struct {
	TenantID    uuid.UUID
	EventID     string
	ExternalRef string
	// Scope namespaces ledger entries per domain table, e.g. "consumption".
	Scope string
}

// Ops binds the guard to one domain table. FindByExternalRef may be nil when
// the table has no external reference.
type Ops[T any] struct {
	FindByEventID     func(ctx context.Context, tenantID uuid.UUID, eventID string) (*T, error)
	FindByExternalRef func(ctx context.Context, tenantID uuid.UUID, externalRef string) (*T, error)
	Insert            func(ctx context.Context, tx *gorm.DB) (*T, error)
	AfterInsert       func(ctx context.Context, tx *gorm.DB, record *T) error
}

// Result carries the canonical record. Created is false when the command was a duplicate.
type Result[T any] struct {
	Record  *T
	Created bool
}

type Guard struct {
	db     txRunner
	ledger ledgerStore
	ttl    time.Duration
	logg   *logger.Logger
	now    func() time.Time
}

func NewGuard(db txRunner, ledger ledgerStore, ttl time.Duration, logg *logger.Logger) (*Guard, error) {
	if db == nil {
		return nil, errors.New("db runner required")
	}
	if ledger == nil {
		return nil, errors.New("ledger repository required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{db: db, ledger: ledger, ttl: ttl, logg: logg, now: time.Now}, nil
}

// Create applies cmd at most once. Duplicates, including those detected by a
// unique-constraint violation, return the existing record with Created=false.
func Create[T any](ctx context.Context, g *Guard, cmd Command, ops Ops[T]) (Result[T], error) {
	if err := validate(cmd, ops); err != nil {
		return Result[T]{}, err
	}

	var existingEntry *models.DedupeLedgerEntry
	switch {
	case cmd.EventID != "":
		rec, err := ops.FindByEventID(ctx, cmd.TenantID, cmd.EventID)
		if err != nil {
			return Result[T]{}, fmt.Errorf("find by event id: %w", err)
		}
		if rec != nil {
			g.logDuplicate(ctx, cmd, "event_id")
			return Result[T]{Record: rec}, nil
		}

		existingEntry, err = g.ledger.Find(ctx, cmd.TenantID, cmd.Scope, cmd.EventID)
		if err != nil {
			return Result[T]{}, fmt.Errorf("find ledger entry: %w", err)
		}
		if existingEntry != nil {
			rec, err = ops.FindByEventID(ctx, cmd.TenantID, cmd.EventID)
			if err != nil {
				return Result[T]{}, fmt.Errorf("find by event id: %w", err)
			}
			if rec != nil {
				g.logDuplicate(ctx, cmd, "ledger")
				return Result[T]{Record: rec}, nil
			}
		}
	case cmd.ExternalRef != "" && ops.FindByExternalRef != nil:
		rec, err := ops.FindByExternalRef(ctx, cmd.TenantID, cmd.ExternalRef)
		if err != nil {
			return Result[T]{}, fmt.Errorf("find by external ref: %w", err)
		}
		if rec != nil {
			g.logDuplicate(ctx, cmd, "external_ref")
			return Result[T]{Record: rec}, nil
		}
	}

	var created *T
	err := g.db.WithTx(ctx, func(tx *gorm.DB) error {
		if cmd.EventID != "" {
			if err := g.writeLedger(tx, cmd, existingEntry); err != nil {
				return err
			}
		}
		rec, err := ops.Insert(ctx, tx)
		if err != nil {
			return err
		}
		if ops.AfterInsert != nil {
			if err := ops.AfterInsert(ctx, tx, rec); err != nil {
				return err
			}
		}
		created = rec
		return nil
	})
	if err == nil {
		return Result[T]{Record: created, Created: true}, nil
	}
	if !dbpkg.IsUniqueViolation(err, "") {
		return Result[T]{}, err
	}

	// The transaction has been rolled back; read the winner outside of it.
	rec, ferr := refetch(ctx, cmd, ops)
	if ferr != nil {
		return Result[T]{}, fmt.Errorf("re-fetch after unique violation: %w", ferr)
	}
	if rec == nil {
		return Result[T]{}, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "duplicate detected but canonical record not found")
	}
	g.logDuplicate(ctx, cmd, "unique_violation")
	return Result[T]{Record: rec}, nil
}

func validate[T any](cmd Command, ops Ops[T]) error {
	if cmd.TenantID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if cmd.EventID != "" && cmd.Scope == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "scope is required when event id is set")
	}
	if ops.Insert == nil || ops.FindByEventID == nil {
		return errors.New("dedupe ops require FindByEventID and Insert")
	}
	return nil
}

func (g *Guard) writeLedger(tx *gorm.DB, cmd Command, existing *models.DedupeLedgerEntry) error {
	now := g.now().UTC()
	expires := now.Add(g.ttl)
	if existing != nil {
		return g.ledger.RefreshTx(tx, existing.ID, now, expires)
	}
	entry := models.DedupeLedgerEntry{
		ID:          uuid.New(),
		TenantID:    cmd.TenantID,
		Scope:       cmd.Scope,
		EventID:     cmd.EventID,
		ProcessedAt: now,
		ExpiresAt:   expires,
	}
	if cmd.ExternalRef != "" {
		ref := cmd.ExternalRef
		entry.ExternalRef = &ref
	}
	return g.ledger.InsertTx(tx, entry)
}

func refetch[T any](ctx context.Context, cmd Command, ops Ops[T]) (*T, error) {
	if cmd.EventID != "" {
		rec, err := ops.FindByEventID(ctx, cmd.TenantID, cmd.EventID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if cmd.ExternalRef != "" && ops.FindByExternalRef != nil {
		return ops.FindByExternalRef(ctx, cmd.TenantID, cmd.ExternalRef)
	}
	return nil, nil
}

func (g *Guard) logDuplicate(ctx context.Context, cmd Command, via string) {
	if g.logg == nil {
		return
	}
	logCtx := g.logg.WithFields(ctx, map[string]any{
		"tenant_id":    cmd.TenantID.String(),
		"event_id":     cmd.EventID,
		"external_ref": cmd.ExternalRef,
		"scope":        cmd.Scope,
		"matched_by":   via,
	})
	g.logg.Debug(logCtx, "duplicate command ignored")
}
