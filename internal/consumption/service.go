// Package consumption applies feed draw-downs exactly once per (tenant, event id)
// and announces each applied record on the outbox.
package consumption

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

// Scope namespaces consumption entries in the dedupe ledger.
const Scope = "consumption"

const defaultUnit = "kg"

type store interface {
	FindByEventID(ctx context.Context, tenantID uuid.UUID, eventID string) (*models.ConsumptionEvent, error)
	FindByExternalRef(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.ConsumptionEvent, error)
	InsertTx(tx *gorm.DB, rec *models.ConsumptionEvent) error
}

type eventAppender interface {
	AppendEvent(ctx context.Context, tx *gorm.DB, event outbox.Event) (*models.OutboxEvent, error)
}

// Input is one feed draw-down to apply.
type Input struct {
	TenantID    uuid.UUID
	EventID     string
	ExternalRef string
	DeviceID    string
	Quantity    decimal.Decimal
	Unit        string
	Source      enums.ConsumptionSource
	OccurredAt  time.Time
	TraceID     string
}

// TxHook runs inside the creating transaction after the record and its outbox
// event are written. It is skipped for duplicates.
type TxHook func(ctx context.Context, tx *gorm.DB, rec *models.ConsumptionEvent) error

type Service struct {
	guard  *dedupe.Guard
	repo   store
	outbox eventAppender
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(guard *dedupe.Guard, repo store, appender eventAppender, logg *logger.Logger) (*Service, error) {
	if guard == nil {
		return nil, errors.New("dedupe guard required")
	}
	if repo == nil {
		return nil, errors.New("consumption repository required")
	}
	if appender == nil {
		return nil, errors.New("outbox writer required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Service{guard: guard, repo: repo, outbox: appender, logg: logg, now: time.Now}, nil
}

// Record applies in at most once. Replays return the canonical record with Created=false.
func (s *Service) Record(ctx context.Context, in Input, hooks ...TxHook) (dedupe.Result[models.ConsumptionEvent], error) {
	in, err := s.normalize(in)
	if err != nil {
		return dedupe.Result[models.ConsumptionEvent]{}, err
	}

	cmd := dedupe.Command{
		TenantID:    in.TenantID,
		EventID:     in.EventID,
		ExternalRef: in.ExternalRef,
		Scope:       Scope,
	}
	ops := dedupe.Ops[models.ConsumptionEvent]{
		FindByEventID:     s.repo.FindByEventID,
		FindByExternalRef: s.repo.FindByExternalRef,
		Insert: func(ctx context.Context, tx *gorm.DB) (*models.ConsumptionEvent, error) {
			rec := &models.ConsumptionEvent{
				ID:          uuid.New(),
				TenantID:    in.TenantID,
				DeviceID:    in.DeviceID,
				EventID:     optional(in.EventID),
				ExternalRef: optional(in.ExternalRef),
				Quantity:    in.Quantity,
				Unit:        in.Unit,
				Source:      in.Source,
				TraceID:     in.TraceID,
				OccurredAt:  in.OccurredAt,
			}
			if err := s.repo.InsertTx(tx, rec); err != nil {
				return nil, err
			}
			return rec, nil
		},
		AfterInsert: func(ctx context.Context, tx *gorm.DB, rec *models.ConsumptionEvent) error {
			if err := s.announce(ctx, tx, rec); err != nil {
				return err
			}
			for _, hook := range hooks {
				if err := hook(ctx, tx, rec); err != nil {
					return err
				}
			}
			return nil
		},
	}

	res, err := dedupe.Create(ctx, s.guard, cmd, ops)
	if err != nil {
		return res, err
	}

	logCtx := s.logg.WithFields(s.logg.WithTenantID(ctx, in.TenantID.String()), map[string]any{
		"device_id":      in.DeviceID,
		"event_id":       in.EventID,
		"consumption_id": res.Record.ID.String(),
		"created":        res.Created,
	})
	if res.Created {
		s.logg.Info(logCtx, "consumption recorded")
	} else {
		s.logg.Debug(logCtx, "consumption replay ignored")
	}
	return res, nil
}

func (s *Service) announce(ctx context.Context, tx *gorm.DB, rec *models.ConsumptionEvent) error {
	eventID := ""
	if rec.EventID != nil {
		eventID = *rec.EventID
	}
	device := rec.DeviceID
	_, err := s.outbox.AppendEvent(ctx, tx, outbox.Event{
		TenantID:   rec.TenantID,
		DeviceID:   &device,
		EventType:  enums.EventConsumptionRecorded,
		OccurredAt: rec.OccurredAt,
		TraceID:    rec.TraceID,
		Payload: payloads.ConsumptionRecorded{
			ConsumptionID: rec.ID,
			DeviceID:      rec.DeviceID,
			EventID:       eventID,
			Quantity:      rec.Quantity,
			Unit:          rec.Unit,
			Source:        rec.Source,
		},
	})
	return err
}

func (s *Service) normalize(in Input) (Input, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.EventID = strings.TrimSpace(in.EventID)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	in.Unit = strings.ToLower(strings.TrimSpace(in.Unit))

	switch {
	case in.TenantID == uuid.Nil:
		return in, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	case in.DeviceID == "":
		return in, pkgerrors.New(pkgerrors.CodeValidation, "device id is required")
	case !in.Quantity.IsPositive():
		return in, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if in.Unit == "" {
		in.Unit = defaultUnit
	}
	if in.Unit != defaultUnit {
		return in, pkgerrors.Newf(pkgerrors.CodeValidation, "unsupported unit %q", in.Unit)
	}
	if in.Source == "" {
		in.Source = enums.ConsumptionSourceDevice
	}
	if !in.Source.IsValid() {
		return in, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid source %q", in.Source)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = s.now()
	}
	in.OccurredAt = in.OccurredAt.UTC()
	return in, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
