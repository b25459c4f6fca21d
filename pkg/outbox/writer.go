// Package outbox appends intent-to-announce rows inside the caller's
// transaction. Publishing is done later by the outbox-publisher forwarder.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// PayloadValidator checks a payload against the variant of its event type.
type PayloadValidator interface {
	Validate(eventType enums.OutboxEventType, payload json.RawMessage) error
}

// Event is what a domain service asks to announce.
type Event struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	FarmID     *uuid.UUID
	BarnID     *uuid.UUID
	DeviceID   *string
	EventType  enums.OutboxEventType
	OccurredAt time.Time
	TraceID    string
	Priority   int
	// Payload is marshalled to JSON unless it already is a json.RawMessage.
	Payload any
}

type Writer struct {
	repo      *Repository
	validator PayloadValidator
	logg      *logger.Logger
	now       func() time.Time
}

func NewWriter(repo *Repository, validator PayloadValidator, logg *logger.Logger) *Writer {
	return &Writer{repo: repo, validator: validator, logg: logg, now: time.Now}
}

// AppendEvent inserts a pending row using tx and returns the stored row. It
// never touches the broker, so it commits or rolls back with the domain write.
func (w *Writer) AppendEvent(ctx context.Context, tx *gorm.DB, event Event) (*models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if event.TenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant_id is required")
	}
	if !event.EventType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type "+string(event.EventType))
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode payload")
	}
	if w.validator != nil {
		if err := w.validator.Validate(event.EventType, payload); err != nil {
			return nil, err
		}
	}

	now := w.now().UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	if event.TraceID == "" {
		event.TraceID = ulid.Make().String()
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	row := models.OutboxEvent{
		ID:            event.ID,
		TenantID:      event.TenantID,
		FarmID:        event.FarmID,
		BarnID:        event.BarnID,
		DeviceID:      event.DeviceID,
		EventType:     event.EventType,
		OccurredAt:    event.OccurredAt.UTC(),
		TraceID:       event.TraceID,
		Payload:       payload,
		Status:        enums.OutboxStatusPending,
		NextAttemptAt: now,
		Priority:      event.Priority,
	}
	if err := w.repo.Insert(tx, &row); err != nil {
		return nil, err
	}

	if w.logg != nil {
		logCtx := w.logg.WithTraceID(ctx, row.TraceID)
		logCtx = w.logg.WithFields(logCtx, map[string]any{
			"event_id":   row.ID.String(),
			"event_type": row.EventType,
			"tenant_id":  row.TenantID.String(),
		})
		w.logg.Debug(logCtx, "outbox event queued")
	}
	return &row, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
