// Package notifications owns outbound notifications: idempotent creation,
// cancelation and the delivery state machine driven by the delivery worker.
package notifications

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

// Scope namespaces notification entries in the dedupe ledger.
const Scope = "notification"

const providerInApp = "in_app"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventAppender interface {
	AppendEvent(ctx context.Context, tx *gorm.DB, event outbox.Event) (*models.OutboxEvent, error)
}

type attemptStore interface {
	InsertTx(tx *gorm.DB, attempt *models.DeliveryAttempt) error
}

// CreateInput describes a notification to create. IdempotencyKey doubles as
// the dedupe event id.
type CreateInput struct {
	TenantID       uuid.UUID
	Channel        enums.NotificationChannel
	Severity       enums.NotificationSeverity
	Title          string
	Body           string
	Payload        json.RawMessage
	IdempotencyKey string
	ExternalRef    string
	TraceID        string
}

type ServiceParams struct {
	DB       txRunner
	Guard    *dedupe.Guard
	Repo     Repository
	Attempts attemptStore
	Outbox   eventAppender
	Logger   *logger.Logger
	Metrics  *metrics.DeliveryMetrics
}

type Service struct {
	db       txRunner
	guard    *dedupe.Guard
	repo     Repository
	attempts attemptStore
	outbox   eventAppender
	logg     *logger.Logger
	metrics  *metrics.DeliveryMetrics
	now      func() time.Time
}

// NewService wires notifications dependencies.
func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "db runner required")
	case params.Guard == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "dedupe guard required")
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifications repository required")
	case params.Attempts == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "attempt repository required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox writer required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &Service{
		db:       params.DB,
		guard:    params.Guard,
		repo:     params.Repo,
		attempts: params.Attempts,
		outbox:   params.Outbox,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

// Create stores a notification at most once per idempotency key or external
// ref. in_app notifications are delivered on the spot; every other channel is
// queued and a delivery job for attempt 1 goes on the outbox in the same
// transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (dedupe.Result[models.Notification], error) {
	in, err := normalizeCreate(in)
	if err != nil {
		return dedupe.Result[models.Notification]{}, err
	}

	cmd := dedupe.Command{
		TenantID:    in.TenantID,
		EventID:     in.IdempotencyKey,
		ExternalRef: in.ExternalRef,
		Scope:       Scope,
	}
	ops := dedupe.Ops[models.Notification]{
		FindByEventID:     s.repo.FindByIdempotencyKey,
		FindByExternalRef: s.repo.FindByExternalRef,
		Insert: func(ctx context.Context, tx *gorm.DB) (*models.Notification, error) {
			n := s.newNotification(in)
			if err := s.repo.WithTx(tx).Create(ctx, n); err != nil {
				return nil, err
			}
			return n, nil
		},
		AfterInsert: func(ctx context.Context, tx *gorm.DB, n *models.Notification) error {
			if n.Channel == enums.NotificationChannelInApp {
				return s.completeInApp(ctx, tx, n, in.TraceID)
			}
			return s.enqueue(ctx, tx, n, 1, in.TraceID)
		},
	}

	res, err := dedupe.Create(ctx, s.guard, cmd, ops)
	if err != nil {
		return res, err
	}
	logCtx := s.logg.WithFields(s.logg.WithTenantID(ctx, in.TenantID.String()), map[string]any{
		"notification_id": res.Record.ID.String(),
		"channel":         res.Record.Channel,
		"status":          res.Record.Status,
		"created":         res.Created,
	})
	if res.Created {
		if res.Record.Channel == enums.NotificationChannelInApp {
			s.metrics.IncAttempt(string(res.Record.Channel), string(enums.DeliveryAttemptSuccess))
		}
		s.logg.Info(logCtx, "notification created")
	} else {
		s.logg.Debug(logCtx, "duplicate notification ignored")
	}
	return res, nil
}

func (s *Service) newNotification(in CreateInput) *models.Notification {
	n := &models.Notification{
		ID:             uuid.New(),
		TenantID:       in.TenantID,
		Channel:        in.Channel,
		Severity:       in.Severity,
		Title:          in.Title,
		Body:           in.Body,
		Payload:        in.Payload,
		Status:         enums.NotificationStatusQueued,
		IdempotencyKey: optional(in.IdempotencyKey),
		ExternalRef:    optional(in.ExternalRef),
		NextAttemptNo:  1,
	}
	if in.Channel == enums.NotificationChannelInApp {
		now := s.now().UTC()
		n.Status = enums.NotificationStatusSent
		n.AttemptCount = 1
		n.NextAttemptNo = 0
		n.SentAt = &now
	}
	return n
}

func (s *Service) completeInApp(ctx context.Context, tx *gorm.DB, n *models.Notification, traceID string) error {
	if err := s.attempts.InsertTx(tx, &models.DeliveryAttempt{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		AttemptNo:      1,
		Channel:        n.Channel,
		Provider:       providerInApp,
		Status:         enums.DeliveryAttemptSuccess,
	}); err != nil {
		return err
	}
	return announce(ctx, s.outbox, tx, n, enums.NotificationStatusCreated, enums.NotificationStatusSent, 1, "", traceID)
}

func (s *Service) enqueue(ctx context.Context, tx *gorm.DB, n *models.Notification, attempt int, traceID string) error {
	_, err := s.outbox.AppendEvent(ctx, tx, outbox.Event{
		TenantID:  n.TenantID,
		EventType: enums.EventNotificationDeliveryRequested,
		TraceID:   traceID,
		Payload: payloads.DeliveryJob{
			SchemaVersion:  payloads.DeliverySchemaVersion,
			TenantID:       n.TenantID,
			NotificationID: n.ID,
			Channel:        n.Channel,
			Attempt:        attempt,
		},
	})
	return err
}

func announce(ctx context.Context, appender eventAppender, tx *gorm.DB, n *models.Notification, from, to enums.NotificationStatus, attemptNo int, reason, traceID string) error {
	_, err := appender.AppendEvent(ctx, tx, outbox.Event{
		TenantID:  n.TenantID,
		EventType: enums.EventNotificationStatusChanged,
		TraceID:   traceID,
		Payload: payloads.NotificationStatusChanged{
			NotificationID: n.ID,
			Channel:        n.Channel,
			From:           from,
			To:             to,
			AttemptNo:      attemptNo,
			Reason:         reason,
		},
	})
	return err
}

// Cancel moves a created or queued notification to canceled. Canceling an
// already canceled notification is a no-op.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*models.Notification, error) {
	if tenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant id required")
	}
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "notification id required")
	}

	var out *models.Notification
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		n, err := repo.LockByID(ctx, tenantID, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load notification")
		}
		if n == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
		}
		if n.Status == enums.NotificationStatusCanceled {
			out = n
			return nil
		}
		if !n.Status.CanTransitionTo(enums.NotificationStatusCanceled) {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "notification is already %s", n.Status)
		}

		from := n.Status
		ok, err := repo.Transition(ctx,
			transitionGuard{ID: n.ID, Status: from, NextAttemptNo: n.NextAttemptNo},
			transitionUpdate{
				Status:        enums.NotificationStatusCanceled,
				AttemptCount:  n.AttemptCount,
				NextAttemptNo: n.NextAttemptNo,
				LastError:     n.LastError,
			})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel notification")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "notification changed concurrently")
		}
		if err := announce(ctx, s.outbox, tx, n, from, enums.NotificationStatusCanceled, n.AttemptCount, "canceled", ""); err != nil {
			return err
		}
		n.Status = enums.NotificationStatusCanceled
		n.NextAttemptAt = nil
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(s.logg.WithTenantID(ctx, tenantID.String()), map[string]any{
		"notification_id": id.String(),
	})
	s.logg.Info(logCtx, "notification canceled")
	return out, nil
}

// EnqueueDue re-enqueues queued notifications whose retry time has passed.
// The job append and the next_attempt_at reset share one transaction, so a
// row is picked up by exactly one poll.
func (s *Service) EnqueueDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	enqueued := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		due, err := repo.ListDueForRetry(ctx, s.now().UTC(), limit)
		if err != nil {
			return err
		}
		for i := range due {
			n := &due[i]
			if err := s.enqueue(ctx, tx, n, n.NextAttemptNo, ""); err != nil {
				return err
			}
			if err := repo.ClearNextAttemptAt(ctx, n.ID); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

func normalizeCreate(in CreateInput) (CreateInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	if in.Severity == "" {
		in.Severity = enums.NotificationSeverityInfo
	}

	switch {
	case in.TenantID == uuid.Nil:
		return in, pkgerrors.New(pkgerrors.CodeValidation, "tenant id required")
	case !in.Channel.IsValid():
		return in, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid channel %q", in.Channel)
	case !in.Severity.IsValid():
		return in, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid severity %q", in.Severity)
	case in.Title == "":
		return in, pkgerrors.New(pkgerrors.CodeValidation, "title required")
	}
	if len(in.Payload) == 0 {
		in.Payload = nil
	} else if !json.Valid(in.Payload) {
		return in, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid json")
	}
	return in, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
