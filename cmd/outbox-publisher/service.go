package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	maxRowBackoff         = 5 * time.Minute
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchDueForPublishTx(tx *gorm.DB, now time.Time, limit int) ([]models.OutboxEvent, error)
	MarkSentTx(tx *gorm.DB, id uuid.UUID, sentAt time.Time) error
	MarkRetryTx(tx *gorm.DB, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, cause error) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, attemptCount int, cause error) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type brokerPublisher interface {
	broker.Publisher
	Ping(context.Context) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Broker        brokerPublisher
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       *metrics.OutboxMetrics
}

// Service forwards pending outbox rows to the broker.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	broker       brokerPublisher
	registry     registryResolver
	dlq          dlqRepository
	metrics      *metrics.OutboxMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker connection is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.Outbox.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		broker:       params.Broker,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		metrics:      params.Metrics,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		now:          time.Now,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return pingDependency(ctx, s.logg, "broker", s.broker.Ping)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			dump := pkgerrors.Dump(err)
			switch {
			case errors.Is(err, broker.ErrNotConnected):
				// The batch rolled back with no attempts spent; the broker
				// redials on the next publish.
				s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "broker unavailable; outbox batch deferred")
			case dump.TransientSQLState():
				s.logg.Warn(s.logg.WithFields(ctx, dump.Fields()), "outbox batch rolled back; retrying")
			default:
				s.logg.Error(ctx, "outbox publisher batch error", err)
			}
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval
		if processed {
			continue
		}
		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch publishes one locked batch. Rows stay locked until the
// transaction commits, so a concurrent forwarder never publishes them twice.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchDueForPublishTx(tx, s.now().UTC(), s.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		processed = true
		for _, event := range events {
			if err := s.processEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

func (s *Service) processEvent(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return s.handleTerminal(ctx, tx, event, "", enums.OutboxDLQReasonUnroutable, err, s.eventFields(event, ""))
	}

	destination := resolved.Descriptor.Destination
	fields := s.eventFields(event, destination)
	ctx = s.logg.WithTraceID(ctx, event.TraceID)

	pubErr := s.publish(ctx, resolved)
	if pubErr == nil {
		if err := s.repo.MarkSentTx(tx, event.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("mark sent %s: %w", event.ID, err)
		}
		s.metrics.IncPublished(string(event.EventType))
		s.logg.Debug(s.logg.WithFields(ctx, fields), "outbox event published")
		return nil
	}
	if errors.Is(pubErr, broker.ErrNotConnected) {
		return pubErr
	}

	if !pkgerrors.IsRetryable(pubErr) {
		return s.handleTerminal(ctx, tx, event, destination, enums.OutboxDLQReasonNonRetryable, pubErr, fields)
	}

	attempts := event.AttemptCount + 1
	fields["attempt_count"] = attempts
	if attempts >= s.maxAttempts {
		terminalErr := fmt.Errorf("max publish attempts reached: %w", pubErr)
		event.AttemptCount = attempts
		return s.handleTerminal(ctx, tx, event, destination, enums.OutboxDLQReasonMaxAttempts, terminalErr, fields)
	}

	next := s.now().UTC().Add(rowBackoff(attempts))
	fields["next_attempt_at"] = next
	logCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", pubErr.Error())
	s.logg.Warn(logCtx, "outbox publish failed")
	s.metrics.IncFailure(string(event.EventType), false)
	if err := s.repo.MarkRetryTx(tx, event.ID, attempts, next, pubErr); err != nil {
		return fmt.Errorf("mark retry %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) handleTerminal(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, destination string, reason enums.OutboxDLQErrorReason, err error, fields map[string]any) error {
	fields["error_reason"] = reason
	logCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())
	s.logg.Warn(logCtx, "outbox event will not be retried")
	s.metrics.IncFailure(string(event.EventType), true)

	entry := models.OutboxDLQ{
		ID:            uuid.New(),
		OutboxEventID: event.ID,
		TenantID:      event.TenantID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		TraceID:       event.TraceID,
		Destination:   optionalString(destination),
		ErrorReason:   reason,
		ErrorMessage:  optionalString(errorText(err)),
		AttemptCount:  event.AttemptCount,
		FailedAt:      s.now().UTC(),
	}
	if dlqErr := s.dlq.InsertTx(tx, entry); dlqErr != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, dlqErr)
	}
	if markErr := s.repo.MarkFailedTx(tx, event.ID, event.AttemptCount, err); markErr != nil {
		return fmt.Errorf("mark failed %s: %w", event.ID, markErr)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) publish(ctx context.Context, resolved *registry.ResolvedEvent) error {
	body, err := resolved.Envelope.Encode()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePermanent, err, "encode envelope")
	}
	key := resolved.Envelope.TenantID.String()
	if resolved.Envelope.DeviceID != nil {
		key = key + ":" + *resolved.Envelope.DeviceID
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.broker.Publish(publishCtx, resolved.Descriptor.Destination, broker.Message{
		ID:   resolved.Envelope.EventID,
		Key:  key,
		Body: body,
		Attributes: map[string]string{
			"event_type":     string(resolved.Envelope.EventType),
			"tenant_id":      resolved.Envelope.TenantID.String(),
			"trace_id":       resolved.Envelope.TraceID,
			"schema_version": fmt.Sprint(resolved.Envelope.SchemaVersion),
		},
	})
}

func (s *Service) eventFields(event models.OutboxEvent, destination string) map[string]any {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"tenant_id":     event.TenantID.String(),
		"batch_size":    s.batchSize,
		"attempt_count": event.AttemptCount,
	}
	if destination != "" {
		fields["destination"] = destination
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// rowBackoff delays the next publish of a row: 1s, 2s, 4s ... capped at maxRowBackoff.
func rowBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRowBackoff {
			return maxRowBackoff
		}
	}
	return d
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
