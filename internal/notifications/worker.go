package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/enums"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox/payloads"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second

	ReasonMissingDestination    = "missing_destination"
	ReasonChannelNotImplemented = "channel_not_implemented"
)

var errStaleTransition = errors.New("notification moved before delivery result was stored")

// Channel sends one notification over one transport.
type Channel interface {
	Send(ctx context.Context, n *models.Notification, attemptNo int) SendResult
}

// SendResult is what a channel reports for one attempt. Permanent failures
// are never retried. Deferred means the channel refused to try at all; the
// same attempt number is rescheduled after RetryAfter.
type SendResult struct {
	Provider     string
	ResponseCode *int
	Err          error
	Permanent    bool
	Reason       string
	Deferred     bool
	RetryAfter   time.Duration
}

// Outcome summarizes what Deliver did with a job.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
)

type WorkerConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type WorkerParams struct {
	DB       txRunner
	Repo     Repository
	Attempts attemptStore
	Outbox   eventAppender
	Channels map[enums.NotificationChannel]Channel
	Config   WorkerConfig
	Logger   *logger.Logger
	Metrics  *metrics.DeliveryMetrics
}

// Worker runs the delivery state machine for queued notifications.
type Worker struct {
	db       txRunner
	repo     Repository
	attempts attemptStore
	outbox   eventAppender
	channels map[enums.NotificationChannel]Channel
	cfg      WorkerConfig
	logg     *logger.Logger
	metrics  *metrics.DeliveryMetrics
	now      func() time.Time
}

func NewWorker(params WorkerParams) (*Worker, error) {
	switch {
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repo == nil:
		return nil, errors.New("notifications repository required")
	case params.Attempts == nil:
		return nil, errors.New("attempt repository required")
	case params.Outbox == nil:
		return nil, errors.New("outbox writer required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	}
	cfg := params.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	channels := params.Channels
	if channels == nil {
		channels = map[enums.NotificationChannel]Channel{}
	}
	return &Worker{
		db:       params.DB,
		repo:     params.Repo,
		attempts: params.Attempts,
		outbox:   params.Outbox,
		channels: channels,
		cfg:      cfg,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

// Backoff returns min(base*2^(attempt-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Deliver performs attempt job.Attempt for a notification. Finalized
// notifications and stale jobs are skipped without writing an attempt row.
// The channel call happens outside the transaction; the result is stored only
// if the row is still at the attempt this job was issued for.
func (w *Worker) Deliver(ctx context.Context, job payloads.DeliveryJob) (Outcome, error) {
	ctx = w.logg.WithTenantID(ctx, job.TenantID.String())
	logCtx := w.logg.WithFields(ctx, map[string]any{
		"notification_id": job.NotificationID.String(),
		"channel":         job.Channel,
		"attempt":         job.Attempt,
	})

	n, err := w.repo.FindByID(ctx, job.TenantID, job.NotificationID)
	if err != nil {
		return "", fmt.Errorf("load notification: %w", err)
	}
	if n == nil {
		w.logg.Warn(logCtx, "delivery job for unknown notification")
		return OutcomeSkipped, nil
	}
	if n.Status.IsFinal() {
		w.logg.Debug(w.logg.WithField(logCtx, "status", n.Status), "notification already finalized")
		return OutcomeSkipped, nil
	}
	if job.Attempt != n.NextAttemptNo {
		w.logg.Debug(w.logg.WithField(logCtx, "next_attempt_no", n.NextAttemptNo), "stale delivery job")
		return OutcomeSkipped, nil
	}

	res := w.send(ctx, n, job.Attempt)
	var outcome Outcome
	if res.Deferred && res.Err != nil {
		outcome, err = w.deferAttempt(ctx, n, job.Attempt, res)
	} else {
		outcome, err = w.record(ctx, n, job.Attempt, res)
	}
	if errors.Is(err, errStaleTransition) {
		w.logg.Warn(logCtx, "notification changed during delivery, result discarded")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	if outcome != OutcomeDeferred {
		w.metrics.IncAttempt(string(n.Channel), string(attemptStatus(outcome)))
	}
	fields := map[string]any{"outcome": outcome, "provider": res.Provider}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	if res.ResponseCode != nil {
		fields["response_code"] = *res.ResponseCode
	}
	logCtx = w.logg.WithFields(logCtx, fields)
	switch outcome {
	case OutcomeSent:
		w.logg.Info(logCtx, "notification delivered")
	case OutcomeRetrying:
		w.logg.Warn(logCtx, "notification delivery will retry")
	case OutcomeDeferred:
		w.logg.Warn(logCtx, "notification delivery deferred, attempt not spent")
	default:
		w.logg.Warn(logCtx, "notification delivery failed")
	}
	return outcome, nil
}

func (w *Worker) send(ctx context.Context, n *models.Notification, attemptNo int) SendResult {
	ch, ok := w.channels[n.Channel]
	if !ok {
		return SendResult{
			Provider:  string(n.Channel),
			Err:       errors.New(ReasonChannelNotImplemented),
			Permanent: true,
			Reason:    ReasonChannelNotImplemented,
		}
	}
	res := ch.Send(ctx, n, attemptNo)
	if res.Provider == "" {
		res.Provider = string(n.Channel)
	}
	return res
}

func (w *Worker) record(ctx context.Context, n *models.Notification, attemptNo int, res SendResult) (Outcome, error) {
	now := w.now().UTC()
	outcome := OutcomeSent
	update := transitionUpdate{
		Status:        enums.NotificationStatusSent,
		AttemptCount:  attemptNo,
		NextAttemptNo: attemptNo,
		SentAt:        &now,
	}

	if res.Err != nil {
		msg := res.Err.Error()
		if res.Reason != "" {
			msg = res.Reason
		}
		update = transitionUpdate{
			AttemptCount: attemptNo,
			LastError:    &msg,
		}
		if !res.Permanent && attemptNo < w.cfg.MaxAttempts {
			next := now.Add(Backoff(attemptNo, w.cfg.BaseDelay, w.cfg.MaxDelay))
			outcome = OutcomeRetrying
			update.Status = enums.NotificationStatusQueued
			update.NextAttemptNo = attemptNo + 1
			update.NextAttemptAt = &next
		} else {
			outcome = OutcomeFailed
			update.Status = enums.NotificationStatusFailed
			update.NextAttemptNo = attemptNo
			update.FailedAt = &now
		}
	}

	err := w.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := w.repo.WithTx(tx).Transition(ctx,
			transitionGuard{ID: n.ID, Status: n.Status, NextAttemptNo: attemptNo},
			update)
		if err != nil {
			return err
		}
		if !ok {
			return errStaleTransition
		}
		attempt := &models.DeliveryAttempt{
			NotificationID: n.ID,
			TenantID:       n.TenantID,
			AttemptNo:      attemptNo,
			Channel:        n.Channel,
			Provider:       res.Provider,
			Status:         attemptStatus(outcome),
			ErrorMessage:   update.LastError,
			ResponseCode:   res.ResponseCode,
		}
		if err := w.attempts.InsertTx(tx, attempt); err != nil {
			return err
		}
		if outcome == OutcomeRetrying {
			return nil
		}
		reason := ""
		if update.LastError != nil {
			reason = *update.LastError
		}
		return announce(ctx, w.outbox, tx, n, n.Status, update.Status, attemptNo, reason, "")
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// deferAttempt moves next_attempt_at out and leaves the attempt unspent.
func (w *Worker) deferAttempt(ctx context.Context, n *models.Notification, attemptNo int, res SendResult) (Outcome, error) {
	delay := res.RetryAfter
	if delay <= 0 {
		delay = Backoff(attemptNo, w.cfg.BaseDelay, w.cfg.MaxDelay)
	}
	next := w.now().UTC().Add(delay)
	msg := res.Err.Error()
	err := w.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := w.repo.WithTx(tx).Transition(ctx,
			transitionGuard{ID: n.ID, Status: n.Status, NextAttemptNo: attemptNo},
			transitionUpdate{
				Status:        n.Status,
				AttemptCount:  n.AttemptCount,
				NextAttemptNo: attemptNo,
				NextAttemptAt: &next,
				LastError:     &msg,
			})
		if err != nil {
			return err
		}
		if !ok {
			return errStaleTransition
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return OutcomeDeferred, nil
}

func attemptStatus(o Outcome) enums.DeliveryAttemptStatus {
	switch o {
	case OutcomeSent:
		return enums.DeliveryAttemptSuccess
	case OutcomeRetrying:
		return enums.DeliveryAttemptRetrying
	default:
		return enums.DeliveryAttemptFail
	}
}
