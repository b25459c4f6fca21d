package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

const (
	defaultOutboxSentRetention = 168 * time.Hour
	defaultOutboxDLQRetention  = 720 * time.Hour
	defaultPurgeBatch          = 500
	// maxPurgeRounds bounds one job run so a backlog cannot starve the other jobs.
	maxPurgeRounds = 20
)

type OutboxRetentionJobParams struct {
	Logger        *logger.Logger
	Outbox        sentOutboxPurger
	DLQ           dlqPurger
	SentRetention time.Duration
	DLQRetention  time.Duration
	Batch         int
}

type sentOutboxPurger interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type dlqPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// NewOutboxRetentionJob deletes sent outbox rows and outbox dead letters
// past their retention windows. Pending and failed rows are left alone.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.DLQ == nil {
		return nil, fmt.Errorf("outbox dlq repository required")
	}
	sent := params.SentRetention
	if sent <= 0 {
		sent = defaultOutboxSentRetention
	}
	dlq := params.DLQRetention
	if dlq <= 0 {
		dlq = defaultOutboxDLQRetention
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	return &outboxRetentionJob{
		logg:          params.Logger,
		outbox:        params.Outbox,
		dlq:           params.DLQ,
		sentRetention: sent,
		dlqRetention:  dlq,
		batch:         batch,
		now:           time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg          *logger.Logger
	outbox        sentOutboxPurger
	dlq           dlqPurger
	sentRetention time.Duration
	dlqRetention  time.Duration
	batch         int
	now           func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	sentCutoff := now.Add(-j.sentRetention)
	dlqCutoff := now.Add(-j.dlqRetention)

	sent, err := purgeInBatches(ctx, j.batch, func(ctx context.Context, limit int) (int64, error) {
		return j.outbox.DeleteSentBefore(ctx, sentCutoff, limit)
	})
	if err != nil {
		return fmt.Errorf("outbox retention: sent rows: %w", err)
	}
	dead, err := purgeInBatches(ctx, j.batch, func(ctx context.Context, limit int) (int64, error) {
		return j.dlq.DeleteBefore(ctx, dlqCutoff, limit)
	})
	if err != nil {
		return fmt.Errorf("outbox retention: dead letters: %w", err)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"sent_cutoff":  sentCutoff,
		"dlq_cutoff":   dlqCutoff,
		"sent_deleted": sent,
		"dlq_deleted":  dead,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}

// purgeInBatches calls del until a round deletes fewer than limit rows.
func purgeInBatches(ctx context.Context, limit int, del func(context.Context, int) (int64, error)) (int64, error) {
	var total int64
	for round := 0; round < maxPurgeRounds; round++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := del(ctx, limit)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(limit) {
			break
		}
	}
	return total, nil
}
