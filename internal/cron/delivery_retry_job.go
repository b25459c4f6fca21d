package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

const defaultRetryBatch = 100

type DeliveryRetryJobParams struct {
	Logger   *logger.Logger
	Enqueuer dueEnqueuer
	Batch    int
}

type dueEnqueuer interface {
	EnqueueDue(ctx context.Context, limit int) (int, error)
}

// NewDeliveryRetryJob re-publishes delivery jobs for queued notifications
// whose next_attempt_at has passed.
func NewDeliveryRetryJob(params DeliveryRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Enqueuer == nil {
		return nil, fmt.Errorf("notification enqueuer required")
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultRetryBatch
	}
	return &deliveryRetryJob{logg: params.Logger, enqueuer: params.Enqueuer, batch: batch}, nil
}

type deliveryRetryJob struct {
	logg     *logger.Logger
	enqueuer dueEnqueuer
	batch    int
}

func (j *deliveryRetryJob) Name() string { return "notification-delivery-retry" }

func (j *deliveryRetryJob) Run(ctx context.Context) error {
	total := 0
	for round := 0; round < maxPurgeRounds; round++ {
		n, err := j.enqueuer.EnqueueDue(ctx, j.batch)
		if err != nil {
			return fmt.Errorf("delivery retry: %w", err)
		}
		total += n
		if n < j.batch {
			break
		}
	}
	if total > 0 {
		j.logg.Info(j.logg.WithField(ctx, "enqueued", total), "due deliveries re-enqueued")
	}
	return nil
}
