package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

type DedupePurgeJobParams struct {
	Logger *logger.Logger
	Ledger ledgerPurger
	Batch  int
}

type ledgerPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// NewDedupePurgeJob removes dedupe ledger entries whose expires_at has passed.
func NewDedupePurgeJob(params DedupePurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("dedupe ledger repository required")
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	return &dedupePurgeJob{
		logg:   params.Logger,
		ledger: params.Ledger,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type dedupePurgeJob struct {
	logg   *logger.Logger
	ledger ledgerPurger
	batch  int
	now    func() time.Time
}

func (j *dedupePurgeJob) Name() string { return "dedupe-purge" }

func (j *dedupePurgeJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC()
	deleted, err := purgeInBatches(ctx, j.batch, func(ctx context.Context, limit int) (int64, error) {
		return j.ledger.PurgeExpired(ctx, cutoff, limit)
	})
	if err != nil {
		return fmt.Errorf("dedupe purge: %w", err)
	}
	if deleted > 0 {
		j.logg.Info(j.logg.WithField(ctx, "rows_deleted", deleted), "expired dedupe entries purged")
	}
	return nil
}
