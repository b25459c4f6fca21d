package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/barnlink/internal/bootstrap"
	"github.com/angelmondragon/barnlink/internal/cron"
	"github.com/angelmondragon/barnlink/internal/notifications"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

const serviceName = "cron-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{ServiceName: serviceName, Redis: true})
	bootstrap.Require(ctx, nil, "runtime", err)
	logg := rt.Logger
	cfg := rt.Config
	conn := rt.DB.DB()

	eventRegistry, err := registry.NewEventRegistry(cfg.Broker)
	bootstrap.Require(ctx, logg, "event registry", err)

	ledger := dedupe.NewLedgerRepository(conn)
	guard, err := dedupe.NewGuard(rt.DB, ledger, cfg.Eventing.DedupeLedgerTTL, logg)
	bootstrap.Require(ctx, logg, "dedupe guard", err)

	outboxRepo := outbox.NewRepository(conn)
	deliveryMetrics := metrics.NewDeliveryMetrics(rt.Registry)
	notificationService, err := notifications.NewService(notifications.ServiceParams{
		DB:       rt.DB,
		Guard:    guard,
		Repo:     notifications.NewRepository(conn),
		Attempts: notifications.NewAttemptRepository(conn),
		Outbox:   outbox.NewWriter(outboxRepo, eventRegistry, logg),
		Logger:   logg,
		Metrics:  deliveryMetrics,
	})
	bootstrap.Require(ctx, logg, "notification service", err)

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		Outbox:        outboxRepo,
		DLQ:           outbox.NewDLQRepository(conn),
		SentRetention: cfg.Retention.OutboxSent,
		DLQRetention:  cfg.Retention.OutboxDLQ,
		Batch:         cfg.Retention.PurgeBatch,
	})
	bootstrap.Require(ctx, logg, "outbox retention job", err)

	purge, err := cron.NewDedupePurgeJob(cron.DedupePurgeJobParams{
		Logger: logg,
		Ledger: ledger,
		Batch:  cfg.Retention.PurgeBatch,
	})
	bootstrap.Require(ctx, logg, "dedupe purge job", err)

	retry, err := cron.NewDeliveryRetryJob(cron.DeliveryRetryJobParams{
		Logger:   logg,
		Enqueuer: notificationService,
		Batch:    cfg.Delivery.RetryBatchSize,
	})
	bootstrap.Require(ctx, logg, "delivery retry job", err)

	lockName := cron.LockName
	if env := cfg.App.Env; env != "" {
		lockName += ":" + env
	}
	lock, err := cron.NewRedisLock(rt.Redis, lockName, 0)
	bootstrap.Require(ctx, logg, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(retention, purge, retry),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(rt.Registry),
		Interval: cfg.Retention.CronInterval,
	})
	bootstrap.Require(ctx, logg, "cron service", err)

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")
	bootstrap.Finish(ctx, rt, rt.Run(ctx, service.Run))
}
