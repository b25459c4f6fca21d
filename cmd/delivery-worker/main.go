package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/barnlink/internal/bootstrap"
	"github.com/angelmondragon/barnlink/internal/notifications"
	"github.com/angelmondragon/barnlink/pkg/enums"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

const serviceName = "delivery-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{ServiceName: serviceName, Broker: true})
	bootstrap.Require(ctx, nil, "runtime", err)
	logg := rt.Logger
	cfg := rt.Config
	conn := rt.DB.DB()

	eventRegistry, err := registry.NewEventRegistry(cfg.Broker)
	bootstrap.Require(ctx, logg, "event registry", err)

	webhook := notifications.NewWebhookChannel(notifications.WebhookOptions{
		Timeout:         cfg.Delivery.WebhookTimeout,
		BreakerFailures: cfg.Delivery.BreakerFailures,
		BreakerOpenFor:  cfg.Delivery.BreakerOpenFor,
	})
	worker, err := notifications.NewWorker(notifications.WorkerParams{
		DB:       rt.DB,
		Repo:     notifications.NewRepository(conn),
		Attempts: notifications.NewAttemptRepository(conn),
		Outbox:   outbox.NewWriter(outbox.NewRepository(conn), eventRegistry, logg),
		Channels: map[enums.NotificationChannel]notifications.Channel{
			enums.NotificationChannelInApp:   notifications.InAppChannel{},
			enums.NotificationChannelWebhook: webhook,
		},
		Config: notifications.WorkerConfig{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.BaseDelay,
			MaxDelay:    cfg.Delivery.MaxDelay,
		},
		Logger:  logg,
		Metrics: metrics.NewDeliveryMetrics(rt.Registry),
	})
	bootstrap.Require(ctx, logg, "delivery worker", err)

	consumer, err := notifications.NewConsumer(eventRegistry, worker, logg)
	bootstrap.Require(ctx, logg, "delivery consumer", err)

	queue := cfg.Broker.DeliveryQueue
	logg.Info(logg.WithField(ctx, "queue", queue), "starting delivery worker")
	bootstrap.Finish(ctx, rt, rt.Run(ctx, func(ctx context.Context) error {
		return rt.Broker.Consume(ctx, queue, consumer.Handle)
	}))
}
