package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/barnlink/internal/bootstrap"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

const serviceName = "outbox-publisher"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{ServiceName: serviceName, Broker: true})
	bootstrap.Require(ctx, nil, "runtime", err)
	logg := rt.Logger

	eventRegistry, err := registry.NewEventRegistry(rt.Config.Broker)
	bootstrap.Require(ctx, logg, "event registry", err)

	service, err := NewService(ServiceParams{
		Config:        rt.Config,
		Logger:        logg,
		DB:            rt.DB,
		Broker:        rt.Broker,
		Repository:    outbox.NewRepository(rt.DB.DB()),
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(rt.DB.DB()),
		Metrics:       metrics.NewOutboxMetrics(rt.Registry),
	})
	bootstrap.Require(ctx, logg, "outbox publisher", err)

	logg.Info(ctx, "starting outbox publisher")
	bootstrap.Finish(ctx, rt, rt.Run(ctx, service.Run))
}
