package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/barnlink/internal/bootstrap"
	"github.com/angelmondragon/barnlink/internal/consumers/deviceevents"
	"github.com/angelmondragon/barnlink/internal/consumption"
	"github.com/angelmondragon/barnlink/internal/sensor"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/outbox"
	"github.com/angelmondragon/barnlink/pkg/outbox/registry"
)

const serviceName = "ingest-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{ServiceName: serviceName, Redis: true, Broker: true})
	bootstrap.Require(ctx, nil, "runtime", err)
	logg := rt.Logger
	cfg := rt.Config
	conn := rt.DB.DB()

	eventRegistry, err := registry.NewEventRegistry(cfg.Broker)
	bootstrap.Require(ctx, logg, "event registry", err)

	guard, err := dedupe.NewGuard(rt.DB, dedupe.NewLedgerRepository(conn), cfg.Eventing.DedupeLedgerTTL, logg)
	bootstrap.Require(ctx, logg, "dedupe guard", err)

	writer := outbox.NewWriter(outbox.NewRepository(conn), eventRegistry, logg)
	recorder, err := consumption.NewService(guard, consumption.NewRepository(conn), writer, logg)
	bootstrap.Require(ctx, logg, "consumption service", err)

	transformer, err := sensor.NewTransformer(rt.DB, sensor.NewSnapshotRepository(conn), recorder, cfg.Sensor.ThresholdKg, logg)
	bootstrap.Require(ctx, logg, "sensor transformer", err)

	marker, err := dedupe.NewMarker(rt.Redis, cfg.Eventing.ProcessedMarkerTTL)
	bootstrap.Require(ctx, logg, "processed marker", err)

	consumer, err := deviceevents.NewConsumer(eventRegistry, recorder, transformer, marker, logg)
	bootstrap.Require(ctx, logg, "device events consumer", err)

	queue := cfg.Broker.DeviceEventsQueue
	logg.Info(logg.WithField(ctx, "queue", queue), "starting ingest worker")
	bootstrap.Finish(ctx, rt, rt.Run(ctx, func(ctx context.Context) error {
		return rt.Broker.Consume(ctx, queue, consumer.Handle)
	}))
}
