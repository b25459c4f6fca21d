package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/barnlink/internal/bootstrap"
	"github.com/angelmondragon/barnlink/internal/deadletters"
	"github.com/angelmondragon/barnlink/pkg/broker"
)

const serviceName = "dlq-archiver"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.Options{ServiceName: serviceName, Broker: true})
	bootstrap.Require(ctx, nil, "runtime", err)
	logg := rt.Logger

	archiver, err := deadletters.NewArchiver(deadletters.NewRepository(rt.DB.DB()), logg)
	bootstrap.Require(ctx, logg, "dead letter archiver", err)

	queues := []string{
		broker.DeadLetterName(rt.Config.Broker.DeviceEventsQueue),
		broker.DeadLetterName(rt.Config.Broker.DeliveryQueue),
	}
	logg.Info(logg.WithField(ctx, "queues", queues), "starting dlq archiver")
	bootstrap.Finish(ctx, rt, rt.Run(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, queue := range queues {
			g.Go(func() error { return rt.Broker.Consume(gctx, queue, archiver.Handle) })
		}
		return g.Wait()
	}))
}
