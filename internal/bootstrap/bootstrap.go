// Package bootstrap builds the process-level dependencies shared by every
// barnlink binary: config, logger, database, redis, broker and the ops server.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/barnlink/api"
	"github.com/angelmondragon/barnlink/api/controllers"
	"github.com/angelmondragon/barnlink/api/routes"
	"github.com/angelmondragon/barnlink/pkg/broker"
	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/db"
	"github.com/angelmondragon/barnlink/pkg/env"
	"github.com/angelmondragon/barnlink/pkg/instance"
	"github.com/angelmondragon/barnlink/pkg/logger"
	"github.com/angelmondragon/barnlink/pkg/metrics"
	"github.com/angelmondragon/barnlink/pkg/migrate"
	"github.com/angelmondragon/barnlink/pkg/pubsub"
	"github.com/angelmondragon/barnlink/pkg/redis"
)

// Options selects which dependencies a binary needs.
type Options struct {
	ServiceName string
	Redis       bool
	Broker      bool
}

// Runtime owns the shared dependencies; Close releases them in reverse order.
type Runtime struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	Broker   broker.Conn
	Registry prometheus.Registerer

	checks  []controllers.Check
	closers []func() error
}

// Start loads configuration and opens every dependency named in opts. On
// error, whatever was already opened is closed.
func Start(ctx context.Context, opts Options) (rt *Runtime, err error) {
	logg := logger.New(logger.Options{ServiceName: opts.ServiceName})
	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = opts.ServiceName

	rt = &Runtime{
		Config: cfg,
		Logger: logger.New(logger.Options{
			ServiceName: opts.ServiceName,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			Format:      cfg.App.LogFormat,
			WarnStack:   cfg.App.LogWarnStack,
		}),
		Registry: prometheus.DefaultRegisterer,
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	dbClient, err := db.New(ctx, cfg.DB, rt.Logger)
	if err != nil {
		return rt, fmt.Errorf("bootstrap database: %w", err)
	}
	rt.DB = dbClient
	rt.track("db", dbClient, dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, rt.Logger, dbClient); err != nil {
		return rt, fmt.Errorf("dev migrations: %w", err)
	}

	if opts.Redis {
		redisClient, err := redis.New(ctx, cfg.Redis, rt.Logger)
		if err != nil {
			return rt, fmt.Errorf("bootstrap redis: %w", err)
		}
		rt.Redis = redisClient
		rt.track("redis", redisClient, redisClient.Close)
	}

	if opts.Broker {
		if err := rt.openBroker(ctx); err != nil {
			return rt, err
		}
	}
	return rt, nil
}

func (rt *Runtime) openBroker(ctx context.Context) error {
	cfg := rt.Config
	var ps broker.PubSubClient
	if strings.EqualFold(strings.TrimSpace(cfg.Broker.Driver), config.BrokerDriverPubSub) {
		client, err := pubsub.NewClient(ctx, cfg.GCP, rt.Logger)
		if err != nil {
			return fmt.Errorf("bootstrap pubsub: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		ps = client
	}

	dispatcher := broker.NewDispatcher(rt.Logger, metrics.NewBrokerMetrics(rt.Registry))
	conn, err := broker.New(cfg, rt.Logger, dispatcher, ps)
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}
	if err := conn.Open(ctx); err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	rt.Broker = conn
	rt.track("broker", conn, conn.Close)
	rt.Logger.Info(rt.Logger.WithField(ctx, "driver", cfg.Broker.Driver), "broker connected")
	return nil
}

func (rt *Runtime) track(name string, p controllers.Pinger, closer func() error) {
	rt.checks = append(rt.checks, controllers.Check{Name: name, Pinger: p})
	rt.closers = append(rt.closers, closer)
}

// Run serves the ops endpoints next to fn and returns when either stops. The
// first failure cancels the other.
func (rt *Runtime) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	addr := ":" + rt.port()
	ctx = rt.Logger.WithFields(ctx, map[string]any{
		"env":         rt.Config.App.Env,
		"serviceKind": rt.Config.Service.Kind,
		"instance":    instance.GetID(),
	})
	handler := routes.NewOpsRouter(rt.Config, rt.Logger, nil, rt.checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, addr, handler, rt.Logger) })
	g.Go(func() error {
		err := fn(gctx)
		if err == nil {
			// fn finished cleanly; stop the ops server too.
			return context.Canceled
		}
		return err
	})
	return g.Wait()
}

func (rt *Runtime) port() string {
	return env.Get("PORT", rt.Config.App.Port)
}

// Close releases dependencies in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errs
}
