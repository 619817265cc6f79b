package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/config"
	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/exchange"
	"github.com/xtrntr/matchbook/internal/idgen"
	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/metrics"
	"github.com/xtrntr/matchbook/internal/notify"
)

// app holds what every command shares: configuration, logger, store and
// metrics
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   db.Store
	pg      *db.DB
	metrics *metrics.Metrics
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	switch cfg.Database.Driver {
	case "memory":
		mem := db.NewMemDB()
		mem.LockTimeout = cfg.Database.LockTimeout
		a.store = mem
		log.Warn("using the in-memory store, nothing survives a restart")
	default:
		pg, err := db.NewDB(ctx, cfg.Database.URL)
		if err != nil {
			log.AtExit()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg.LockTimeout = cfg.Database.LockTimeout
		a.pg = pg
		a.store = pg
	}
	return a, nil
}

func (a *app) migrate(ctx context.Context) error {
	if a.pg == nil {
		a.log.Info("in-memory store needs no migration")
		return nil
	}
	if err := a.pg.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info("schema applied")
	return nil
}

// dispatcher builds the event dispatcher with the log sink, hub when given,
// and every enabled broker sink
func (a *app) dispatcher(ctx context.Context, hub *notify.WSHub) (*notify.Dispatcher, error) {
	sinks := []notify.Sink{notify.NewLogSink(a.log)}
	if hub != nil {
		sinks = append(sinks, hub)
	}

	n := a.cfg.Notify
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}
	if n.Redis.Enabled {
		client, err := notify.NewRedisClient(ctx, n.Redis.Addr, n.Redis.Password, n.Redis.DB)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, notify.NewRedisSink(client, n.Redis.Prefix))
	}
	if n.NATS.Enabled {
		s, err := notify.NewNATSSink(n.NATS.URL, n.NATS.Prefix)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if n.Kafka.Enabled {
		s, err := notify.NewKafkaSink(n.Kafka.Brokers, n.Kafka.Topic, a.log, a.metrics)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	a.log.Info("event sinks ready", zap.Strings("sinks", names))

	d := notify.NewDispatcher(a.log, n.BufferSize, n.MaxAttempts, sinks, notify.WithMetrics(a.metrics))
	d.Start()
	return d, nil
}

func (a *app) exchange(events notify.Publisher) (*exchange.Exchange, error) {
	ids, err := idgen.New(a.cfg.Engine.SnowflakeNode)
	if err != nil {
		return nil, err
	}
	return exchange.NewExchange(a.store,
		exchange.WithPublisher(events),
		exchange.WithLogger(a.log),
		exchange.WithMetrics(a.metrics),
		exchange.WithIDGenerator(ids),
		exchange.WithMatchOnPlace(a.cfg.Engine.MatchOnPlace),
	), nil
}

func (a *app) close() {
	if err := a.store.Close(context.Background()); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	a.log.AtExit()
}
