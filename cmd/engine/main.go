// Command engine is the automation engine's entrypoint: it loads
// configuration, wires every collaborator C2 through C9 describe, and
// runs the single-writer actor until interrupted: context tied to
// os.Interrupt, zlog console logging, retry.DoContext around the
// Postgres dial, migrate-up on master and every slave DSN before serving
// traffic.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/automation"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/config"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/engine"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/eventbus"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/httpapi"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/obslog"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publisher"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/ratelimit"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/scheduler"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/state"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/transport"
)

func main() {
	ctx, ctxStop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer ctxStop()

	cfg, err := config.NewConfig(os.Getenv("ENGINE_ENV_FILE"), os.Getenv("ENGINE_CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	zlog.InitConsole()
	if err := zlog.SetLevel(cfg.Env); err != nil {
		log.Fatal(fmt.Errorf("error setting log level to %q: %w", cfg.Env, err))
	}
	zlog.Logger.Info().Str("env", cfg.Env).Msg("starting engine")

	logger := obslog.New()

	postgresStrategy := config.MakeStrategy(cfg.PostgresRetry)
	var postgresDB *dbpg.DB
	err = retry.DoContext(ctx, postgresStrategy, func() error {
		var dialErr error
		postgresDB, dialErr = dbpg.New(cfg.Postgres.MasterDSN, cfg.Postgres.SlaveDSNs, &dbpg.Options{
			MaxOpenConns:    cfg.Postgres.MaxOpenConnections,
			MaxIdleConns:    cfg.Postgres.MaxIdleConnections,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnectionMaxLifetimeSeconds) * time.Second,
		})
		return dialErr
	})
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	zlog.Logger.Info().Msg("connected to Postgres")

	if err := state.MigrateUp(cfg.Postgres.MasterDSN, "file://./db/migration"); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("couldn't migrate Postgres on master DSN")
	}
	for i, dsn := range cfg.Postgres.SlaveDSNs {
		if dsn == "" {
			continue
		}
		if err := state.MigrateUp(dsn, "file://./db/migration"); err != nil {
			zlog.Logger.Fatal().Err(err).Int("dsn_index", i).Msg("couldn't migrate Postgres on slave DSN")
		}
	}
	mirror := state.NewMirror(postgresDB, postgresStrategy)

	var cache store.Cache
	if cfg.Redis.Host != "" {
		redisClient := redis.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port), cfg.Redis.Password, cfg.Redis.DB)
		cache = store.NewRedisCache(redisClient, config.MakeStrategy(cfg.RedisRetry), time.Duration(cfg.Redis.ExpirationSeconds)*time.Second)
		zlog.Logger.Info().Msg("connected to Redis cache")
	} else {
		zlog.Logger.Info().Msg("no Redis host configured, running without a read-through cache")
	}

	pendingStore := store.New(cfg.Persistence.PendingFilePath, cfg.Persistence.AutomationStateFilePath, cfg.Persistence.DisplayLimit, cache, logger)
	if err := pendingStore.Load(time.Now()); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load pending store")
	}

	bus, err := eventbus.Connect(ctx, cfg.RabbitMQ, config.MakeStrategy(cfg.RabbitRetry))
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			zlog.Logger.Warn().Err(err).Msg("failed to close RabbitMQ connection")
		}
	}()

	collaboratorsStrategy := config.MakeStrategy(cfg.CollaboratorsRetry)
	eventClient := transport.NewEventPublisher(transport.NewClient(cfg.Collaborators.EventAPIBaseURL, cfg.Collaborators.Timeout, collaboratorsStrategy))
	profileClient := transport.NewProfileClient(transport.NewClient(cfg.Collaborators.ProfileAPIBaseURL, cfg.Collaborators.Timeout, collaboratorsStrategy))
	expanderClient := transport.NewPatternExpander(transport.NewClient(cfg.Collaborators.ExpanderAPIBaseURL, cfg.Collaborators.Timeout, collaboratorsStrategy))

	worker := publisher.New(pendingStore, profileClient, eventClient, bus, logger, mirror, time.Now)

	firstSlot := automation.FirstSlotMode(cfg.Automation.AfterModeFirstSlot)
	if firstSlot != automation.FirstSlotWallClock && firstSlot != automation.FirstSlotPreviousEventEnd {
		firstSlot = automation.FirstSlotWallClock
	}

	eng := engine.New(engine.Deps{
		Store:      pendingStore,
		Gate:       ratelimit.NewGate(),
		Queue:      ratelimit.NewPriorityQueue(),
		Worker:     worker,
		Calculator: automation.NewCalculator(),
		Expander:   expanderClient,
		Profiles:   profileClient,
		Notifier:   bus,
		Telemetry:  bus,
		Logger:     logger,
		Now:        time.Now,
		Ladder: scheduler.Ladder{
			LongHorizon:         cfg.Scheduler.LongHorizon,
			LongHorizonRecheck:  cfg.Scheduler.LongHorizonRecheck,
			MidHorizon:          cfg.Scheduler.MidHorizon,
			MidHorizonRecheck:   cfg.Scheduler.MidHorizonRecheck,
			ShortHorizon:        cfg.Scheduler.ShortHorizon,
			ShortHorizonRecheck: cfg.Scheduler.ShortHorizonRecheck,
		},
		MonthsAhead: cfg.Automation.MonthsAhead,
		FirstSlot:   firstSlot,
	})
	eng.Start(ctx)
	defer eng.Stop()

	router := httpapi.NewRouter(httpapi.NewHandler(eng), cfg.Env)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		zlog.Logger.Info().Str("addr", cfg.HTTP.Addr).Msg("serving control API")
		if err := router.Run(cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("control API server: %w", err)
		}
		return nil
	})

	<-groupCtx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		zlog.Logger.Error().Err(err).Msg("control API server exited unexpectedly")
	}

	if err := pendingStore.Save(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to persist pending store on shutdown")
	}
	zlog.Logger.Info().Msg("engine stopped")
}
