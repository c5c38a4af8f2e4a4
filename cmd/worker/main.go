// Package main is the entry point for the vodflow worker: it consumes queued
// workflow events and runs the periodic recovery and compensation sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/bus"
	"github.com/reelworks/vodflow/internal/config"
	"github.com/reelworks/vodflow/internal/database"
	"github.com/reelworks/vodflow/internal/lifecycle"
	"github.com/reelworks/vodflow/internal/objectstore"
	"github.com/reelworks/vodflow/internal/queue"
	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/recovery"
	"github.com/reelworks/vodflow/internal/video"
	"github.com/reelworks/vodflow/internal/worker"
	"github.com/reelworks/vodflow/internal/workflow"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "vodflow-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}

	records := record.NewPostgresStore(pool)
	videos := video.NewPostgresStore(pool)

	objects, err := objectstore.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init object storage")
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensure buckets")
	}

	var publisher bus.Publisher = bus.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := bus.NewAMQPPublisher(cfg.AMQPURL, cfg.NotificationQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("init notification bus")
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	observer := workflow.NewLogObserver(records, logger)
	engine := workflow.NewEngine(records, observer, publisher, logger, cfg.WorkerConcurrency)
	adapter := lifecycle.New(engine, videos, objects, logger)
	scanner := recovery.NewScanner(records)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	// Periodic sweeps: "what to retry" lives in the scanner, "when" lives
	// here in the schedule config.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(cfg.RecoverySchedule, asynq.NewTask(queue.RecoverySweepTask, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register recovery sweep")
	}
	if _, err := scheduler.Register(cfg.CompensationSchedule, asynq.NewTask(queue.CompensationSweepTask, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register compensation sweep")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	processor := worker.NewProcessor(engine, adapter, scanner, objects, cfg.MaxRetries, logger)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
