// Package main is the entry point for the vodflow API server. It wires the
// workflow engine to Postgres, MinIO, Redis (asynq) and optionally RabbitMQ,
// then serves HTTP until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/reelworks/vodflow/internal/api"
	"github.com/reelworks/vodflow/internal/bus"
	"github.com/reelworks/vodflow/internal/config"
	"github.com/reelworks/vodflow/internal/database"
	"github.com/reelworks/vodflow/internal/lifecycle"
	"github.com/reelworks/vodflow/internal/objectstore"
	"github.com/reelworks/vodflow/internal/record"
	"github.com/reelworks/vodflow/internal/signing"
	"github.com/reelworks/vodflow/internal/video"
	"github.com/reelworks/vodflow/internal/workflow"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "vodflow-server").Logger()

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
	engine.Start(ctx)

	adapter := lifecycle.New(engine, videos, objects, logger)
	signer := signing.NewSigner(cfg.SigningSecret)

	tasks := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer tasks.Close()

	srv := api.New(cfg, engine, adapter, videos, records, objects, tasks, signer, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
