package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fiapx/fiapx-harvester-service/internal/detector"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/config"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/email"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/ffmpeg"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/metrics"
	miniostorage "github.com/fiapx/fiapx-harvester-service/internal/infra/minio"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/output"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/postgres"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/rabbitmq"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/tracing"
	"github.com/fiapx/fiapx-harvester-service/internal/pipeline"
	"github.com/fiapx/fiapx-harvester-service/internal/textskip"
	"github.com/fiapx/fiapx-harvester-service/internal/usecase"
	"github.com/fiapx/fiapx-harvester-service/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel, logger.WithFile(cfg.LogFile))
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting " + tracing.ServiceName)

	pipeCfg, err := cfg.PipelineConfig()
	fatalOnErr(err, "pipeline config")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		UseSSL:        cfg.MinIOUseSSL,
		UploadBucket:  cfg.MinIOUploadBucket,
		DatasetBucket: cfg.MinIODatasetBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// Models are loaded once per process; a worker that cannot load them never consumes.
	registry := detector.NewRegistry(pipeCfg.ActiveModels(), detector.NewLoader(cfg.LoaderConfig(), log), log)
	harvester, err := pipeline.New(pipeCfg, pipeline.Deps{
		Models: registry,
		Frames: ffmpeg.NewSampler(filepath.Join(cfg.TempDir, "frames"), cfg.FFmpegFormat, log),
		Text:   textskip.New(textskip.DefaultOptions()),
		Sink:   output.NewDatasetSink(cfg.OutputRoot, log, output.WithFreshDirs()),
	}, log)
	fatalOnErr(err, "create pipeline")
	fatalOnErr(harvester.Start(ctx), "load models")
	defer func() {
		if err := harvester.Close(); err != nil {
			log.Warn("failed to unload models", zap.Error(err))
		}
	}()

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")
	defer pub.Close()

	statusPub := rabbitmq.NewStatusPublisher(pub, cfg.RabbitMQStatusRoutingKey)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Infra adapters
	jobs := postgres.NewHarvestJobRepository(pool)
	runs := postgres.NewVideoRunRepository(pool)
	zipper := ffmpeg.NewZipCreator()
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	// Use case
	uc := usecase.NewHarvestVideosUseCase(
		jobs, runs, storage, zipper, harvester,
		statusPub, dlqPub, notifier,
		log,
		usecase.HarvestVideosConfig{
			TempDir:    cfg.TempDir,
			MaxRetries: cfg.MaxRetries,
		},
	)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func() error {
		if ctx.Err() != nil {
			return errors.New("shutting down")
		}
		if harvester.State() == pipeline.StateLoadingModels {
			return errors.New("loading models")
		}
		return nil
	}, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:               cfg.RabbitMQURL,
		Queue:             cfg.RabbitMQRequestQueue,
		Exchange:          cfg.RabbitMQExchange,
		DLQ:               cfg.RabbitMQDLQ,
		StatusQueue:       cfg.RabbitMQStatusQueue,
		RequestRoutingKey: cfg.RabbitMQRequestRoutingKey,
		StatusRoutingKey:  cfg.RabbitMQStatusRoutingKey,
		Prefetch:          cfg.RabbitMQPrefetch,
		WorkerCount:       cfg.WorkerCount,
		BaseDelayMs:       cfg.RetryBaseDelayMs,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info(tracing.ServiceName+" started, consuming messages",
		zap.Strings("models", modelNames(registry.Kinds())),
		zap.Bool("turbo", pipeCfg.TurboEnabled),
	)

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info(tracing.ServiceName + " stopped")
}

func modelNames(kinds []entity.ModelKind) []string {
	return lo.Map(kinds, func(m entity.ModelKind, _ int) string { return string(m) })
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
