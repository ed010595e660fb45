package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/awsstore"
	"github.com/dharsanguruparan/MediaGate/internal/cdn"
	"github.com/dharsanguruparan/MediaGate/internal/config"
	"github.com/dharsanguruparan/MediaGate/internal/database"
	"github.com/dharsanguruparan/MediaGate/internal/logging"
	"github.com/dharsanguruparan/MediaGate/internal/metrics"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/moderation"
	"github.com/dharsanguruparan/MediaGate/internal/policy"
	"github.com/dharsanguruparan/MediaGate/internal/recovery"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
	"github.com/dharsanguruparan/MediaGate/internal/resilience"
	"github.com/dharsanguruparan/MediaGate/internal/s3storage"
	"github.com/dharsanguruparan/MediaGate/internal/textscreen"
	"github.com/dharsanguruparan/MediaGate/internal/transcribe"
	"github.com/dharsanguruparan/MediaGate/internal/visual"
)

// pipelineStore is everything the pipeline, sweep, and API need from a store.
type pipelineStore interface {
	moderation.Store
	recovery.Store
	Create(ctx context.Context, item *model.MediaItem) (bool, error)
	ListDecisions(ctx context.Context, itemID string) ([]model.ModerationDecision, error)
	ListStrikes(ctx context.Context, ownerID string) ([]model.Strike, error)
}

func loadConfig(service string) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(service, cfg.LogLevel, cfg.LogFormat), nil
}

func connectRepository(ctx context.Context, cfg *config.Config) (*repository.MediaRepository, *pgxpool.Pool, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL, int32(cfg.ProcessingPool*2+4))
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository.NewMediaRepository(pool), pool, nil
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (moderation.ObjectStore, error) {
	switch cfg.ObjectBackend {
	case "s3":
		store, err := awsstore.New(ctx, awsstore.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 store: %w", err)
		}
		return store, nil
	default:
		store, err := s3storage.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newMetrics() *metrics.Pipeline {
	return metrics.New(prometheus.DefaultRegisterer)
}

func newScreener(cfg *config.Config) *textscreen.Screener {
	return textscreen.New(textscreen.Options{Threshold: cfg.TextThreshold})
}

func retryConfig(cfg *config.Config) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, store moderation.Store, m *metrics.Pipeline, logger logrus.FieldLogger) (*moderation.Orchestrator, error) {
	objects, err := openObjectStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	retry := retryConfig(cfg)
	return moderation.New(moderation.Config{
		StalenessWindow: cfg.StalenessWindow,
		MaxAttempts:     cfg.MaxAttempts,
		Retry:           retry,
		DurableTimeout:  cfg.DurableTimeout,
		PublishTimeout:  cfg.PublishTimeout,
	}, moderation.Deps{
		Store:     store,
		Objects:   objects,
		Publisher: cdn.NewClient(cfg.CDNBaseURL, cfg.CDNAPIKey),
		Visual: visual.NewClient(visual.Config{
			BaseURL: cfg.VisualURL,
			APIKey:  cfg.VisualAPIKey,
			Timeout: cfg.VisualTimeout,
			Retry:   retry,
		}, logger),
		Transcriber: transcribe.NewClient(transcribe.Config{
			BaseURL: cfg.TranscribeURL,
			APIKey:  cfg.TranscribeAPIKey,
			Timeout: cfg.TranscribeTimeout,
			Retry:   retry,
		}, logger),
		Screener: newScreener(cfg),
		Policy:   policy.New(cfg.CategoryThresholds, cfg.PoseFlags),
		Metrics:  m,
		Logger:   logger,
	}), nil
}

func buildSweeper(cfg *config.Config, store recovery.Store, processor recovery.Processor, dispatcher recovery.Dispatcher, m *metrics.Pipeline, logger logrus.FieldLogger) *recovery.Sweeper {
	return recovery.New(recovery.Config{
		Interval:        cfg.SweepInterval,
		StalenessWindow: cfg.StalenessWindow,
		MaxAttempts:     cfg.MaxAttempts,
		BatchSize:       cfg.SweepBatchSize,
		Concurrency:     cfg.SweepConcurrency,
	}, store, processor, dispatcher, m, logger)
}
