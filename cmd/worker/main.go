// Package main runs the analytics export worker (closed days rendered to S3).
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cruvz/streaming-analytics/config"
	"github.com/cruvz/streaming-analytics/internal/analytics"
	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/scheduler"
	"github.com/cruvz/streaming-analytics/internal/worker"
	"github.com/cruvz/streaming-analytics/pkg/database"
	"github.com/cruvz/streaming-analytics/pkg/queue"
	"github.com/cruvz/streaming-analytics/pkg/redis"
	"github.com/cruvz/streaming-analytics/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ExportBucket:         cfg.AWS.ExportBucket,
		Endpoint:             cfg.AWS.Endpoint,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobs := queue.NewQueue(rdb, logger)
	processor := worker.NewExportProcessor(analytics.NewRepository(pool), s3Client, jobs, logger)

	sup := scheduler.New(scheduler.Config{}, metrics.New(), logger)
	sup.Add(processor)
	logger.Info("worker started", zap.String("queue", queue.QueueExports), zap.String("bucket", s3Client.Bucket()))

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
