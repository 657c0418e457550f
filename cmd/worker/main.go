// Package main runs the background worker: archive exports and the channel sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-guestbook/backend/config"
	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/channels"
	"github.com/aura-guestbook/backend/internal/events"
	"github.com/aura-guestbook/backend/internal/export"
	"github.com/aura-guestbook/backend/internal/messages"
	"github.com/aura-guestbook/backend/internal/worker"
	"github.com/aura-guestbook/backend/pkg/database"
	"github.com/aura-guestbook/backend/pkg/queue"
	"github.com/aura-guestbook/backend/pkg/redis"
	"github.com/aura-guestbook/backend/pkg/storage"
	"github.com/aura-guestbook/backend/pkg/telephony"
)

const sweepLockKey = "lock:channel_sweep"

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		MediaBucket:     cfg.AWS.MediaBucket,
		ImagesBucket:    cfg.AWS.ImagesBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}
	grants := access.NewCache(s3Client, access.Options{
		TTL:             cfg.Access.GrantTTL,
		SafetyMargin:    cfg.Access.SafetyMargin,
		UpstreamTimeout: cfg.Access.UpstreamTimeout,
		MaxEntries:      cfg.Access.CacheSize,
		Logger:          logger,
	})

	eventRepo := events.NewRepository(pool)
	messageRepo := messages.NewRepository(pool)
	channelRepo := channels.NewRepository(pool)

	// Archive exports
	runner := export.NewRunner(messageRepo, eventRepo, grants, export.NewHTTPFetcher(0), export.RunnerOptions{
		MaxMemberBytes: cfg.Export.MaxMemberBytes,
		Logger:         logger,
	})
	tracker := export.NewTracker(rdb.Client, cfg.Export.ProgressTTL, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewExportProcessor(runner, tracker, s3Client, grants, jobQueue, cfg.Export.TempDir, logger)

	// Channel sweep
	provisioner := channels.NewProvisioner(channelRepo, telephony.NewClient(telephony.Config{
		BaseURL: cfg.Telephony.BaseURL,
		APIKey:  cfg.Telephony.APIKey,
		Timeout: cfg.Telephony.Timeout,
	}, logger), channels.Options{
		ThresholdDays:   cfg.Provisioning.ThresholdDays,
		ClaimTimeout:    cfg.Provisioning.ClaimTimeout,
		UpstreamTimeout: cfg.Telephony.Timeout,
		Logger:          logger,
	})
	lock, err := channels.NewRedisLock(rdb, sweepLockKey, cfg.Provisioning.LockTTL, logger)
	if err != nil {
		logger.Fatal("sweep lock", zap.Error(err))
	}
	sweeper := channels.NewSweeper(provisioner, channelRepo, lock, logger)
	sweeper.SetLookback(cfg.Provisioning.LookbackDays)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New(cron.WithLocation(time.UTC), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := scheduler.AddFunc(cfg.Provisioning.SweepSchedule, func() {
		report, err := sweeper.Run(workerCtx)
		if err != nil {
			logger.Error("channel sweep failed", zap.Error(err))
			return
		}
		logger.Info("channel sweep finished", zap.String("job", sweeper.Name()),
			zap.Int("considered", report.Considered), zap.Int("acquired", report.Acquired),
			zap.Int("failed", report.Failed), zap.Bool("skipped", report.Skipped))
	}); err != nil {
		logger.Fatal("schedule channel sweep", zap.Error(err), zap.String("schedule", cfg.Provisioning.SweepSchedule))
	}
	scheduler.Start()

	go processor.Run(workerCtx)
	logger.Info("worker started", zap.String("sweep_schedule", cfg.Provisioning.SweepSchedule))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-scheduler.Stop().Done()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
