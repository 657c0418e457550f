// Package main runs the guestbook HTTP API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-guestbook/backend/config"
	"github.com/aura-guestbook/backend/internal/access"
	"github.com/aura-guestbook/backend/internal/auth"
	"github.com/aura-guestbook/backend/internal/channels"
	"github.com/aura-guestbook/backend/internal/events"
	"github.com/aura-guestbook/backend/internal/export"
	"github.com/aura-guestbook/backend/internal/greetings"
	"github.com/aura-guestbook/backend/internal/messages"
	"github.com/aura-guestbook/backend/internal/middleware"
	"github.com/aura-guestbook/backend/pkg/database"
	"github.com/aura-guestbook/backend/pkg/queue"
	"github.com/aura-guestbook/backend/pkg/redis"
	"github.com/aura-guestbook/backend/pkg/response"
	"github.com/aura-guestbook/backend/pkg/storage"
	"github.com/aura-guestbook/backend/pkg/telephony"
)

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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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

	jwtService := auth.NewJWTService(cfg.JWT.Secret)
	grants := access.NewCache(s3Client, access.Options{
		TTL:             cfg.Access.GrantTTL,
		SafetyMargin:    cfg.Access.SafetyMargin,
		UpstreamTimeout: cfg.Access.UpstreamTimeout,
		MaxEntries:      cfg.Access.CacheSize,
		Logger:          logger,
	})

	// Events and channels
	eventRepo := events.NewRepository(pool)
	channelRepo := channels.NewRepository(pool)
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
	eventHandler := events.NewHandler(eventRepo, provisioner, channelRepo, logger)

	// Greetings
	greetingSvc := greetings.NewService(eventRepo, s3Client, grants, cfg.Upload.MaxGreetingBytes, logger)
	greetingHandler := greetings.NewHandler(greetingSvc, logger)

	// Messages
	messageRepo := messages.NewRepository(pool)
	messageSvc := messages.NewService(messageRepo, eventRepo, grants, logger)
	messageSvc.SetUploader(s3Client, cfg.Upload.MaxPhotoBytes)
	messageHandler := messages.NewHandler(messageSvc, logger)

	// Exports run in cmd/worker; the API enqueues, reports and cancels.
	jobQueue := queue.NewQueue(rdb.Client, logger)
	tracker := export.NewTracker(rdb.Client, cfg.Export.ProgressTTL, logger)
	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Role, nil
	}
	exportHandler := export.NewHandler(jobQueue, tracker, eventRepo, grants, jwtValidate, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Export progress stream (token in query; browsers cannot set headers on WebSocket upgrades)
	router.GET("/exports/:jobId/stream", exportHandler.Stream)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		owner := events.RequireEventOwner(eventRepo)

		// Venues and events
		api.POST("/venues", middleware.RequireRole(middleware.RoleAdmin), eventHandler.CreateVenue)
		api.GET("/events", eventHandler.List)
		api.POST("/events", eventHandler.Create)
		api.GET("/events/:id", owner, eventHandler.GetByID)
		api.PATCH("/events/:id", owner, eventHandler.Reschedule)

		// Greeting
		api.GET("/events/:id/greeting", owner, greetingHandler.Get)
		api.PUT("/events/:id/greeting", owner, greetingHandler.Upload)
		api.DELETE("/events/:id/greeting", owner, greetingHandler.Clear)
		api.PUT("/events/:id/greeting/generated", middleware.RequireRole(middleware.RoleAdmin), owner, greetingHandler.SetGenerated)

		// Messages (ownership checked per message by the service)
		messageHandler.Register(api)

		// Exports
		api.POST("/events/:id/exports", owner, exportHandler.Start)
		api.GET("/exports/:jobId", exportHandler.Status)
		api.DELETE("/exports/:jobId", exportHandler.Cancel)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
