// Package main runs the streaming analytics HTTP server, WebSocket hub and background pipeline with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cruvz/streaming-analytics/config"
	"github.com/cruvz/streaming-analytics/internal/analytics"
	"github.com/cruvz/streaming-analytics/internal/auth"
	"github.com/cruvz/streaming-analytics/internal/cache"
	"github.com/cruvz/streaming-analytics/internal/ingest"
	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/middleware"
	"github.com/cruvz/streaming-analytics/internal/realtime"
	"github.com/cruvz/streaming-analytics/internal/scheduler"
	"github.com/cruvz/streaming-analytics/internal/sessionlog"
	"github.com/cruvz/streaming-analytics/internal/sessions"
	"github.com/cruvz/streaming-analytics/internal/sixsigma"
	"github.com/cruvz/streaming-analytics/internal/streams"
	"github.com/cruvz/streaming-analytics/internal/worker"
	"github.com/cruvz/streaming-analytics/pkg/database"
	"github.com/cruvz/streaming-analytics/pkg/queue"
	"github.com/cruvz/streaming-analytics/pkg/redis"
	"github.com/cruvz/streaming-analytics/pkg/response"
	"github.com/cruvz/streaming-analytics/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	// A nil client runs the cache, hub and queue in local-only mode.
	var rdb goredis.UniversalClient
	client, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running with local cache only", zap.Error(err))
	} else {
		rdb = client
		defer client.Close()
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return err
	}

	// Stream registry
	registry := streams.NewRegistry(streams.NewRepository(pool), logger)
	if err := registry.Load(ctx); err != nil {
		return err
	}

	// Cache, aggregation and quality scoring
	cacheLayer := cache.New(rdb, cache.Options{
		OpTimeout:      cfg.Analytics.CacheOpTimeout,
		RecentCapacity: cfg.Analytics.RecentCapacity,
	}, m, logger)

	var jobs *queue.Queue
	var exporter analytics.Exporter
	if rdb != nil {
		jobs = queue.NewQueue(rdb, logger)
		exporter = jobs
	}
	analyticsRepo := analytics.NewRepository(pool)
	aggregator := analytics.NewAggregator(analyticsRepo, exporter, m, logger)

	hub := realtime.NewHub(cfg.Analytics.HubQueueCapacity, m, logger)
	engine := sixsigma.NewEngine(sixsigma.NewRepository(pool), cacheLayer, sixsigma.Options{
		Targets:    cfg.Analytics.Targets,
		AlertBelow: cfg.Analytics.AlertBelow,
		OnAlert:    hub.OnQualityAlert,
	}, m, logger)

	// Sessions and ingest
	sessionRepo := sessionlog.NewRepository(pool)
	sessionLog := sessionlog.NewWriter(sessionRepo, 0, 0, logger)
	tracker := sessions.NewTracker(registry, sessions.Deps{
		Recorder:        sessionlog.NewTee(aggregator, sessionLog),
		Live:            cacheLayer,
		Quality:         engine,
		OnDelta:         hub.OnViewerDelta,
		Metrics:         m,
		QualityCapacity: cfg.Analytics.QualityCapacity,
	}, logger)
	registry.OnTransition(hub.OnStreamTransition)
	registry.OnTransition(cacheLayer.OnStreamTransition)
	dispatcher := ingest.NewDispatcher(tracker, registry, engine, cacheLayer, m, logger)
	snapshotter := realtime.NewSnapshotter(hub, registry, cacheLayer)

	// Background services
	sched := scheduler.New(scheduler.Config{}, m, logger)
	sched.Add(sessionLog)
	sched.AddTask(scheduler.Task{
		Name:     "session-sweep",
		Interval: cfg.Analytics.SweepInterval,
		Run: func(ctx context.Context) error {
			if n := tracker.SweepExpired(ctx, cfg.Analytics.StaleAfter); n > 0 {
				logger.Debug("swept stale sessions", zap.Int("count", n))
			}
			return nil
		},
	})
	sched.AddTask(scheduler.Task{
		Name:     "aggregator-flush",
		Interval: cfg.Analytics.FlushInterval,
		Run: func(ctx context.Context) error {
			return errors.Join(aggregator.FlushAll(ctx), engine.EvaluatePending(ctx, time.Now()), registry.SyncPeaks(ctx))
		},
		// The open minute bucket is scored on shutdown rather than dropped.
		Final: func(ctx context.Context) error {
			return errors.Join(aggregator.FlushAll(ctx), engine.EvaluatePending(ctx, time.Now().Add(sixsigma.Bucket)), registry.SyncPeaks(ctx))
		},
	})
	sched.AddTask(scheduler.Task{
		Name:     "broadcast-tick",
		Interval: cfg.Analytics.TickInterval,
		Run: func(ctx context.Context) error {
			return errors.Join(cacheLayer.SyncLiveCounts(ctx), snapshotter.Tick(ctx))
		},
	})
	if rdb != nil {
		bridge := realtime.NewRedisBridge(rdb, hub.Deliver, logger)
		hub.SetBridge(bridge)
		sched.Add(bridge)
	}
	if cfg.AMQP.URI != "" {
		sched.Add(ingest.NewConsumer(ingest.ConsumerConfig{
			URI:      cfg.AMQP.URI,
			Queue:    cfg.AMQP.Queue,
			Prefetch: cfg.AMQP.Prefetch,
		}, nil, dispatcher, logger))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	analyticsHandler := analytics.NewHandler(registry, cacheLayer, aggregator, engine)
	if cfg.AWS.ExportBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportBucket:         cfg.AWS.ExportBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			analyticsHandler.SetExportLinks(s3Client)
			if cfg.Analytics.ExportInProcess && jobs != nil {
				sched.Add(worker.NewExportProcessor(analyticsRepo, s3Client, jobs, logger))
				logger.Info("in-process export worker enabled")
			}
		}
	}

	router := newRouter(cfg, logger, reg, routes{
		jwt:       jwtService,
		hub:       hub,
		streams:   streams.NewHandler(registry),
		ingest:    ingest.NewHandler(dispatcher),
		analytics: analyticsHandler,
		sigma:     sixsigma.NewHandler(engine),
		sessions:  sessionlog.NewHandler(sessionRepo),
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

type routes struct {
	jwt       *auth.JWTService
	hub       *realtime.Hub
	streams   *streams.Handler
	ingest    *ingest.Handler
	analytics *analytics.Handler
	sigma     *sixsigma.Handler
	sessions  *sessionlog.Handler
}

func newRouter(cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry, h routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Event ingest (player SDKs and media engine hook)
	events := router.Group("/events")
	events.Use(middleware.IngestKey(cfg.Ingest.Key))
	{
		events.POST("", h.ingest.Event)
		events.POST("/batch", h.ingest.Batch)
	}

	// Protected API (scope token required)
	api := router.Group("/api")
	api.Use(middleware.JWT(h.jwt))
	{
		admin := middleware.RequireRole(auth.RoleAdmin)
		streamAccess := middleware.RequireStreamAccess("id")

		// Streams
		api.GET("/streams", admin, h.streams.List)
		api.POST("/streams", admin, h.streams.Create)
		api.GET("/streams/:id", streamAccess, h.streams.Get)
		api.POST("/streams/:id/start", admin, h.streams.Start)
		api.POST("/streams/:id/stop", admin, h.streams.Stop)
		api.POST("/streams/:id/fail", admin, h.streams.Fail)
		api.POST("/streams/:id/recover", admin, h.streams.Recover)

		// Analytics
		api.GET("/analytics/dashboard", admin, h.analytics.Dashboard)
		api.GET("/analytics/overview", admin, h.analytics.Overview)
		api.GET("/analytics/streams/:id", streamAccess, h.analytics.StreamRange)
		api.GET("/analytics/streams/:id/live", streamAccess, h.analytics.StreamLiveView)
		api.GET("/analytics/streams/:id/export/:date", streamAccess, h.analytics.ExportLink)
		api.GET("/analytics/streams/:id/sessions", streamAccess, h.sessions.List)

		// Six sigma
		api.GET("/six-sigma/metrics", admin, h.sigma.List)
		api.POST("/six-sigma/metrics", admin, h.sigma.Record)
	}

	// WebSocket (token in query or Authorization header)
	router.GET("/ws", realtime.ServeWs(h.hub, h.jwt.Validate, logger))
	return router
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
