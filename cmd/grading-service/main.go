package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/db"
	commonmw "leetlabs/internal/common/http/middleware"
	"leetlabs/internal/common/metrics"
	"leetlabs/internal/common/mq"
	"leetlabs/internal/common/storage"
	"leetlabs/internal/grading/assembler"
	"leetlabs/internal/grading/controller"
	"leetlabs/internal/grading/engine"
	"leetlabs/internal/grading/language"
	"leetlabs/internal/grading/performance"
	"leetlabs/internal/grading/repository"
	"leetlabs/internal/grading/service"
	"leetlabs/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grading service stopped", zap.Error(err))
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics failed: %w", err)
	}

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio failed: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, appCfg.Grading.SourceBucket); err != nil {
		return fmt.Errorf("ensure source bucket failed: %w", err)
	}

	registry, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init language registry failed: %w", err)
	}
	dispatcher, err := engine.NewDispatcher(engine.Config{
		BaseURL:     appCfg.Engine.BaseURL,
		AuthHeader:  appCfg.Engine.AuthHeader,
		AuthToken:   appCfg.Engine.AuthToken,
		RetryBase:   appCfg.Engine.RetryBase,
		RetryMax:    appCfg.Engine.RetryMax,
		BreakerName: appCfg.Engine.BreakerName,
	})
	if err != nil {
		return fmt.Errorf("init engine dispatcher failed: %w", err)
	}

	problemRepo := repository.NewProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Grading.ProblemCacheTTL, appCfg.Grading.ProblemEmptyTTL)
	submissionRepo := repository.NewSubmissionRepositoryWithTTL(mysqlDB, redisCache, appCfg.Grading.SubmissionCacheTTL, appCfg.Grading.SubmissionEmptyTTL)
	profileRepo := repository.NewProfileRepository(mysqlDB, redisCache)

	aggregator, err := performance.NewAggregator(performance.Config{
		Submissions:  submissionRepo,
		Locations:    profileRepo,
		Cache:        redisCache,
		LockTTL:      appCfg.Performance.LockTTL,
		LockWait:     appCfg.Performance.LockWait,
		SnapshotTTL:  appCfg.Performance.SnapshotTTL,
		QueryTimeout: appCfg.Performance.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("init performance aggregator failed: %w", err)
	}

	gradingService, err := service.NewGradingService(service.Config{
		Problems:        problemRepo,
		Submissions:     submissionRepo,
		Languages:       registry,
		Dispatcher:      dispatcher,
		Performance:     aggregator,
		Publisher:       performance.NewMQEventPublisher(mqClient, appCfg.Topics.SubmissionPersisted),
		Storage:         objStorage,
		Cache:           redisCache,
		SourceBucket:    appCfg.Grading.SourceBucket,
		SourceKeyPrefix: appCfg.Grading.SourceKeyPrefix,
		MaxCodeBytes:    appCfg.Grading.MaxCodeBytes,
		CustomLimits: assembler.Limits{
			MaxCustomCases:      appCfg.Grading.MaxCustomCases,
			MaxCustomInputBytes: appCfg.Grading.MaxCustomInputBytes,
		},
		TimeoutPerCase: appCfg.Grading.TimeoutPerCase,
		OverallTimeout: appCfg.Grading.OverallTimeout,
		IdempotencyTTL: appCfg.Grading.IdempotencyTTL,
		RateLimit:      appCfg.Grading.RateLimit,
		Timeouts:       appCfg.Grading.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init grading service failed: %w", err)
	}

	consumerOpts := appCfg.Performance.Consumer.toSubscribeOptions(appCfg.Topics.DeadLetter)
	consumerOpts.SetDefaults()
	if err := aggregator.Subscribe(ctx, mqClient, appCfg.Topics.SubmissionPersisted, &consumerOpts); err != nil {
		return fmt.Errorf("subscribe persisted topic failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	defer func() {
		_ = mqClient.Stop()
	}()

	readiness := []pinger{mysqlDB, redisCache, mqClient}
	httpServer := buildHTTPServer(appCfg.Server, gradingService, readiness)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func buildHTTPServer(cfg ServerConfig, gradingService *service.GradingService, readiness []pinger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.MetricsMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for _, dep := range readiness {
			if err := dep.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	controller.NewGradingController(gradingService).RegisterRoutes(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
