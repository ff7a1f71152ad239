package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sms-costguard/internal/advisor"
	"sms-costguard/internal/config"
	"sms-costguard/internal/dedup"
	"sms-costguard/internal/events"
	"sms-costguard/internal/observability"
	"sms-costguard/internal/persistence"
	"sms-costguard/internal/pipeline"
	providermock "sms-costguard/internal/provider/mock"
	"sms-costguard/internal/queue/rabbit"
	"sms-costguard/internal/ratelimit"
	"sms-costguard/internal/rules"
	"sms-costguard/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting SMS cost-guard worker",
		zap.String("main_queue", cfg.MainQueue),
		zap.String("dlq", cfg.DLQ))

	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := persistence.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	redis, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	queueCfg := rabbit.Config{URL: cfg.RabbitMQURL, MainQueue: cfg.MainQueue, DLQ: cfg.DLQ}

	publisher := rabbit.NewPublisher(queueCfg, logger)
	defer publisher.Close()

	eventStore := events.NewStore(postgres, logger)
	dedupStore := dedup.NewStore(redis, logger)
	limiter := ratelimit.NewDailyLimiter(redis, logger)

	guard := advisor.New(advisor.Config{
		APIKey:       cfg.OpenRouterAPIKey,
		BaseURL:      cfg.OpenRouterBaseURL,
		Model:        cfg.OpenRouterModel,
		Timeout:      time.Duration(cfg.OpenRouterTimeout) * time.Second,
		MaxTokens:    cfg.AIGuardMaxTokens,
		DailyLimit:   cfg.AIDailyCallLimit,
		MaxBodyChars: cfg.MaxBodyChars,
	}, limiter, logger)

	engine := rules.NewEngine(rules.Limits{
		MaxRetryBeforeDLQ:         cfg.MaxRetryBeforeDLQ,
		MultipartSegmentThreshold: cfg.MultipartSegmentThreshold,
		MaxBodyChars:              cfg.MaxBodyChars,
		DuplicateWindowSeconds:    cfg.DuplicateWindowSeconds,
	}, dedupStore, logger)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	pl := pipeline.New(pipeline.Deps{
		Events:   eventStore,
		Dedup:    dedupStore,
		Rules:    engine,
		Advisor:  guard,
		Provider: providermock.NewProvider(logger),
		Queue:    publisher,
		Metrics:  metrics,
		Logger:   logger,
		Rand:     rng.Float64,
	}, pipeline.Config{
		DuplicateWindowSeconds: cfg.DuplicateWindowSeconds,
		MaxRetryBeforeDLQ:      cfg.MaxRetryBeforeDLQ,
		MockTimeoutRetryProb:   cfg.MockTimeoutRetryProb,
		MockDLR:                cfg.MockDLR,
	})

	if cfg.MetricsEnabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":9091", nil); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	supervisor := worker.New(queueCfg, pl, metrics, logger)

	logger.Info("worker started, waiting for messages")
	supervisor.Run(ctx)

	logger.Info("worker shutdown complete")
}
