package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-costguard/internal/api"
	"sms-costguard/internal/config"
	"sms-costguard/internal/events"
	"sms-costguard/internal/observability"
	"sms-costguard/internal/persistence"
	"sms-costguard/internal/queue/rabbit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting SMS cost-guard API", zap.String("port", cfg.Port))

	metrics := observability.NewMetrics()

	ctx := context.Background()

	postgres, err := persistence.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.RunMigrations("migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redis, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	queueCfg := rabbit.Config{URL: cfg.RabbitMQURL, MainQueue: cfg.MainQueue, DLQ: cfg.DLQ}
	if err := rabbit.Dial(queueCfg, logger, 10*time.Second); err != nil {
		logger.Fatal("failed to reach rabbitmq", zap.Error(err))
	}

	publisher := rabbit.NewPublisher(queueCfg, logger)
	defer publisher.Close()

	store := events.NewStore(postgres, logger)
	handlers := api.NewHandlers(logger, store, publisher, redis, cfg)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})
	api.SetupRoutes(app, logger, metrics, handlers)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down API")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
