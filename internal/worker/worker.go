package worker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"sms-costguard/internal/observability"
	"sms-costguard/internal/pipeline"
	"sms-costguard/internal/queue/rabbit"
)

// Supervisor runs the main and DLQ consumer loops. Each loop owns its own
// broker connection and channel and processes one message at a time
// (prefetch=1, ack before next).
type Supervisor struct {
	cfg      rabbit.Config
	pipeline *pipeline.Pipeline
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func New(cfg rabbit.Config, pl *pipeline.Pipeline, metrics *observability.Metrics, logger *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, pipeline: pl, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled and both consumers have drained their
// in-flight message.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consumeLoop(ctx, s.cfg.MainQueue, "costguard-main", s.pipeline.HandleMain)
	}()
	go func() {
		defer wg.Done()
		s.consumeLoop(ctx, s.cfg.DLQ, "costguard-dlq", s.pipeline.HandleDLQ)
	}()

	wg.Wait()
	s.logger.Info("all consumers stopped")
}

// consumeLoop keeps one consumer alive, reconnecting with backoff when the
// broker drops it.
func (s *Supervisor) consumeLoop(ctx context.Context, queue, tag string, handle func(context.Context, []byte) error) {
	logger := s.logger.With(zap.String("queue", queue))
	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer loop exiting")
			return
		default:
		}

		consumer, err := rabbit.NewConsumer(s.cfg, queue, tag, logger)
		if err != nil {
			logger.Error("failed to start consumer, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}

		backoff = 1 * time.Second
		s.drain(ctx, consumer, handle, logger)
		consumer.Close()

		select {
		case <-ctx.Done():
			return
		default:
			logger.Warn("deliveries closed, reconnecting", zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
		}
	}
}

func (s *Supervisor) drain(ctx context.Context, consumer *rabbit.Consumer, handle func(context.Context, []byte) error, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			// Stop new deliveries; the unacked in-flight message (if any)
			// is redelivered on next boot.
			_ = consumer.Cancel()
			return
		case delivery, ok := <-consumer.Deliveries():
			if !ok {
				return
			}
			s.handleDelivery(ctx, delivery, handle, logger)
		}
	}
}

func (s *Supervisor) handleDelivery(ctx context.Context, delivery amqp.Delivery, handle func(context.Context, []byte) error, logger *zap.Logger) {
	s.metrics.InFlightMessages.Inc()
	defer s.metrics.InFlightMessages.Dec()

	start := time.Now()
	err := handle(ctx, delivery.Body)
	if err != nil {
		// The orchestrator only errors after idempotent row updates, so
		// redelivery would double-act; drop and log instead.
		logger.Error("processing failed, nacking without requeue",
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Error("nack failed", zap.Error(nackErr))
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		logger.Error("ack failed", zap.Error(ackErr))
		return
	}
	logger.Debug("message processed", zap.Duration("took", time.Since(start)))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
