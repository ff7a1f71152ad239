package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"sms-costguard/internal/events"
)

type Config struct {
	URL       string
	MainQueue string
	DLQ       string
}

func declareQueues(ch *amqp.Channel, cfg Config) error {
	for _, queue := range []string{cfg.MainQueue, cfg.DLQ} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// Publisher owns one lazily-opened connection and channel, reopened when
// the broker closes them. Channels are not safe for concurrent use, so
// each worker holds its own Publisher.
type Publisher struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{cfg: cfg, logger: logger}
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareQueues(ch, p.cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.ch = ch
	return p.ch, nil
}

// PublishMain enqueues a payload on the main queue with persistent
// delivery.
func (p *Publisher) PublishMain(ctx context.Context, payload events.QueuePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.publish(ctx, p.cfg.MainQueue, body)
}

// PublishDLQ quarantines the raw payload bytes as-is.
func (p *Publisher) PublishDLQ(ctx context.Context, body []byte) error {
	return p.publish(ctx, p.cfg.DLQ, body)
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	p.logger.Debug("published message", zap.String("queue", queue), zap.Int("bytes", len(body)))
	return nil
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Consumer owns its own connection and channel with prefetch=1, so at most
// one delivery is in flight per consumer and processing is strict FIFO.
type Consumer struct {
	cfg        Config
	queue      string
	tag        string
	logger     *zap.Logger
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func NewConsumer(cfg Config, queue, tag string, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareQueues(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	logger.Info("consumer ready",
		zap.String("queue", queue),
		zap.String("consumer_tag", tag))

	return &Consumer{
		cfg:        cfg,
		queue:      queue,
		tag:        tag,
		logger:     logger,
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
	}, nil
}

func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Cancel stops new deliveries; in-flight acks still go through until
// Close.
func (c *Consumer) Cancel() error {
	return c.ch.Cancel(c.tag, false)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Dial verifies the broker is reachable and the queues exist; used by the
// intake surface at boot.
func Dial(cfg Config, logger *zap.Logger, timeout time.Duration) error {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return declareQueues(ch, cfg)
}
