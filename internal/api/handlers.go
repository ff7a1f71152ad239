package api

import (
	"errors"
	"math/rand"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-costguard/internal/config"
	"sms-costguard/internal/events"
	"sms-costguard/internal/persistence"
	"sms-costguard/internal/queue/rabbit"
)

// Weighted progression for messages still sitting in the provider queue;
// roughly 60% deliver, the rest spread over the failure codes.
var nextProviderStatusPool = []int{
	10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10,
	11, 11, 11, 11,
	6, 6, 6,
	13,
	14,
}

const aiDailyKeyPrefix = "ai_guard_calls"

type Handlers struct {
	logger    *zap.Logger
	store     *events.Store
	publisher *rabbit.Publisher
	redis     *persistence.RedisClient
	cfg       *config.Config
	rng       *rand.Rand
}

func NewHandlers(logger *zap.Logger, store *events.Store, publisher *rabbit.Publisher, redis *persistence.RedisClient, cfg *config.Config) *Handlers {
	return &Handlers{
		logger:    logger,
		store:     store,
		publisher: publisher,
		redis:     redis,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type SendSmsRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// SendSms handles POST /sms: create the PENDING event row, then enqueue
// the payload for the worker fleet.
func (h *Handlers) SendSms(c *fiber.Ctx) error {
	var req SendSmsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body is required"})
	}

	phone, err := events.NormalizePhone(req.Phone)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	segmentCount := events.SegmentCount(req.Body, h.cfg.MaxBodyChars)

	event := &events.SmsEvent{
		Phone:        phone,
		Body:         req.Body,
		Status:       events.StatusPending,
		RetryCount:   0,
		SegmentCount: segmentCount,
	}
	if err := h.store.Create(c.Context(), event); err != nil {
		h.logger.Error("failed to create sms event", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create event"})
	}

	payload := events.QueuePayload{
		SmsEventID:   event.ID,
		Phone:        phone,
		Body:         req.Body,
		RetryCount:   0,
		SegmentCount: segmentCount,
	}
	if err := h.publisher.PublishMain(c.Context(), payload); err != nil {
		h.logger.Error("failed to publish payload",
			zap.Int64("sms_event_id", event.ID),
			zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to enqueue message"})
	}

	return c.JSON(fiber.Map{"request_id": event.ID, "status": "queued"})
}

// Stats handles GET /stats: lifecycle counts, AI call totals, and today's
// AI budget usage.
func (h *Handlers) Stats(c *fiber.Ctx) error {
	byStatus, err := h.store.StatusCounts(c.Context())
	if err != nil {
		h.logger.Error("failed to count statuses", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}

	aiTotals, err := h.store.AiCallTotals(c.Context())
	if err != nil {
		h.logger.Error("failed to total ai calls", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}

	dayKey := aiDailyKeyPrefix + ":" + time.Now().UTC().Format("2006-01-02")
	usedToday := 0
	redisOK := true
	if raw, err := h.redis.Get(c.Context(), dayKey).Int(); err == nil {
		usedToday = raw
	} else if !errors.Is(err, redis.Nil) {
		redisOK = false
	}

	remaining := h.cfg.AIDailyCallLimit - usedToday
	if remaining < 0 {
		remaining = 0
	}

	return c.JSON(fiber.Map{
		"by_status": byStatus,
		"ai":        aiTotals,
		"ai_today": fiber.Map{
			"cnt":       usedToday,
			"limit":     h.cfg.AIDailyCallLimit,
			"remaining": remaining,
			"redis_ok":  redisOK,
		},
	})
}

// ProviderStatus handles GET /sms/status?message_id=: resolve the current
// provider status, progressing queued messages through the simulation
// pool.
func (h *Handlers) ProviderStatus(c *fiber.Ctx) error {
	messageID := c.Query("message_id")
	if messageID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_id is required"})
	}

	event, err := h.store.GetByProviderMessageID(c.Context(), messageID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message_id not found"})
	}

	currentCode := events.ProviderStatusQueued
	if event.ProviderStatus.Valid {
		currentCode = int(event.ProviderStatus.Int64)
	}

	resolvedCode := currentCode
	if currentCode == events.ProviderStatusQueued {
		resolvedCode = nextProviderStatusPool[h.rng.Intn(len(nextProviderStatusPool))]
	}

	if resolvedCode != currentCode {
		if err := h.store.UpdateProviderStatusByMessageID(c.Context(), messageID, resolvedCode); err != nil {
			h.logger.Error("failed to update provider status",
				zap.String("message_id", messageID),
				zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status update failed"})
		}
	}

	return c.JSON(fiber.Map{
		"message_id": messageID,
		"provider_status": fiber.Map{
			"code":  resolvedCode,
			"text":  events.ProviderStatusText(resolvedCode),
			"final": events.IsFinalProviderStatus(resolvedCode),
		},
		"pipeline_status": event.Status,
	})
}

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	if err := h.store.Health(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
