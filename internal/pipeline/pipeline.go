package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sms-costguard/internal/advisor"
	"sms-costguard/internal/events"
	"sms-costguard/internal/observability"
	"sms-costguard/internal/rules"
)

// EventStore is the slice of the sms_events adapter the orchestrator
// mutates through. The row is only ever advanced, never walked back from a
// terminal status, so every step is idempotent under redelivery.
type EventStore interface {
	GetByID(ctx context.Context, id int64) (*events.SmsEvent, error)
	UpdateStatusByID(ctx context.Context, id int64, status events.Status, lastDLR *string, retryCount *int) error
	AssignProviderMessage(ctx context.Context, id int64, providerMessageID string, providerStatus int) error
	UpdateRewrittenBodyByID(ctx context.Context, id int64, rewrittenBody string) error
	UpdateSegmentCountByID(ctx context.Context, id int64, segmentCount int) error
	InsertAiCall(ctx context.Context, smsEventID *int64, model string, inputTokens, outputTokens int, decision, reason string) error
}

type DedupStore interface {
	Mark(ctx context.Context, messageID string, ttlSeconds int)
}

type Classifier interface {
	Classify(ctx context.Context, sit rules.Situation) rules.Result
}

type Advisor interface {
	Advise(ctx context.Context, messageID, phone, body string, retryCount int, lastDLR string, segmentCount int) (advisor.Decision, int, int)
	Model() string
}

type Provider interface {
	Send(ctx context.Context, phone, body string) (providerMessageID string, statusCode int)
}

type Publisher interface {
	PublishMain(ctx context.Context, payload events.QueuePayload) error
	PublishDLQ(ctx context.Context, body []byte) error
}

// Deps carries every collaborator the orchestrator touches. Constructed in
// main, torn down on shutdown; nothing here is process-global.
type Deps struct {
	Events   EventStore
	Dedup    DedupStore
	Rules    Classifier
	Advisor  Advisor
	Provider Provider
	Queue    Publisher
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// Rand returns a uniform float in [0,1); injected so tests control the
	// timeout simulation.
	Rand func() float64
}

type Config struct {
	DuplicateWindowSeconds int
	MaxRetryBeforeDLQ      int
	MockTimeoutRetryProb   float64
	MockDLR                string
}

// Pipeline drives one sms_event through the per-message state machine:
// queue -> rules -> AI -> provider -> status -> requeue/DLQ.
type Pipeline struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{deps: deps, cfg: cfg}
}

// message is the payload reconciled against the authoritative event row.
type message struct {
	event        *events.SmsEvent
	messageID    string
	phone        string
	body         string
	retryCount   int
	lastDLR      string
	segmentCount int
	raw          []byte
}

// HandleMain processes one delivery from the main queue. A nil return
// means the delivery should be acked; malformed or unknown payloads are
// logged and swallowed so the broker does not redeliver them forever.
func (p *Pipeline) HandleMain(ctx context.Context, raw []byte) error {
	msg, ok, err := p.load(ctx, raw)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if isTerminal(msg.event.Status) {
		p.deps.Logger.Debug("event already terminal, skipping",
			zap.Int64("sms_event_id", msg.event.ID),
			zap.String("status", string(msg.event.Status)))
		return nil
	}

	result := p.deps.Rules.Classify(ctx, rules.Situation{
		MessageID:    msg.messageID,
		Phone:        msg.phone,
		Body:         msg.body,
		RetryCount:   msg.retryCount,
		LastDLR:      msg.lastDLR,
		SegmentCount: msg.segmentCount,
	})
	p.deps.Metrics.ClassificationsTotal.WithLabelValues(string(result)).Inc()

	switch result {
	case rules.Send:
		return p.handleSend(ctx, msg)
	case rules.Drop:
		return p.block(ctx, msg, "main")
	case rules.Review:
		return p.handleReview(ctx, msg)
	default: // POISON
		return p.handlePoison(ctx, msg)
	}
}

// HandleDLQ quarantines poisoned messages: terminal BLOCKED plus a dedup
// mark. The advisor is never consulted here, so AI spend on the poison
// path is zero by construction.
func (p *Pipeline) HandleDLQ(ctx context.Context, raw []byte) error {
	msg, ok, err := p.load(ctx, raw)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if msg.event.Status == events.StatusSent || msg.event.Status == events.StatusBlocked {
		return nil
	}

	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusBlocked, nil, nil); err != nil {
		return err
	}
	p.deps.Dedup.Mark(ctx, msg.messageID, p.cfg.DuplicateWindowSeconds)
	p.deps.Metrics.MessagesProcessedTotal.WithLabelValues("dlq", "BLOCKED").Inc()

	p.deps.Logger.Info("quarantined poisoned message",
		zap.Int64("sms_event_id", msg.event.ID),
		zap.Int("retry_count", msg.retryCount))
	return nil
}

// load parses the payload and reconciles it with the event row. Returns
// ok=false for the bad-payload class (discard without error).
func (p *Pipeline) load(ctx context.Context, raw []byte) (*message, bool, error) {
	var payload events.QueuePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.deps.Logger.Warn("invalid payload JSON, discarding", zap.Error(err))
		return nil, false, nil
	}
	if payload.SmsEventID <= 0 {
		p.deps.Logger.Warn("payload missing sms_event_id, discarding")
		return nil, false, nil
	}

	event, err := p.deps.Events.GetByID(ctx, payload.SmsEventID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			p.deps.Logger.Warn("payload references unknown sms event, discarding",
				zap.Int64("sms_event_id", payload.SmsEventID))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load sms event %d: %w", payload.SmsEventID, err)
	}

	msg := &message{event: event, raw: raw}

	// The row is authoritative; payload fields seed the hot path and carry
	// the retry/rewrite delta between hops.
	msg.phone = payload.Phone
	if msg.phone == "" {
		msg.phone = event.Phone
	}
	msg.body = payload.Body
	if msg.body == "" {
		msg.body = event.EffectiveBody()
	}
	msg.retryCount = payload.RetryCount
	if event.RetryCount > msg.retryCount {
		msg.retryCount = event.RetryCount
	}
	msg.segmentCount = payload.SegmentCount
	if msg.segmentCount < 1 {
		msg.segmentCount = event.SegmentCount
	}
	if payload.LastDLR != nil {
		msg.lastDLR = *payload.LastDLR
	} else if event.LastDLR.Valid {
		msg.lastDLR = event.LastDLR.String
	}

	// Message identity for dedup: the provider id once assigned, else a
	// synthetic key, so a requeued message never self-classifies as
	// duplicate.
	if event.ProviderMessageID.Valid && event.ProviderMessageID.String != "" {
		msg.messageID = event.ProviderMessageID.String
	} else {
		msg.messageID = fmt.Sprintf("evt-%d", event.ID)
	}

	return msg, true, nil
}

func (p *Pipeline) handleSend(ctx context.Context, msg *message) error {
	providerMessageID, statusCode := p.deps.Provider.Send(ctx, msg.phone, msg.body)

	if providerMessageID == "" {
		// No id means no proof of hand-off. Stay PENDING and count the
		// attempt; replay is owned upstream.
		p.deps.Metrics.ProviderSendsTotal.WithLabelValues("no_id").Inc()
		retry := msg.retryCount + 1
		if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusPending, nil, &retry); err != nil {
			return err
		}
		p.deps.Logger.Warn("provider returned no message id",
			zap.Int64("sms_event_id", msg.event.ID),
			zap.Int("retry_count", retry))
		return nil
	}

	if err := p.deps.Events.AssignProviderMessage(ctx, msg.event.ID, providerMessageID, statusCode); err != nil {
		return err
	}
	p.deps.Metrics.ProviderSendsTotal.WithLabelValues("accepted").Inc()

	if p.injectTimeout(msg.retryCount) {
		// Simulated carrier timeout: the hand-off happened but no receipt
		// arrives, so the message goes around again.
		dlr := events.DLRTimeout
		retry := msg.retryCount + 1
		if err := p.deps.Queue.PublishMain(ctx, events.QueuePayload{
			SmsEventID:   msg.event.ID,
			Phone:        msg.phone,
			Body:         msg.body,
			RetryCount:   retry,
			SegmentCount: msg.segmentCount,
			LastDLR:      &dlr,
		}); err != nil {
			return err
		}
		if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusPending, &dlr, &retry); err != nil {
			return err
		}
		p.deps.Metrics.RequeuesTotal.WithLabelValues("timeout").Inc()
		p.deps.Logger.Info("injected timeout, requeued",
			zap.Int64("sms_event_id", msg.event.ID),
			zap.Int("retry_count", retry))
		return nil
	}

	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusSent, nil, nil); err != nil {
		return err
	}
	p.deps.Dedup.Mark(ctx, providerMessageID, p.cfg.DuplicateWindowSeconds)
	p.deps.Metrics.MessagesProcessedTotal.WithLabelValues("main", "SENT").Inc()

	p.deps.Logger.Info("message sent",
		zap.Int64("sms_event_id", msg.event.ID),
		zap.String("provider_message_id", providerMessageID))
	return nil
}

func (p *Pipeline) handleReview(ctx context.Context, msg *message) error {
	decision, inputTokens, outputTokens := p.deps.Advisor.Advise(
		ctx, msg.messageID, msg.phone, msg.body, msg.retryCount, msg.lastDLR, msg.segmentCount)

	eventID := msg.event.ID
	if err := p.deps.Events.InsertAiCall(ctx, &eventID, p.deps.Advisor.Model(),
		inputTokens, outputTokens, decision.Decision, decision.Reason); err != nil {
		return err
	}
	p.deps.Metrics.AICallsTotal.WithLabelValues(decision.Decision).Inc()
	p.deps.Metrics.AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	p.deps.Metrics.AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))

	if decision.RateLimited {
		return p.block(ctx, msg, "main")
	}

	if decision.Decision == advisor.DecisionRewrite && decision.Body != "" {
		return p.rewriteAndRequeue(ctx, msg, decision.Body)
	}

	// REWRITE without a body, DROP, and anything unrecognized all block.
	return p.block(ctx, msg, "main")
}

func (p *Pipeline) rewriteAndRequeue(ctx context.Context, msg *message, rewritten string) error {
	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusInReview, nil, nil); err != nil {
		return err
	}
	if err := p.deps.Events.UpdateRewrittenBodyByID(ctx, msg.event.ID, rewritten); err != nil {
		return err
	}
	if err := p.deps.Events.UpdateSegmentCountByID(ctx, msg.event.ID, 1); err != nil {
		return err
	}

	payload := events.QueuePayload{
		SmsEventID:   msg.event.ID,
		Phone:        msg.phone,
		Body:         rewritten,
		RetryCount:   msg.retryCount,
		SegmentCount: 1,
	}
	if msg.lastDLR != "" {
		payload.LastDLR = &msg.lastDLR
	}
	if err := p.deps.Queue.PublishMain(ctx, payload); err != nil {
		return err
	}

	// IN_REVIEW is transient: cleared before this function returns.
	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusPending, nil, nil); err != nil {
		return err
	}
	p.deps.Metrics.RequeuesTotal.WithLabelValues("rewrite").Inc()

	p.deps.Logger.Info("rewritten and requeued",
		zap.Int64("sms_event_id", msg.event.ID),
		zap.Int("rewritten_len", len(rewritten)))
	return nil
}

func (p *Pipeline) handlePoison(ctx context.Context, msg *message) error {
	if err := p.deps.Queue.PublishDLQ(ctx, msg.raw); err != nil {
		return err
	}
	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusInDLQ, nil, nil); err != nil {
		return err
	}
	p.deps.Dedup.Mark(ctx, msg.messageID, p.cfg.DuplicateWindowSeconds)
	p.deps.Metrics.MessagesProcessedTotal.WithLabelValues("main", "IN_DLQ").Inc()

	p.deps.Logger.Warn("poisoned message sent to DLQ",
		zap.Int64("sms_event_id", msg.event.ID),
		zap.Int("retry_count", msg.retryCount),
		zap.String("last_dlr", msg.lastDLR))
	return nil
}

func (p *Pipeline) block(ctx context.Context, msg *message, queue string) error {
	if err := p.deps.Events.UpdateStatusByID(ctx, msg.event.ID, events.StatusBlocked, nil, nil); err != nil {
		return err
	}
	p.deps.Dedup.Mark(ctx, msg.messageID, p.cfg.DuplicateWindowSeconds)
	p.deps.Metrics.MessagesProcessedTotal.WithLabelValues(queue, "BLOCKED").Inc()
	return nil
}

// injectTimeout decides whether this hand-off simulates a carrier timeout.
// MOCK_DLR pins the outcome; otherwise the RNG fires at the configured
// probability while the retry budget lasts.
func (p *Pipeline) injectTimeout(retryCount int) bool {
	if retryCount >= p.cfg.MaxRetryBeforeDLQ {
		return false
	}
	if p.cfg.MockDLR != "" {
		return strings.EqualFold(p.cfg.MockDLR, events.DLRTimeout)
	}
	return p.deps.Rand() < p.cfg.MockTimeoutRetryProb
}

func isTerminal(status events.Status) bool {
	switch status {
	case events.StatusSent, events.StatusBlocked, events.StatusInDLQ:
		return true
	}
	return false
}
