package mock

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-costguard/internal/events"
)

// Provider is a stand-in SMS provider. It accepts every message and
// reports it queued; delivery fates arrive later through the status
// endpoint's simulation.
type Provider struct {
	logger *zap.Logger
}

func NewProvider(logger *zap.Logger) *Provider {
	return &Provider{logger: logger}
}

func (p *Provider) Name() string {
	return "mock"
}

// Send hands a message to the provider and returns the assigned message id
// plus the initial status code.
func (p *Provider) Send(ctx context.Context, phone, body string) (string, int) {
	providerMessageID := uuid.NewString()
	statusCode := events.ProviderStatusQueued

	p.logger.Info("mock SMS accepted",
		zap.String("provider_message_id", providerMessageID),
		zap.String("phone", phone),
		zap.Int("body_len", len(body)),
		zap.Int("provider_status", statusCode))

	return providerMessageID, statusCode
}
