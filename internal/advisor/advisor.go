package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"sms-costguard/internal/ratelimit"
)

const (
	DecisionDrop    = "DROP"
	DecisionRewrite = "REWRITE"
)

const dailyLimitKeyPrefix = "ai_guard_calls"

const systemPrompt = `You are an SMS cost guard. Reply only with a single JSON object, no other text.
Output format:
{"decision": "DROP"|"REWRITE", "reason": "short reason", "body": "shortened sms when decision=REWRITE"}
- DROP: do not send, avoid cost (duplicate, low value, permanent failure).
- REWRITE: provide a shortened SMS that preserves meaning. The "body" must be <= max_chars.`

// Decision is the advisor's verdict for one message. Anything other than
// REWRITE is acted on as DROP by the pipeline.
type Decision struct {
	Decision    string
	Reason      string
	Body        string
	RateLimited bool
}

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxTokens    int
	DailyLimit   int
	MaxBodyChars int
}

// limiter is the slice of the daily limiter the advisor needs; tests
// inject fakes.
type limiter interface {
	TryConsume(ctx context.Context, keyPrefix string, limit int, tzName string) ratelimit.DailyResult
}

// Advisor asks an external LLM whether a borderline message is worth its
// cost. Every failure mode degrades to DROP: no key, limit reached,
// network error, garbage response.
type Advisor struct {
	cfg     Config
	limiter limiter
	client  *http.Client
	logger  *zap.Logger
}

func New(cfg Config, lim limiter, logger *zap.Logger) *Advisor {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Advisor{
		cfg:     cfg,
		limiter: lim,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (a *Advisor) Model() string {
	return a.cfg.Model
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat formatSpec    `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type formatSpec struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Advise returns the decision plus the token usage of the call. It never
// returns an error: the caller always gets an actionable decision.
func (a *Advisor) Advise(ctx context.Context, messageID, phone, body string, retryCount int, lastDLR string, segmentCount int) (Decision, int, int) {
	if a.cfg.APIKey == "" {
		a.logger.Warn("advisor API key not set, returning default DROP")
		return Decision{Decision: DecisionDrop, Reason: "AI not configured"}, 0, 0
	}

	limit := a.limiter.TryConsume(ctx, dailyLimitKeyPrefix, a.cfg.DailyLimit, "UTC")
	if !limit.Allowed {
		a.logger.Warn("AI daily call limit reached",
			zap.Int("used_today", limit.UsedToday),
			zap.Int("limit", a.cfg.DailyLimit))
		return Decision{
			Decision:    DecisionDrop,
			Reason:      "AI daily usage limit reached",
			RateLimited: true,
		}, 0, 0
	}

	resp, err := a.call(ctx, messageID, phone, body, retryCount, lastDLR, segmentCount)
	if err != nil {
		a.logger.Error("advisor request failed", zap.String("message_id", messageID), zap.Error(err))
		return Decision{Decision: DecisionDrop, Reason: "AI error: " + err.Error()}, 0, 0
	}

	inputTokens := resp.Usage.PromptTokens
	outputTokens := resp.Usage.CompletionTokens

	var content, finishReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = resp.Choices[0].FinishReason
	}

	decision := parseDecision(content, a.logger)

	if finishReason == "length" && decision.Decision == DecisionRewrite && decision.Body == "" {
		decision = Decision{Decision: DecisionDrop, Reason: "AI response truncated"}
	}
	if decision.Decision == "" {
		decision.Decision = DecisionDrop
	}
	if decision.Reason == "" {
		decision.Reason = "Unknown"
	}
	decision.Decision = strings.ToUpper(decision.Decision)

	return decision, inputTokens, outputTokens
}

func (a *Advisor) call(ctx context.Context, messageID, phone, body string, retryCount int, lastDLR string, segmentCount int) (*chatResponse, error) {
	reqBody := chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: a.userPrompt(messageID, phone, body, retryCount, lastDLR, segmentCount)},
		},
		MaxTokens:      a.cfg.MaxTokens,
		Temperature:    0,
		ResponseFormat: formatSpec{Type: "json_object"},
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (a *Advisor) userPrompt(messageID, phone, body string, retryCount int, lastDLR string, segmentCount int) string {
	if lastDLR == "" {
		lastDLR = "none"
	}
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf(
		"message_id=%s phone=%s retry_count=%d last_dlr=%s segments=%d max_chars=%d\nbody: %s",
		messageID, phone, retryCount, lastDLR, segmentCount, a.cfg.MaxBodyChars, body,
	)
}
