package events

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusBlocked  Status = "BLOCKED"
	StatusFailed   Status = "FAILED"
	StatusInReview Status = "IN_REVIEW"
	StatusInDLQ    Status = "IN_DLQ"
)

// Delivery receipt values reported by the provider (or injected by the
// pipeline's timeout simulation).
const (
	DLRDelivered = "DELIVERED"
	DLRFailed    = "FAILED"
	DLRBlocked   = "BLOCKED"
	DLRTimeout   = "TIMEOUT"
)

// SmsEvent is the lifecycle record for one logical message. The row is
// authoritative; queue payloads only seed hot-path fields.
type SmsEvent struct {
	ID                int64          `json:"id" db:"id"`
	ProviderMessageID sql.NullString `json:"provider_message_id" db:"message_id"`
	Phone             string         `json:"phone" db:"phone"`
	Body              string         `json:"body" db:"body"`
	RewrittenBody     sql.NullString `json:"rewritten_body" db:"rewritten_body"`
	Status            Status         `json:"status" db:"status"`
	RetryCount        int            `json:"retry_count" db:"retry_count"`
	SegmentCount      int            `json:"segment_count" db:"segment_count"`
	LastDLR           sql.NullString `json:"last_dlr" db:"last_dlr"`
	ProviderStatus    sql.NullInt64  `json:"provider_status" db:"provider_status"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// EffectiveBody is the text the pipeline should operate on: the rewritten
// body once the advisor has shortened the message, the original otherwise.
func (e *SmsEvent) EffectiveBody() string {
	if e.RewrittenBody.Valid && e.RewrittenBody.String != "" {
		return e.RewrittenBody.String
	}
	return e.Body
}

// AiCall is the append-only audit record of one advisor invocation.
type AiCall struct {
	ID           int64         `json:"id" db:"id"`
	SmsEventID   sql.NullInt64 `json:"sms_event_id" db:"sms_event_id"`
	Model        string        `json:"model" db:"model"`
	InputTokens  int           `json:"input_tokens" db:"input_tokens"`
	OutputTokens int           `json:"output_tokens" db:"output_tokens"`
	Decision     string        `json:"decision" db:"decision"`
	Reason       string        `json:"reason" db:"reason"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// QueuePayload is the unit of work on both queues. Only SmsEventID is
// required; the rest is advisory and reconciled against the row on dequeue.
type QueuePayload struct {
	SmsEventID   int64   `json:"sms_event_id"`
	Phone        string  `json:"phone,omitempty"`
	Body         string  `json:"body,omitempty"`
	RetryCount   int     `json:"retry_count,omitempty"`
	SegmentCount int     `json:"segment_count,omitempty"`
	LastDLR      *string `json:"last_dlr,omitempty"`
}

// SegmentCount computes the number of billed segments for a body at intake.
func SegmentCount(body string, maxBodyChars int) int {
	if maxBodyChars <= 0 {
		return 1
	}
	n := (len(body) + maxBodyChars - 1) / maxBodyChars
	if n < 1 {
		return 1
	}
	return n
}

// Provider status codes as reported by the (mock) provider.
const (
	ProviderStatusQueued      = 1
	ProviderStatusScheduled   = 2
	ProviderStatusSentCarrier = 4
	ProviderStatusFailed      = 6
	ProviderStatusDelivered   = 10
	ProviderStatusUndelivered = 11
	ProviderStatusCancelled   = 13
	ProviderStatusOptedOut    = 14
	ProviderStatusInvalidID   = 100
)

var providerStatusText = map[int]string{
	1:   "Queued for sending",
	2:   "Scheduled (send at a specified time)",
	4:   "Sent to carrier",
	5:   "Sent to carrier",
	6:   "Failed to send",
	10:  "Delivered",
	11:  "Undelivered",
	13:  "Cancelled/failed with refund",
	14:  "Blocked (recipient opted out)",
	100: "Invalid message ID",
}

var finalProviderCodes = map[int]bool{
	6: true, 10: true, 11: true, 13: true, 14: true, 100: true,
}

func ProviderStatusText(code int) string {
	if text, ok := providerStatusText[code]; ok {
		return text
	}
	return "Unknown status"
}

func IsFinalProviderStatus(code int) bool {
	return finalProviderCodes[code]
}
