package rules

import (
	"context"

	"go.uber.org/zap"
)

type Result string

const (
	Send   Result = "SEND"
	Review Result = "REVIEW"
	Poison Result = "POISON"
	Drop   Result = "DROP"
)

// Situation is everything a classification decision may look at.
type Situation struct {
	MessageID    string
	Phone        string
	Body         string
	RetryCount   int
	LastDLR      string
	SegmentCount int
}

// DuplicateChecker is the dedup-store slice the engine needs for its final
// clause.
type DuplicateChecker interface {
	Check(ctx context.Context, messageID, phone, body string, windowSeconds int) (dupByID, dupByContent bool)
}

type Limits struct {
	MaxRetryBeforeDLQ         int
	MultipartSegmentThreshold int
	MaxBodyChars              int
	DuplicateWindowSeconds    int
}

type clause struct {
	name   string
	match  func(Situation) bool
	result Result
}

// Engine classifies messages through a fixed-order clause cascade: the
// first matching clause wins. Cheap predicates run before the dedup-store
// round-trip, and permanent-failure clauses before timeout ones so a
// permanent failure never loops.
type Engine struct {
	limits  Limits
	dedup   DuplicateChecker
	logger  *zap.Logger
	clauses []clause
}

func NewEngine(limits Limits, dedup DuplicateChecker, logger *zap.Logger) *Engine {
	e := &Engine{limits: limits, dedup: dedup, logger: logger}
	e.clauses = []clause{
		{
			name: "retry_cap",
			match: func(s Situation) bool {
				return s.RetryCount >= limits.MaxRetryBeforeDLQ
			},
			result: Poison,
		},
		{
			name: "permanent_failure_retry",
			match: func(s Situation) bool {
				return (s.LastDLR == "FAILED" || s.LastDLR == "BLOCKED") && s.RetryCount >= 1
			},
			result: Poison,
		},
		{
			name: "timeout_retry",
			match: func(s Situation) bool {
				return s.LastDLR == "TIMEOUT" && s.RetryCount >= 1
			},
			result: Review,
		},
		{
			name: "multipart",
			match: func(s Situation) bool {
				return s.SegmentCount > limits.MultipartSegmentThreshold
			},
			result: Review,
		},
		{
			name: "long_body",
			match: func(s Situation) bool {
				return len(s.Body) > limits.MaxBodyChars && s.SegmentCount >= 2
			},
			result: Review,
		},
	}
	return e
}

// Classify is pure with respect to the situation and the dedup-store
// state: same inputs, same state, same result.
func (e *Engine) Classify(ctx context.Context, sit Situation) Result {
	for _, c := range e.clauses {
		if c.match(sit) {
			e.logger.Info("rule matched",
				zap.String("rule", c.name),
				zap.String("result", string(c.result)),
				zap.String("message_id", sit.MessageID))
			return c.result
		}
	}

	dupByID, dupByContent := e.dedup.Check(ctx, sit.MessageID, sit.Phone, sit.Body, e.limits.DuplicateWindowSeconds)
	if dupByID {
		e.logger.Info("rule matched",
			zap.String("rule", "duplicate_message_id"),
			zap.String("message_id", sit.MessageID))
		return Drop
	}
	if dupByContent {
		e.logger.Info("rule matched",
			zap.String("rule", "duplicate_phone_body"),
			zap.String("message_id", sit.MessageID))
		return Drop
	}

	return Send
}
