package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-costguard/internal/persistence"
)

const eventColumns = `id, message_id, phone, body, rewritten_body, status, retry_count, segment_count, last_dlr, provider_status, created_at, updated_at`

// Store is the sms_events / ai_calls adapter. Every method is a single
// statement, so each call commits or rolls back as one transaction.
type Store struct {
	db     *persistence.PostgresDB
	logger *zap.Logger
}

func NewStore(db *persistence.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Create(ctx context.Context, event *SmsEvent) error {
	query := `INSERT INTO sms_events (phone, body, status, retry_count, segment_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		event.Phone, event.Body, event.Status, event.RetryCount, event.SegmentCount,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sms event: %w", err)
	}

	s.logger.Info("sms event created",
		zap.Int64("sms_event_id", event.ID),
		zap.String("phone", event.Phone),
		zap.Int("segment_count", event.SegmentCount))
	return nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*SmsEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sms_events WHERE id = $1`

	var event SmsEvent
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&event.ID, &event.ProviderMessageID, &event.Phone, &event.Body, &event.RewrittenBody,
		&event.Status, &event.RetryCount, &event.SegmentCount, &event.LastDLR,
		&event.ProviderStatus, &event.CreatedAt, &event.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sms event %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sms event: %w", err)
	}

	return &event, nil
}

func (s *Store) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*SmsEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sms_events WHERE message_id = $1`

	var event SmsEvent
	err := s.db.QueryRowContext(ctx, query, providerMessageID).Scan(
		&event.ID, &event.ProviderMessageID, &event.Phone, &event.Body, &event.RewrittenBody,
		&event.Status, &event.RetryCount, &event.SegmentCount, &event.LastDLR,
		&event.ProviderStatus, &event.CreatedAt, &event.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sms event with message_id %q not found", providerMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sms event: %w", err)
	}

	return &event, nil
}

// UpdateStatusByID advances the lifecycle status. A nil lastDLR keeps the
// previous receipt (COALESCE); retryCount is only written when supplied.
func (s *Store) UpdateStatusByID(ctx context.Context, id int64, status Status, lastDLR *string, retryCount *int) error {
	var err error
	if retryCount != nil {
		query := `UPDATE sms_events
			SET status = $2, last_dlr = COALESCE($3, last_dlr), retry_count = $4, updated_at = NOW()
			WHERE id = $1`
		_, err = s.db.ExecContext(ctx, query, id, status, lastDLR, *retryCount)
	} else {
		query := `UPDATE sms_events
			SET status = $2, last_dlr = COALESCE($3, last_dlr), updated_at = NOW()
			WHERE id = $1`
		_, err = s.db.ExecContext(ctx, query, id, status, lastDLR)
	}
	if err != nil {
		return fmt.Errorf("failed to update sms event status: %w", err)
	}
	return nil
}

func (s *Store) AssignProviderMessage(ctx context.Context, id int64, providerMessageID string, providerStatus int) error {
	query := `UPDATE sms_events
		SET message_id = $2, provider_status = $3, updated_at = NOW()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, providerMessageID, providerStatus); err != nil {
		return fmt.Errorf("failed to assign provider message: %w", err)
	}
	return nil
}

func (s *Store) UpdateProviderStatusByMessageID(ctx context.Context, providerMessageID string, providerStatus int) error {
	query := `UPDATE sms_events
		SET provider_status = $2, updated_at = NOW()
		WHERE message_id = $1`
	if _, err := s.db.ExecContext(ctx, query, providerMessageID, providerStatus); err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	return nil
}

func (s *Store) UpdateRewrittenBodyByID(ctx context.Context, id int64, rewrittenBody string) error {
	query := `UPDATE sms_events SET rewritten_body = $2, updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, rewrittenBody); err != nil {
		return fmt.Errorf("failed to update rewritten body: %w", err)
	}
	return nil
}

func (s *Store) UpdateSegmentCountByID(ctx context.Context, id int64, segmentCount int) error {
	query := `UPDATE sms_events SET segment_count = $2, updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, segmentCount); err != nil {
		return fmt.Errorf("failed to update segment count: %w", err)
	}
	return nil
}

// InsertAiCall appends one advisor audit row; rows are never updated.
func (s *Store) InsertAiCall(ctx context.Context, smsEventID *int64, model string, inputTokens, outputTokens int, decision, reason string) error {
	query := `INSERT INTO ai_calls (sms_event_id, model, input_tokens, output_tokens, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	var eventID sql.NullInt64
	if smsEventID != nil {
		eventID = sql.NullInt64{Int64: *smsEventID, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query, eventID, model, inputTokens, outputTokens, decision, reason); err != nil {
		return fmt.Errorf("failed to insert ai call: %w", err)
	}
	return nil
}

func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sms_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type AiTotals struct {
	Calls        int   `json:"cnt"`
	InputTokens  int64 `json:"in_tok"`
	OutputTokens int64 `json:"out_tok"`
}

func (s *Store) AiCallTotals(ctx context.Context) (*AiTotals, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM ai_calls`

	var totals AiTotals
	if err := s.db.QueryRowContext(ctx, query).Scan(&totals.Calls, &totals.InputTokens, &totals.OutputTokens); err != nil {
		return nil, fmt.Errorf("failed to total ai calls: %w", err)
	}
	return &totals, nil
}

func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
