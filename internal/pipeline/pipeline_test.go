package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"sms-costguard/internal/advisor"
	"sms-costguard/internal/events"
	"sms-costguard/internal/observability"
	"sms-costguard/internal/rules"
)

// promauto registers against the default registry, so one Metrics instance
// is shared by every test in this binary.
var testMetrics = observability.NewMetrics()

type statusUpdate struct {
	id     int64
	status events.Status
	dlr    *string
	retry  *int
}

type aiCallRecord struct {
	eventID      *int64
	model        string
	inputTokens  int
	outputTokens int
	decision     string
	reason       string
}

type fakeEvents struct {
	rows map[int64]*events.SmsEvent

	statusUpdates []statusUpdate
	assignedID    string
	assignedCode  int
	rewritten     string
	segmentSet    int
	aiCalls       []aiCallRecord
	getErr        error
}

func (f *fakeEvents) GetByID(ctx context.Context, id int64) (*events.SmsEvent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("sms event %d not found", id)
	}
	return row, nil
}

func (f *fakeEvents) UpdateStatusByID(ctx context.Context, id int64, status events.Status, lastDLR *string, retryCount *int) error {
	f.statusUpdates = append(f.statusUpdates, statusUpdate{id: id, status: status, dlr: lastDLR, retry: retryCount})
	return nil
}

func (f *fakeEvents) AssignProviderMessage(ctx context.Context, id int64, providerMessageID string, providerStatus int) error {
	f.assignedID = providerMessageID
	f.assignedCode = providerStatus
	return nil
}

func (f *fakeEvents) UpdateRewrittenBodyByID(ctx context.Context, id int64, rewrittenBody string) error {
	f.rewritten = rewrittenBody
	return nil
}

func (f *fakeEvents) UpdateSegmentCountByID(ctx context.Context, id int64, segmentCount int) error {
	f.segmentSet = segmentCount
	return nil
}

func (f *fakeEvents) InsertAiCall(ctx context.Context, smsEventID *int64, model string, inputTokens, outputTokens int, decision, reason string) error {
	f.aiCalls = append(f.aiCalls, aiCallRecord{
		eventID: smsEventID, model: model,
		inputTokens: inputTokens, outputTokens: outputTokens,
		decision: decision, reason: reason,
	})
	return nil
}

func (f *fakeEvents) lastStatus(t *testing.T) statusUpdate {
	t.Helper()
	if len(f.statusUpdates) == 0 {
		t.Fatal("no status updates recorded")
	}
	return f.statusUpdates[len(f.statusUpdates)-1]
}

type fakeDedup struct {
	marked map[string]int
}

func (f *fakeDedup) Mark(ctx context.Context, messageID string, ttlSeconds int) {
	if f.marked == nil {
		f.marked = make(map[string]int)
	}
	f.marked[messageID] = ttlSeconds
}

type fakeClassifier struct {
	result rules.Result
	got    []rules.Situation
}

func (f *fakeClassifier) Classify(ctx context.Context, sit rules.Situation) rules.Result {
	f.got = append(f.got, sit)
	return f.result
}

type fakeAdvisor struct {
	decision     advisor.Decision
	inputTokens  int
	outputTokens int
	calls        int
}

func (f *fakeAdvisor) Advise(ctx context.Context, messageID, phone, body string, retryCount int, lastDLR string, segmentCount int) (advisor.Decision, int, int) {
	f.calls++
	return f.decision, f.inputTokens, f.outputTokens
}

func (f *fakeAdvisor) Model() string { return "test-model" }

type fakeProvider struct {
	messageID string
	code      int
	calls     int
}

func (f *fakeProvider) Send(ctx context.Context, phone, body string) (string, int) {
	f.calls++
	return f.messageID, f.code
}

type fakePublisher struct {
	main []events.QueuePayload
	dlq  [][]byte
}

func (f *fakePublisher) PublishMain(ctx context.Context, payload events.QueuePayload) error {
	f.main = append(f.main, payload)
	return nil
}

func (f *fakePublisher) PublishDLQ(ctx context.Context, body []byte) error {
	f.dlq = append(f.dlq, body)
	return nil
}

type harness struct {
	pipeline  *Pipeline
	events    *fakeEvents
	dedup     *fakeDedup
	rules     *fakeClassifier
	advisor   *fakeAdvisor
	provider  *fakeProvider
	publisher *fakePublisher
}

func newHarness(result rules.Result, cfg Config) *harness {
	h := &harness{
		events: &fakeEvents{rows: map[int64]*events.SmsEvent{
			1: {ID: 1, Phone: "+989121234567", Body: "Hello", Status: events.StatusPending, SegmentCount: 1},
		}},
		dedup:     &fakeDedup{},
		rules:     &fakeClassifier{result: result},
		advisor:   &fakeAdvisor{decision: advisor.Decision{Decision: advisor.DecisionDrop, Reason: "low value"}},
		provider:  &fakeProvider{messageID: "mid-abc", code: events.ProviderStatusQueued},
		publisher: &fakePublisher{},
	}
	if cfg.DuplicateWindowSeconds == 0 {
		cfg.DuplicateWindowSeconds = 300
	}
	if cfg.MaxRetryBeforeDLQ == 0 {
		cfg.MaxRetryBeforeDLQ = 3
	}
	h.pipeline = New(Deps{
		Events:   h.events,
		Dedup:    h.dedup,
		Rules:    h.rules,
		Advisor:  h.advisor,
		Provider: h.provider,
		Queue:    h.publisher,
		Metrics:  testMetrics,
		Logger:   zap.NewNop(),
		Rand:     func() float64 { return 1.0 },
	}, cfg)
	return h
}

func payloadJSON(t *testing.T, payload events.QueuePayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestHandleMainSendSuccess(t *testing.T) {
	h := newHarness(rules.Send, Config{})

	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, Phone: "+989121234567", Body: "Hello", SegmentCount: 1,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if h.provider.calls != 1 {
		t.Errorf("provider called %d times, expected 1", h.provider.calls)
	}
	if h.events.assignedID != "mid-abc" {
		t.Errorf("assigned provider id = %q, expected mid-abc", h.events.assignedID)
	}
	if last := h.events.lastStatus(t); last.status != events.StatusSent {
		t.Errorf("final status = %s, expected SENT", last.status)
	}
	if ttl, ok := h.dedup.marked["mid-abc"]; !ok || ttl != 300 {
		t.Errorf("dedup mark = %v, expected mid-abc with ttl 300", h.dedup.marked)
	}
	if len(h.publisher.main) != 0 || len(h.publisher.dlq) != 0 {
		t.Error("a clean send must not republish anything")
	}
	if h.advisor.calls != 0 {
		t.Error("advisor consulted on the send path")
	}
}

func TestHandleMainDropBlocks(t *testing.T) {
	h := newHarness(rules.Drop, Config{})

	if err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if last := h.events.lastStatus(t); last.status != events.StatusBlocked {
		t.Errorf("final status = %s, expected BLOCKED", last.status)
	}
	if h.provider.calls != 0 {
		t.Error("provider called for a dropped duplicate")
	}
	if h.advisor.calls != 0 {
		t.Error("advisor called for a dropped duplicate")
	}
	if _, ok := h.dedup.marked["evt-1"]; !ok {
		t.Error("blocked message not marked for dedup")
	}
}

func TestHandleMainReviewRewrite(t *testing.T) {
	h := newHarness(rules.Review, Config{})
	h.advisor.decision = advisor.Decision{Decision: advisor.DecisionRewrite, Reason: "too long", Body: "Short"}
	h.advisor.inputTokens = 120
	h.advisor.outputTokens = 30

	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, Body: "A very long multipart body", RetryCount: 1, SegmentCount: 3,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if len(h.events.aiCalls) != 1 {
		t.Fatalf("ai calls recorded = %d, expected 1", len(h.events.aiCalls))
	}
	call := h.events.aiCalls[0]
	if call.model != "test-model" || call.inputTokens != 120 || call.outputTokens != 30 {
		t.Errorf("ai call record = %+v", call)
	}
	if call.eventID == nil || *call.eventID != 1 {
		t.Error("ai call not linked to the sms event")
	}

	if h.events.rewritten != "Short" {
		t.Errorf("rewritten body = %q, expected Short", h.events.rewritten)
	}
	if h.events.segmentSet != 1 {
		t.Errorf("segment count set to %d, expected 1", h.events.segmentSet)
	}

	if len(h.publisher.main) != 1 {
		t.Fatalf("main publishes = %d, expected 1", len(h.publisher.main))
	}
	requeued := h.publisher.main[0]
	if requeued.Body != "Short" || requeued.SegmentCount != 1 {
		t.Errorf("requeued payload = %+v", requeued)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("requeued retry = %d, a rewrite must not consume retry budget", requeued.RetryCount)
	}

	if last := h.events.lastStatus(t); last.status != events.StatusPending {
		t.Errorf("final status = %s, expected PENDING after requeue", last.status)
	}
	if h.provider.calls != 0 {
		t.Error("provider called before the rewritten message went around again")
	}
}

func TestHandleMainReviewDropBlocks(t *testing.T) {
	h := newHarness(rules.Review, Config{})
	h.advisor.decision = advisor.Decision{Decision: advisor.DecisionDrop, Reason: "duplicate content"}

	if err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if len(h.events.aiCalls) != 1 {
		t.Fatalf("ai calls recorded = %d, expected 1", len(h.events.aiCalls))
	}
	if last := h.events.lastStatus(t); last.status != events.StatusBlocked {
		t.Errorf("final status = %s, expected BLOCKED", last.status)
	}
	if len(h.publisher.main) != 0 {
		t.Error("dropped message republished")
	}
}

func TestHandleMainReviewRewriteWithoutBodyBlocks(t *testing.T) {
	h := newHarness(rules.Review, Config{})
	h.advisor.decision = advisor.Decision{Decision: advisor.DecisionRewrite, Reason: "too long"}

	if err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if last := h.events.lastStatus(t); last.status != events.StatusBlocked {
		t.Errorf("final status = %s, expected BLOCKED for an empty rewrite", last.status)
	}
	if len(h.publisher.main) != 0 {
		t.Error("empty rewrite republished")
	}
}

func TestHandleMainReviewRateLimitedBlocks(t *testing.T) {
	h := newHarness(rules.Review, Config{})
	h.advisor.decision = advisor.Decision{
		Decision:    advisor.DecisionDrop,
		Reason:      "AI daily usage limit reached",
		RateLimited: true,
	}

	if err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	// The audit row is written even when the limiter said no.
	if len(h.events.aiCalls) != 1 {
		t.Fatalf("ai calls recorded = %d, expected 1", len(h.events.aiCalls))
	}
	if h.events.aiCalls[0].reason != "AI daily usage limit reached" {
		t.Errorf("audit reason = %q", h.events.aiCalls[0].reason)
	}
	if last := h.events.lastStatus(t); last.status != events.StatusBlocked {
		t.Errorf("final status = %s, expected BLOCKED", last.status)
	}
}

func TestHandleMainPoison(t *testing.T) {
	h := newHarness(rules.Poison, Config{})

	raw := payloadJSON(t, events.QueuePayload{SmsEventID: 1, RetryCount: 3})
	if err := h.pipeline.HandleMain(context.Background(), raw); err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if len(h.publisher.dlq) != 1 {
		t.Fatalf("dlq publishes = %d, expected 1", len(h.publisher.dlq))
	}
	if string(h.publisher.dlq[0]) != string(raw) {
		t.Error("DLQ payload does not match the original delivery")
	}
	if last := h.events.lastStatus(t); last.status != events.StatusInDLQ {
		t.Errorf("final status = %s, expected IN_DLQ", last.status)
	}
	if _, ok := h.dedup.marked["evt-1"]; !ok {
		t.Error("poisoned message not marked for dedup")
	}
	if h.advisor.calls != 0 {
		t.Error("advisor consulted on the poison path")
	}
}

func TestHandleMainInjectedTimeout(t *testing.T) {
	h := newHarness(rules.Send, Config{MockTimeoutRetryProb: 0.03})
	h.pipeline.deps.Rand = func() float64 { return 0.0 }

	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, Phone: "+989121234567", Body: "Hello", SegmentCount: 1,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	// Hand-off still happened, so the provider id is recorded.
	if h.events.assignedID != "mid-abc" {
		t.Errorf("assigned provider id = %q", h.events.assignedID)
	}

	if len(h.publisher.main) != 1 {
		t.Fatalf("main publishes = %d, expected 1 requeue", len(h.publisher.main))
	}
	requeued := h.publisher.main[0]
	if requeued.RetryCount != 1 {
		t.Errorf("requeued retry = %d, expected 1", requeued.RetryCount)
	}
	if requeued.LastDLR == nil || *requeued.LastDLR != events.DLRTimeout {
		t.Errorf("requeued last_dlr = %v, expected TIMEOUT", requeued.LastDLR)
	}

	last := h.events.lastStatus(t)
	if last.status != events.StatusPending {
		t.Errorf("final status = %s, expected PENDING", last.status)
	}
	if last.dlr == nil || *last.dlr != events.DLRTimeout {
		t.Error("row did not record the TIMEOUT receipt")
	}
	if last.retry == nil || *last.retry != 1 {
		t.Error("row did not record the incremented retry count")
	}
	if len(h.dedup.marked) != 0 {
		t.Error("timed-out message must not be dedup-marked, it has to go around again")
	}
}

func TestInjectTimeoutMockDLROverride(t *testing.T) {
	tests := []struct {
		name     string
		mockDLR  string
		random   float64
		retry    int
		expected bool
	}{
		{"TIMEOUT forces injection", "TIMEOUT", 1.0, 0, true},
		{"timeout is case-insensitive", "timeout", 1.0, 0, true},
		{"other value suppresses", "DELIVERED", 0.0, 0, false},
		{"empty falls back to rng hit", "", 0.0, 0, true},
		{"empty falls back to rng miss", "", 0.9, 0, false},
		{"retry budget exhausted", "TIMEOUT", 0.0, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(rules.Send, Config{MockTimeoutRetryProb: 0.03, MockDLR: tt.mockDLR})
			h.pipeline.deps.Rand = func() float64 { return tt.random }

			if got := h.pipeline.injectTimeout(tt.retry); got != tt.expected {
				t.Errorf("injectTimeout(%d) = %v, expected %v", tt.retry, got, tt.expected)
			}
		})
	}
}

func TestHandleMainProviderReturnsNoID(t *testing.T) {
	h := newHarness(rules.Send, Config{})
	h.provider.messageID = ""

	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, RetryCount: 1,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if h.events.assignedID != "" {
		t.Error("provider id assigned despite an empty hand-off")
	}
	last := h.events.lastStatus(t)
	if last.status != events.StatusPending {
		t.Errorf("final status = %s, expected PENDING", last.status)
	}
	if last.retry == nil || *last.retry != 2 {
		t.Error("attempt without an id must still consume retry budget")
	}
	if len(h.publisher.main) != 0 {
		t.Error("no-id hand-off must not self-republish")
	}
	if len(h.dedup.marked) != 0 {
		t.Error("no-id hand-off must not be dedup-marked")
	}
}

func TestHandleMainDiscardsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"invalid json", []byte(`{"sms_event_id": `)},
		{"missing event id", []byte(`{"phone": "+989121234567"}`)},
		{"zero event id", []byte(`{"sms_event_id": 0}`)},
		{"unknown event id", []byte(`{"sms_event_id": 999}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(rules.Send, Config{})

			if err := h.pipeline.HandleMain(context.Background(), tt.raw); err != nil {
				t.Fatalf("HandleMain: %v, bad payloads must be swallowed", err)
			}
			if len(h.rules.got) != 0 {
				t.Error("bad payload reached the rule engine")
			}
			if len(h.events.statusUpdates) != 0 {
				t.Error("bad payload mutated the event row")
			}
		})
	}
}

func TestHandleMainPropagatesStoreFaults(t *testing.T) {
	h := newHarness(rules.Send, Config{})
	h.events.getErr = errors.New("connection refused")

	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1}))
	if err == nil {
		t.Fatal("store fault swallowed, the delivery would be lost")
	}
}

func TestHandleMainSkipsTerminalEvents(t *testing.T) {
	for _, status := range []events.Status{events.StatusSent, events.StatusBlocked, events.StatusInDLQ} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(rules.Send, Config{})
			h.events.rows[1].Status = status

			if err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
				t.Fatalf("HandleMain: %v", err)
			}
			if len(h.rules.got) != 0 {
				t.Error("terminal event reached the rule engine")
			}
			if h.provider.calls != 0 {
				t.Error("terminal event reached the provider")
			}
		})
	}
}

func TestHandleMainReconcilesPayloadWithRow(t *testing.T) {
	h := newHarness(rules.Send, Config{})
	h.events.rows[1] = &events.SmsEvent{
		ID:                1,
		Phone:             "+989121234567",
		Body:              "original body",
		RewrittenBody:     sql.NullString{String: "rewritten body", Valid: true},
		Status:            events.StatusPending,
		RetryCount:        2,
		SegmentCount:      1,
		LastDLR:           sql.NullString{String: events.DLRFailed, Valid: true},
		ProviderMessageID: sql.NullString{String: "mid-prev", Valid: true},
	}

	// Stale payload: lower retry count, no body, no DLR.
	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, RetryCount: 1,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if len(h.rules.got) != 1 {
		t.Fatal("rule engine not consulted")
	}
	sit := h.rules.got[0]
	if sit.RetryCount != 2 {
		t.Errorf("retry = %d, the higher row count must win", sit.RetryCount)
	}
	if sit.Body != "rewritten body" {
		t.Errorf("body = %q, expected the rewritten body", sit.Body)
	}
	if sit.LastDLR != events.DLRFailed {
		t.Errorf("last_dlr = %q, expected the row receipt", sit.LastDLR)
	}
	if sit.MessageID != "mid-prev" {
		t.Errorf("message id = %q, expected the assigned provider id", sit.MessageID)
	}
}

func TestHandleMainPayloadDLROverridesRow(t *testing.T) {
	h := newHarness(rules.Send, Config{})
	h.events.rows[1].LastDLR = sql.NullString{String: events.DLRFailed, Valid: true}

	dlr := events.DLRTimeout
	err := h.pipeline.HandleMain(context.Background(), payloadJSON(t, events.QueuePayload{
		SmsEventID: 1, LastDLR: &dlr,
	}))
	if err != nil {
		t.Fatalf("HandleMain: %v", err)
	}

	if sit := h.rules.got[0]; sit.LastDLR != events.DLRTimeout {
		t.Errorf("last_dlr = %q, a payload receipt must override the row", sit.LastDLR)
	}
}

func TestHandleDLQQuarantines(t *testing.T) {
	h := newHarness(rules.Send, Config{})
	h.events.rows[1].Status = events.StatusInDLQ

	if err := h.pipeline.HandleDLQ(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
		t.Fatalf("HandleDLQ: %v", err)
	}

	if last := h.events.lastStatus(t); last.status != events.StatusBlocked {
		t.Errorf("final status = %s, expected BLOCKED", last.status)
	}
	if _, ok := h.dedup.marked["evt-1"]; !ok {
		t.Error("quarantined message not marked for dedup")
	}
	if h.advisor.calls != 0 {
		t.Error("advisor consulted on the DLQ path")
	}
	if h.provider.calls != 0 {
		t.Error("provider called on the DLQ path")
	}
}

func TestHandleDLQSkipsSettledEvents(t *testing.T) {
	for _, status := range []events.Status{events.StatusSent, events.StatusBlocked} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(rules.Send, Config{})
			h.events.rows[1].Status = status

			if err := h.pipeline.HandleDLQ(context.Background(), payloadJSON(t, events.QueuePayload{SmsEventID: 1})); err != nil {
				t.Fatalf("HandleDLQ: %v", err)
			}
			if len(h.events.statusUpdates) != 0 {
				t.Errorf("%s event walked back by the DLQ consumer", status)
			}
		})
	}
}

func TestHandleDLQDiscardsBadPayloads(t *testing.T) {
	h := newHarness(rules.Send, Config{})

	if err := h.pipeline.HandleDLQ(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("HandleDLQ: %v", err)
	}
	if len(h.events.statusUpdates) != 0 {
		t.Error("bad DLQ payload mutated an event row")
	}
}
