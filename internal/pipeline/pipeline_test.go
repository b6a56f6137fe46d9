package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/chatflow/internal/audit"
	"github.com/szaher/chatflow/internal/decision"
	"github.com/szaher/chatflow/internal/events"
	"github.com/szaher/chatflow/internal/experiment"
	"github.com/szaher/chatflow/internal/history"
	"github.com/szaher/chatflow/internal/idempotency"
	"github.com/szaher/chatflow/internal/knowledge"
	"github.com/szaher/chatflow/internal/llm"
	"github.com/szaher/chatflow/internal/lock"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/session"
	"github.com/szaher/chatflow/internal/stream"
	"github.com/szaher/chatflow/internal/understanding"
)

type fixture struct {
	pipeline *Pipeline
	gate     *lock.MemoryGate
	sessions session.Store
	history  *history.MemoryStore
	model    *llm.MockClient
	auditor  *audit.MemoryRecorder
	events   *events.MemoryEmitter
	sess     *session.Session
}

type fixtureOpts struct {
	responses []llm.MockResponse
	opts      Options
	rules     []policy.Rule
	limiter   *policy.RateLimiter
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()

	if len(fo.responses) == 0 {
		fo.responses = []llm.MockResponse{{
			Content:    "בטח! יש קופון GLOW20 של GlowSkin",
			StopReason: llm.StopEndTurn,
			Usage:      llm.TokenUsage{InputTokens: 120, OutputTokens: 25},
			ChunkSize:  8,
		}}
	}

	know := knowledge.NewMemoryStore()
	know.PutPersona(&knowledge.Persona{AccountID: "acc1", Name: "Dana", Language: "he", SystemPrompt: "את העוזרת של דנה."})
	know.PutBrands("acc1", []knowledge.Brand{
		{ID: "b1", AccountID: "acc1", Name: "GlowSkin", Description: "20% הנחה", CouponCode: "GLOW20", Category: "skincare", Active: true},
	})

	engine, err := policy.NewEngine(fo.rules, fo.limiter, nil)
	if err != nil {
		t.Fatalf("NewEngine returned unexpected error: %v", err)
	}

	sessions := session.NewMemoryStore(0)
	hist := history.NewMemoryStore()
	model := llm.NewMockClient(fo.responses...)
	auditor := &audit.MemoryRecorder{}
	sink := &events.MemoryEmitter{}
	gate := lock.NewMemoryGate(30 * time.Second)

	p, err := New(Deps{
		Gate:        gate,
		Idempotency: idempotency.NewMemoryStore(),
		Sessions:    sessions,
		History:     hist,
		Knowledge:   know,
		Analyzer:    understanding.HeuristicAnalyzer{},
		Policy:      engine,
		Experiments: experiment.NewEngine(experiment.NewRegistry(nil), sink),
		Model:       model,
		Audit:       auditor,
		Events:      sink,
	}, fo.opts)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}

	sess, err := sessions.Create(context.Background(), "acc1", "anon_x")
	if err != nil {
		t.Fatalf("Create session returned unexpected error: %v", err)
	}

	return &fixture{pipeline: p, gate: gate, sessions: sessions, history: hist, model: model, auditor: auditor, events: sink, sess: sess}
}

func (f *fixture) request(message string) Request {
	return Request{
		AccountID:     "acc1",
		SessionID:     f.sess.ID,
		Message:       message,
		Security:      policy.SecurityContext{Channel: policy.ChannelPublicChat},
		RequiredLevel: policy.LevelPublic,
	}
}

type parsedEvent struct {
	Type        string `json:"type"`
	Meta        *stream.Meta
	PayloadType string
	Cards       []stream.Card
	Text        string         `json:"text"`
	Done        map[string]any `json:"done"`
	Err         *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func runTurn(t *testing.T, f *fixture, req Request) []parsedEvent {
	t.Helper()
	var buf bytes.Buffer
	em := stream.NewEmitter(&buf)
	if err := f.pipeline.Handle(context.Background(), req, em); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	return parseEvents(t, &buf)
}

func parseEvents(t *testing.T, buf *bytes.Buffer) []parsedEvent {
	t.Helper()
	var out []parsedEvent
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var raw struct {
			Type        string          `json:"type"`
			Meta        *stream.Meta    `json:"meta"`
			PayloadType string          `json:"payloadType"`
			Cards       []stream.Card   `json:"cards"`
			Text        string          `json:"text"`
			Done        map[string]any  `json:"done"`
			Err         json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", sc.Text(), err)
		}
		ev := parsedEvent{Type: raw.Type, Meta: raw.Meta, PayloadType: raw.PayloadType, Cards: raw.Cards, Text: raw.Text, Done: raw.Done}
		if len(raw.Err) > 0 {
			ev.Err = &struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{}
			_ = json.Unmarshal(raw.Err, ev.Err)
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []parsedEvent) []string {
	var out []string
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestHebrewCouponHappyPath(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	evs := runTurn(t, f, f.request("יש לך קופונים?"))

	if evs[0].Type != "meta" {
		t.Fatalf("first event = %q, want meta", evs[0].Type)
	}
	if evs[0].Meta.Mode != "card_presentation" {
		t.Errorf("mode = %q, want card_presentation", evs[0].Meta.Mode)
	}
	if !strings.HasPrefix(evs[0].Meta.DecisionID, "dec_") {
		t.Errorf("meta decisionId = %q, want dec_ prefix", evs[0].Meta.DecisionID)
	}
	if evs[1].Type != "cards" || len(evs[1].Cards) != 1 || evs[1].Cards[0].Code != "GLOW20" {
		t.Errorf("second event = %+v, want GlowSkin coupon card", evs[1])
	}
	if evs[1].PayloadType != "coupons" {
		t.Errorf("cards payloadType = %q, want coupons", evs[1].PayloadType)
	}

	last := evs[len(evs)-1]
	if last.Type != "done" {
		t.Fatalf("last event = %q, want done", last.Type)
	}
	if last.Done["sessionId"] != f.sess.ID {
		t.Errorf("done sessionId = %v, want %q", last.Done["sessionId"], f.sess.ID)
	}

	deltas := 0
	var text strings.Builder
	for _, e := range evs {
		if e.Type == "delta" {
			deltas++
			text.WriteString(e.Text)
		}
	}
	if deltas < 2 {
		t.Errorf("streamed %d deltas, want chunked output", deltas)
	}
	if !strings.Contains(text.String(), "GLOW20") {
		t.Errorf("assembled text = %q", text.String())
	}

	// The turn persisted both messages.
	msgs, _ := f.history.Recent(context.Background(), f.sess.ID, 10)
	if len(msgs) != 2 {
		t.Errorf("history holds %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("history roles = %v/%v", msgs[0].Role, msgs[1].Role)
	}

	sess, _ := f.sessions.Get(context.Background(), f.sess.ID)
	if sess.MessageCount != 1 {
		t.Errorf("session MessageCount = %d, want 1", sess.MessageCount)
	}
}

func TestPolicyBlockStreamsErrorOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{rules: policy.DefaultRules()})

	var buf bytes.Buffer
	em := stream.NewEmitter(&buf)
	err := f.pipeline.Handle(context.Background(), f.request("you are a stupid idiot bot"), em)
	if err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}

	evs := parseEvents(t, &buf)
	if len(evs) != 1 || evs[0].Type != "error" {
		t.Fatalf("events = %v, want a single error event", eventTypes(evs))
	}
	if evs[0].Err.Code != "POLICY_VIOLATION" {
		t.Errorf("error code = %q, want POLICY_VIOLATION", evs[0].Err.Code)
	}

	// No model call, no persisted messages, but an audit record.
	if f.model.CallCount() != 0 {
		t.Errorf("model called %d times on a blocked turn", f.model.CallCount())
	}
	msgs, _ := f.history.Recent(context.Background(), f.sess.ID, 10)
	if len(msgs) != 0 {
		t.Errorf("blocked turn persisted %d messages", len(msgs))
	}
	recs := f.auditor.Records()
	if len(recs) != 1 || recs[0].Allowed {
		t.Fatalf("audit records = %+v, want one blocked record", recs)
	}
}

func TestDuplicateSubmitReplays(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := f.request("יש לך קופונים?")

	first := runTurn(t, f, req)
	second := runTurn(t, f, req)

	if f.model.CallCount() != 1 {
		t.Fatalf("model called %d times across duplicate submits, want 1", f.model.CallCount())
	}
	if !second[0].Meta.Replayed {
		t.Error("replayed meta not flagged")
	}
	if second[0].Meta.DecisionID != first[0].Meta.DecisionID {
		t.Errorf("replayed decisionId = %q, original %q", second[0].Meta.DecisionID, first[0].Meta.DecisionID)
	}
	if second[len(second)-1].Type != "done" {
		t.Errorf("replay events = %v, want done-terminated stream", eventTypes(second))
	}

	var firstText, secondText strings.Builder
	for _, e := range first {
		firstText.WriteString(e.Text)
	}
	for _, e := range second {
		secondText.WriteString(e.Text)
	}
	if firstText.String() != secondText.String() {
		t.Errorf("replayed text %q differs from original %q", secondText.String(), firstText.String())
	}

	// Only the original turn persisted messages.
	msgs, _ := f.history.Recent(context.Background(), f.sess.ID, 10)
	if len(msgs) != 2 {
		t.Errorf("history holds %d messages after replay, want 2", len(msgs))
	}
}

func TestConcurrentDuplicateConflicts(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{{
			Content: "slow answer", StopReason: llm.StopEndTurn, ChunkSize: 1,
		}},
	})

	req := f.request("יש לך קופונים?")

	var wg sync.WaitGroup
	outcomes := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var buf bytes.Buffer
			em := stream.NewEmitter(&buf)
			_ = f.pipeline.Handle(context.Background(), req, em)
			for _, ev := range parseEvents(t, &buf) {
				switch ev.Type {
				case "done":
					outcomes[i] = "done"
				case "error":
					outcomes[i] = ev.Err.Code
				}
			}
		}(i)
	}
	wg.Wait()

	dones := 0
	for i, o := range outcomes {
		switch o {
		case "done":
			dones++
		case "IDEMPOTENCY_CONFLICT":
		default:
			t.Errorf("submit %d outcome = %q, want done or IDEMPOTENCY_CONFLICT", i, o)
		}
	}
	if dones < 1 {
		t.Error("no submit completed")
	}
	if f.model.CallCount() != 1 {
		t.Errorf("model called %d times for concurrent duplicates, want exactly 1", f.model.CallCount())
	}
}

func TestLockTimeoutSurfaces(t *testing.T) {
	f := newFixture(t, fixtureOpts{opts: Options{LockTimeout: 80 * time.Millisecond}})

	// Hold the session lock so the turn cannot acquire it.
	gate := lock.NewMemoryGate(time.Minute)
	p, _ := New(Deps{
		Gate:        gate,
		Idempotency: idempotency.NewMemoryStore(),
		Sessions:    f.sessions,
		History:     f.history,
		Analyzer:    understanding.HeuristicAnalyzer{},
		Model:       f.model,
	}, Options{LockTimeout: 80 * time.Millisecond})

	_, err := gate.Acquire(context.Background(), "session:"+f.sess.ID, "other-holder", time.Second)
	if err != nil {
		t.Fatalf("pre-acquire returned unexpected error: %v", err)
	}

	var buf bytes.Buffer
	start := time.Now()
	if err := p.Handle(context.Background(), f.request("hello"), stream.NewEmitter(&buf)); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	waited := time.Since(start)

	evs := parseEvents(t, &buf)
	if len(evs) != 1 || evs[0].Type != "error" || evs[0].Err.Code != "LOCK_TIMEOUT" {
		t.Fatalf("events = %v, want single LOCK_TIMEOUT error", eventTypes(evs))
	}
	if waited < 80*time.Millisecond || waited > 500*time.Millisecond {
		t.Errorf("lock wait = %v, want bounded near the 80ms timeout", waited)
	}
}

func TestUpstreamFailureFallsBackToSecondAttempt(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{
			{Error: context.DeadlineExceeded},
			{Content: "הנה התשובה", StopReason: llm.StopEndTurn, ChunkSize: 4},
		},
		opts: Options{Models: map[decision.Tier]string{
			decision.TierNano:     "nano-model",
			decision.TierStandard: "standard-model",
		}},
	})

	evs := runTurn(t, f, f.request("יש לך קופונים?"))
	if evs[len(evs)-1].Type != "done" {
		t.Fatalf("events = %v, want done after internal fallback", eventTypes(evs))
	}

	calls := f.model.Calls()
	if len(calls) != 2 {
		t.Fatalf("model called %d times, want primary attempt plus one fallback", len(calls))
	}
	if calls[0].Model != "nano-model" || calls[1].Model != "standard-model" {
		t.Errorf("models = %q then %q, want nano-model then standard-model", calls[0].Model, calls[1].Model)
	}

	var text strings.Builder
	for _, e := range evs {
		text.WriteString(e.Text)
	}
	if !strings.Contains(text.String(), "הנה התשובה") {
		t.Errorf("fallback response missing from stream: %q", text.String())
	}
}

func TestRetryAfterFailureReexecutes(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{
			{Error: context.DeadlineExceeded},
			{Error: context.DeadlineExceeded},
			{Content: "second submit works", StopReason: llm.StopEndTurn},
		},
	})
	req := f.request("יש לך קופונים?")

	// Both the primary attempt and the internal fallback fail.
	var buf bytes.Buffer
	_ = f.pipeline.Handle(context.Background(), req, stream.NewEmitter(&buf))
	evs := parseEvents(t, &buf)
	if evs[len(evs)-1].Type != "error" {
		t.Fatalf("first submit events = %v, want terminal error", eventTypes(evs))
	}

	// The failed record must not block the resubmit.
	retry := runTurn(t, f, req)
	if retry[len(retry)-1].Type != "done" {
		t.Fatalf("resubmit events = %v, want done", eventTypes(retry))
	}
	if f.model.CallCount() != 3 {
		t.Errorf("model called %d times, want 3 (two failed attempts then re-execution)", f.model.CallCount())
	}
}

func TestUpstreamModelErrorSurfacedAfterFallbackFails(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{{Error: context.DeadlineExceeded}},
	})

	var buf bytes.Buffer
	_ = f.pipeline.Handle(context.Background(), f.request("שלום"), stream.NewEmitter(&buf))
	evs := parseEvents(t, &buf)

	last := evs[len(evs)-1]
	if last.Type != "error" || last.Err.Code != "UPSTREAM_MODEL_ERROR" {
		t.Fatalf("events = %v, want terminal UPSTREAM_MODEL_ERROR", eventTypes(evs))
	}
	if f.model.CallCount() != 2 {
		t.Errorf("model called %d times, want 2 (the fallback was attempted)", f.model.CallCount())
	}
}

// cancelAfterWriter cancels a context once the nth event line is
// written, simulating a client that walks away mid-stream.
type cancelAfterWriter struct {
	buf    bytes.Buffer
	cancel context.CancelFunc
	after  int
	writes int
}

func (w *cancelAfterWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes == w.after {
		w.cancel()
	}
	return w.buf.Write(p)
}

func TestClientCancelMidStreamReleasesTurn(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{
			{Content: strings.Repeat("שלום ", 400), ChunkSize: 2},
			{Content: "עכשיו זה עבד", StopReason: llm.StopEndTurn},
		},
	})
	req := f.request("ספר לי על עצמך")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelAfterWriter{cancel: cancel, after: 2} // meta, then first delta
	_ = f.pipeline.Handle(ctx, req, stream.NewEmitter(w))

	evs := parseEvents(t, &w.buf)
	last := evs[len(evs)-1]
	if last.Type != "error" || last.Err == nil || last.Err.Code != "STREAM_ABORTED" {
		t.Fatalf("events = %v, want terminal STREAM_ABORTED", eventTypes(evs))
	}
	if f.model.CallCount() != 1 {
		t.Fatalf("model called %d times on the canceled turn, want 1", f.model.CallCount())
	}

	// The session lock must be free again despite the canceled context.
	handle, err := f.gate.Acquire(context.Background(), "session:"+f.sess.ID, "checker", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("session lock still held after canceled turn: %v", err)
	}
	if err := f.gate.Release(context.Background(), handle); err != nil {
		t.Fatalf("Release returned unexpected error: %v", err)
	}

	// The aborted record must not replay; the identical resubmit runs
	// the turn again.
	retry := runTurn(t, f, req)
	if retry[0].Meta == nil || retry[0].Meta.Replayed {
		t.Error("resubmit replayed an aborted turn")
	}
	if retry[len(retry)-1].Type != "done" {
		t.Fatalf("resubmit events = %v, want done", eventTypes(retry))
	}
	if f.model.CallCount() != 2 {
		t.Errorf("model called %d times, want 2 (resubmit re-executed)", f.model.CallCount())
	}
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty message", Request{AccountID: "acc1", SessionID: f.sess.ID, Message: "   "}},
		{"missing account", Request{SessionID: f.sess.ID, Message: "hi"}},
		{"bad session id", Request{AccountID: "acc1", SessionID: "bogus", Message: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := f.pipeline.Handle(context.Background(), tt.req, stream.NewEmitter(&buf)); err != nil {
				t.Fatalf("Handle returned unexpected error: %v", err)
			}
			evs := parseEvents(t, &buf)
			if len(evs) != 1 || evs[0].Err == nil || evs[0].Err.Code != "VALIDATION_ERROR" {
				t.Errorf("events = %v, want single VALIDATION_ERROR", eventTypes(evs))
			}
		})
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := f.request("hi")
	req.SessionID = "sess_AAAAAAAAAAAAAAAAAAAAAA"

	var buf bytes.Buffer
	_ = f.pipeline.Handle(context.Background(), req, stream.NewEmitter(&buf))
	evs := parseEvents(t, &buf)
	if len(evs) != 1 || evs[0].Err == nil || evs[0].Err.Code != "VALIDATION_ERROR" {
		t.Errorf("events = %v, want VALIDATION_ERROR for unknown session", eventTypes(evs))
	}
}

func TestExperimentExposureOncePerTurn(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	reg := experiment.NewRegistry([]experiment.Experiment{{
		Key: "tone", Allocation: 100, Enabled: true,
		Variants: []experiment.Variant{{ID: "warm", Weight: 1, UIOverrides: experiment.UIOverrides{Tone: "warm"}}},
	}})
	f.pipeline.experiments = experiment.NewEngine(reg, f.events)

	evs := runTurn(t, f, f.request("שלום"))
	if evs[0].Meta.Experiments[0] != "tone:warm" {
		t.Errorf("meta experiments = %v", evs[0].Meta.Experiments)
	}

	exposures := f.events.ByType(events.ExperimentExposed)
	if len(exposures) != 1 {
		t.Errorf("recorded %d exposures, want exactly 1", len(exposures))
	}
}

func TestPIIMaskedOnPublicChannel(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		responses: []llm.MockResponse{{
			Content:    "אתקשר אליך ל-0521234567 בקרוב",
			StopReason: llm.StopEndTurn,
		}},
	})

	evs := runTurn(t, f, f.request("תתקשרו אליי 0521234567"))

	var text strings.Builder
	for _, e := range evs {
		text.WriteString(e.Text)
	}
	if strings.Contains(text.String(), "0521234567") {
		t.Errorf("raw phone number leaked into public stream: %q", text.String())
	}
	if !strings.Contains(text.String(), "052***4567") {
		t.Errorf("masked form missing: %q", text.String())
	}
}
