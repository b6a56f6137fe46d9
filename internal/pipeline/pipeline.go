// Package pipeline orchestrates one chat turn: identity, idempotency,
// locking, understanding, policy, experiments, decision, memory, and
// the streamed model response. Lock release and idempotency
// finalization are guaranteed on every exit path, including client
// cancellation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/chatflow/internal/audit"
	"github.com/szaher/chatflow/internal/decision"
	"github.com/szaher/chatflow/internal/events"
	"github.com/szaher/chatflow/internal/experiment"
	"github.com/szaher/chatflow/internal/history"
	"github.com/szaher/chatflow/internal/identity"
	"github.com/szaher/chatflow/internal/idempotency"
	"github.com/szaher/chatflow/internal/knowledge"
	"github.com/szaher/chatflow/internal/llm"
	"github.com/szaher/chatflow/internal/lock"
	"github.com/szaher/chatflow/internal/memory"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/session"
	"github.com/szaher/chatflow/internal/stream"
	"github.com/szaher/chatflow/internal/telemetry"
	"github.com/szaher/chatflow/internal/understanding"
)

// Options tune per-turn behavior.
type Options struct {
	LockTimeout         time.Duration
	LockTTL             time.Duration
	IdempotencyTTL      time.Duration
	TokenBudget         int
	ConfidenceThreshold float64

	// Models maps a decision tier to a concrete model name.
	Models map[decision.Tier]string
}

func (o *Options) setDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 100 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 5 * time.Minute
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = 2048
	}
	if o.Models == nil {
		o.Models = map[decision.Tier]string{}
	}
}

// Pipeline wires the stages together. All collaborators are interfaces
// so deployments choose memory, etcd, or Postgres backings per concern.
type Pipeline struct {
	opts Options

	gate        lock.Gate
	idem        idempotency.Store
	sessions    session.Store
	history     history.Store
	knowledge   knowledge.Store
	analyzer    understanding.Analyzer
	policy      policy.Evaluator
	experiments *experiment.Engine
	model       llm.Client
	compactor   *memory.Compactor
	auditor     audit.Recorder
	emitter     events.Emitter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Gate        lock.Gate
	Idempotency idempotency.Store
	Sessions    session.Store
	History     history.Store
	Knowledge   knowledge.Store
	Analyzer    understanding.Analyzer
	Policy      policy.Evaluator
	Experiments *experiment.Engine
	Model       llm.Client
	Compactor   *memory.Compactor
	Audit       audit.Recorder
	Events      events.Emitter
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// New builds a pipeline. Gate, Idempotency, Sessions, History, Model,
// and Analyzer are required; the rest default to no-ops.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Gate == nil:
		return nil, fmt.Errorf("pipeline: Gate is required")
	case deps.Idempotency == nil:
		return nil, fmt.Errorf("pipeline: Idempotency is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("pipeline: Sessions is required")
	case deps.History == nil:
		return nil, fmt.Errorf("pipeline: History is required")
	case deps.Model == nil:
		return nil, fmt.Errorf("pipeline: Model is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pipeline: Analyzer is required")
	}

	opts.setDefaults()
	if deps.Events == nil {
		deps.Events = events.NoopEmitter{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.LogRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Compactor == nil {
		deps.Compactor = memory.NewCompactor(nil, 0, deps.Logger)
	}
	if deps.Experiments == nil {
		deps.Experiments = experiment.NewEngine(experiment.NewRegistry(nil), deps.Events)
	}

	return &Pipeline{
		opts:        opts,
		gate:        deps.Gate,
		idem:        deps.Idempotency,
		sessions:    deps.Sessions,
		history:     deps.History,
		knowledge:   deps.Knowledge,
		analyzer:    deps.Analyzer,
		policy:      deps.Policy,
		experiments: deps.Experiments,
		model:       deps.Model,
		compactor:   deps.Compactor,
		auditor:     deps.Audit,
		emitter:     deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}, nil
}

// Request is one inbound chat turn.
type Request struct {
	AccountID   string
	SessionID   string
	Message     string
	ClientNonce string
	Security    policy.SecurityContext

	// RequiredLevel is the security level of the route class; the HTTP
	// layer resolves it from its route table.
	RequiredLevel policy.SecurityLevel
}

// TurnResult is the persisted outcome of a successful turn. It is the
// payload cached by the idempotency store and replayed for duplicate
// submits.
type TurnResult struct {
	Content      string                `json:"content"`
	Mode         decision.Mode         `json:"mode"`
	DecisionID   string                `json:"decisionId"`
	UIDirectives decision.UIDirectives `json:"uiDirectives"`
	Cards        []stream.Card         `json:"cards,omitempty"`
	Usage        llm.TokenUsage        `json:"usage"`
	CostUSD      float64               `json:"costUsd"`
}

// Handle runs one turn, writing the NDJSON event sequence to em. The
// returned error reports failures that could not be surfaced on the
// stream (the emitter already closed, or the client went away).
func (p *Pipeline) Handle(ctx context.Context, req Request, em *stream.Emitter) error {
	id := identity.NewRequestIdentity()
	ctx = telemetry.WithTrace(ctx, id.TraceID, id.RequestID)
	logger := telemetry.RequestLogger(p.logger, ctx)
	timer := telemetry.NewStageTimer(p.metrics, logger)

	if err := validate(req); err != nil {
		return p.fail(em, err)
	}

	sess, err := p.sessions.Get(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return p.fail(em, NewError(KindValidation, "unknown or expired session", err))
		}
		return p.fail(em, NewError(KindInternal, "session lookup failed", err))
	}

	p.emitter.Emit(events.New(events.MessageReceived).
		WithScope(req.AccountID, req.SessionID).
		WithTrace(id.TraceID, id.RequestID))

	// Idempotency claim: replay, conflict, or run.
	idemKey := identity.IdempotencyKey(req.AccountID, req.SessionID, req.Message, req.ClientNonce)
	claim, err := p.idem.Claim(ctx, idemKey, id.RequestID, p.opts.IdempotencyTTL)
	if err != nil {
		return p.fail(em, NewError(KindInternal, "idempotency claim failed", err))
	}
	switch claim.State {
	case idempotency.AlreadyCompleted:
		p.recordClaim("replayed")
		p.recordTurn("replayed")
		return p.replay(id, req, claim.Result, em)
	case idempotency.AlreadyPending:
		p.recordClaim("pending")
		return p.fail(em, NewError(KindConflict, "an identical request is already being processed", nil))
	}
	p.recordClaim("acquired")

	// The slot is ours: from here on, every exit must finalize the
	// record. completed flips only after Complete succeeds.
	completed := false
	defer func() {
		if !completed {
			if err := p.idem.Fail(context.WithoutCancel(ctx), idemKey); err != nil {
				logger.Error("idempotency finalize failed", "error", err)
			}
		}
	}()

	// Session lock: serialize concurrent turns for this conversation.
	lockStart := time.Now()
	handle, err := p.gate.Acquire(ctx, "session:"+req.SessionID, id.RequestID, p.opts.LockTimeout)
	if p.metrics != nil {
		p.metrics.RecordLockWait(time.Since(lockStart))
	}
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			if p.metrics != nil {
				p.metrics.RecordLockTimeout()
			}
			p.emitter.Emit(events.New(events.LockTimeout).
				WithScope(req.AccountID, req.SessionID).
				WithTrace(id.TraceID, id.RequestID))
			return p.fail(em, NewError(KindLockTimeout, "the conversation is busy, try again", err))
		}
		return p.fail(em, NewError(KindInternal, "lock acquisition failed", err))
	}
	defer func() {
		if err := p.gate.Release(context.WithoutCancel(ctx), handle); err != nil {
			logger.Error("lock release failed", "error", err)
		}
	}()

	result, err := p.run(ctx, id, req, sess, em, timer, logger)
	if err != nil {
		p.recordTurn("error")
		return p.fail(em, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		logger.Error("marshal turn result", "error", err)
	} else if err := p.idem.Complete(context.WithoutCancel(ctx), idemKey, payload); err != nil {
		logger.Error("idempotency complete failed", "error", err)
	} else {
		completed = true
	}
	p.recordTurn("ok")
	return nil
}

// run executes the stages once claims and locks are held.
func (p *Pipeline) run(
	ctx context.Context,
	id identity.RequestIdentity,
	req Request,
	sess *session.Session,
	em *stream.Emitter,
	timer *telemetry.StageTimer,
	logger *slog.Logger,
) (*TurnResult, error) {
	// Understanding. Brand names feed the entity lexicon; both lookups
	// are best-effort.
	var brands []knowledge.Brand
	if p.knowledge != nil {
		if b, err := p.knowledge.Brands(ctx, req.AccountID); err == nil {
			brands = b
		}
	}

	var und *understanding.Result
	err := timer.Time("understanding", func() error {
		var err error
		und, err = p.analyzer.Analyze(ctx, understanding.Input{
			Message:   req.Message,
			AccountID: req.AccountID,
			SessionID: req.SessionID,
			Brands:    knowledge.BrandNames(brands),
		})
		return err
	})
	if err != nil || und == nil {
		logger.Warn("understanding degraded", "error", err)
		und = understanding.Unknown()
	}
	p.emitter.Emit(events.New(events.IntentDetected).
		WithScope(req.AccountID, req.SessionID).
		WithTrace(id.TraceID, id.RequestID).
		WithData("intent", string(und.Intent)).
		WithData("confidence", und.Confidence))

	// Policy. A block is audited and streams a single error event;
	// nothing else persists.
	msgHash := identity.HashMessage(req.Message)
	var polres *policy.Result
	if p.policy != nil {
		err = timer.Time("policy", func() error {
			var err error
			polres, err = p.policy.Evaluate(ctx, policy.Input{
				AccountID:     req.AccountID,
				SessionID:     req.SessionID,
				Message:       req.Message,
				Understanding: und,
				Security:      req.Security,
				RequiredLevel: req.RequiredLevel,
			})
			return err
		})
		if err != nil {
			return nil, NewError(KindInternal, "policy evaluation failed", err)
		}

		p.auditor.Record(ctx, audit.FromPolicy(
			id.TraceID, req.AccountID, req.SessionID, string(req.Security.Channel),
			msgHash, polres.Allowed, polres.BlockedBy, polres.ReasonCodes))

		if !polres.Allowed {
			if p.metrics != nil {
				p.metrics.RecordPolicyBlock(polres.BlockedBy)
			}
			p.emitter.Emit(events.New(events.PolicyBlocked).
				WithScope(req.AccountID, req.SessionID).
				WithTrace(id.TraceID, id.RequestID).
				WithData("rule", polres.BlockedBy))
			p.recordTurn("policy_blocked")
			return nil, NewError(blockKind(polres), polres.Message, nil)
		}
	}

	// Experiments: deterministic assignment, exposure recorded exactly
	// once per turn.
	subject := identity.AnonID(req.SessionID)
	assignments := p.experiments.Assign(subject, string(und.Intent))
	p.experiments.TrackExposure(ctx, req.AccountID, req.SessionID, subject, assignments)
	if p.metrics != nil {
		for _, a := range assignments {
			p.metrics.RecordExposure(a.ExperimentKey, a.VariantID)
		}
	}

	// Decision.
	dec := decision.Decide(decision.Input{
		Understanding:       und,
		Policy:              polres,
		Assignments:         assignments,
		ConfidenceThreshold: p.opts.ConfidenceThreshold,
	})
	decisionID := identity.NewDecisionID()
	p.emitter.Emit(events.New(events.DecisionMade).
		WithScope(req.AccountID, req.SessionID).
		WithTrace(id.TraceID, id.RequestID).
		WithData("decision_id", decisionID).
		WithData("mode", string(dec.Mode)))

	// Conversation memory.
	var memctx *memory.Context
	err = timer.Time("memory", func() error {
		past, err := p.history.Recent(ctx, req.SessionID, 100)
		if err != nil {
			return err
		}
		summary, err := p.history.Summary(ctx, req.SessionID)
		if err != nil {
			return err
		}
		memctx = memory.BuildContext(
			history.AsPromptMessages(past), summary,
			llm.Message{Role: llm.RoleUser, Content: req.Message},
			p.opts.TokenBudget)
		memctx = p.compactor.MaybeCompact(ctx, memctx, sess.MessageCount+1)
		return nil
	})
	if err != nil {
		return nil, NewError(KindInternal, "context assembly failed", err)
	}
	if memctx.SummaryUpdated {
		p.emitter.Emit(events.New(events.SummaryCompacted).
			WithScope(req.AccountID, req.SessionID).
			WithTrace(id.TraceID, id.RequestID))
	}

	// Shell first: the client renders from meta before any model token.
	meta := stream.Meta{
		TraceID:      id.TraceID,
		RequestID:    id.RequestID,
		DecisionID:   decisionID,
		SessionID:    req.SessionID,
		Mode:         dec.Mode,
		UIDirectives: dec.UIDirectives,
	}
	for _, a := range assignments {
		meta.Experiments = append(meta.Experiments, a.ExperimentKey+":"+a.VariantID)
	}
	if err := em.Meta(meta); err != nil {
		return nil, NewError(KindStreamAborted, "client disconnected", err)
	}
	p.recordStreamEvent("meta")

	var cards []stream.Card
	if dec.Mode == decision.ModeCardPresentation && p.knowledge != nil {
		coupons, err := p.knowledge.Coupons(ctx, req.AccountID, und.SearchKeywords)
		if err != nil {
			logger.Warn("coupon lookup failed", "error", err)
		}
		if len(coupons) > 0 {
			cards = stream.CardsFromCoupons(coupons)
			if err := em.Cards(stream.PayloadCoupons, cards); err != nil {
				return nil, NewError(KindStreamAborted, "client disconnected", err)
			}
			p.recordStreamEvent("cards")
		}
	}

	// Model call.
	chatReq := llm.ChatRequest{
		Model:     p.modelFor(dec.ModelStrategy.Tier),
		System:    p.systemPrompt(ctx, req.AccountID, dec, cards),
		Messages:  memctx.PromptMessages(),
		MaxTokens: dec.ModelStrategy.MaxTokens,
	}

	modelStart := time.Now()
	final, content, err := p.streamModel(ctx, em, chatReq, dec.MaskPII, und.Entities)
	if err != nil {
		pe := AsError(err)
		if pe.Kind != KindUpstreamModel {
			return nil, err
		}

		// One internal retry on the fallback tier before surfacing.
		// Deltas already on the wire stay there; the retry continues
		// the same stream.
		retryReq := chatReq
		retryReq.Model = p.modelFor(dec.ModelStrategy.Fallback)
		logger.Warn("model call failed, retrying on fallback",
			"model", chatReq.Model, "fallback", retryReq.Model, "error", err)
		p.recordModelRetry()

		var more string
		final, more, err = p.streamModel(ctx, em, retryReq, dec.MaskPII, und.Entities)
		if err != nil {
			return nil, err
		}
		content += more
	}

	tier := string(dec.ModelStrategy.Tier)
	if p.metrics != nil {
		p.metrics.RecordModelCall(tier, time.Since(modelStart), final.Usage.InputTokens, final.Usage.OutputTokens)
	}

	cost := llm.EstimateCost(tier, final.Usage)
	done := stream.Done{
		SessionID:      req.SessionID,
		LatencyMs:      timer.Elapsed().Milliseconds(),
		Usage:          final.Usage,
		CostUSD:        cost,
		StopReason:     final.StopReason,
		SummaryUpdated: memctx.SummaryUpdated,
	}
	if err := em.Done(done); err != nil {
		return nil, NewError(KindStreamAborted, "client disconnected", err)
	}
	p.recordStreamEvent("done")

	// Post-stream persistence. The client already has its answer, so
	// failures here are logged, never surfaced.
	p.persist(context.WithoutCancel(ctx), req, msgHash, content, memctx, logger)

	p.emitter.Emit(events.New(events.ResponseSent).
		WithScope(req.AccountID, req.SessionID).
		WithTrace(id.TraceID, id.RequestID).
		WithData("mode", string(dec.Mode)).
		WithData("tokens", final.Usage.Total()))

	return &TurnResult{
		Content:      content,
		Mode:         dec.Mode,
		DecisionID:   decisionID,
		UIDirectives: dec.UIDirectives,
		Cards:        cards,
		Usage:        final.Usage,
		CostUSD:      cost,
	}, nil
}

// streamModel runs one model attempt, forwarding masked deltas to the
// emitter. It returns the final response and the text streamed so far;
// on error the text is what already reached the client.
func (p *Pipeline) streamModel(
	ctx context.Context,
	em *stream.Emitter,
	chatReq llm.ChatRequest,
	maskPII bool,
	ent understanding.Entities,
) (*llm.ChatResponse, string, error) {
	ch, err := p.model.ChatStream(ctx, chatReq)
	if err != nil {
		return nil, "", NewError(KindUpstreamModel, "the assistant is unavailable right now", err)
	}

	var final *llm.ChatResponse
	var text strings.Builder
	for ev := range ch {
		switch ev.Type {
		case "text":
			chunk := ev.Text
			if maskPII {
				chunk = policy.MaskText(chunk, ent.PhoneNumbers, ent.OrderNumbers)
			}
			text.WriteString(chunk)
			if err := em.Delta(chunk); err != nil {
				return nil, text.String(), NewError(KindStreamAborted, "client disconnected", err)
			}
			p.recordStreamEvent("delta")
		case "done":
			final = ev.Response
		case "error":
			if ctx.Err() != nil {
				return nil, text.String(), NewError(KindStreamAborted, "request canceled", ctx.Err())
			}
			return nil, text.String(), NewError(KindUpstreamModel, "the assistant is unavailable right now", ev.Error)
		}
	}
	if final == nil {
		if ctx.Err() != nil {
			return nil, text.String(), NewError(KindStreamAborted, "request canceled", ctx.Err())
		}
		return nil, text.String(), NewError(KindUpstreamModel, "model stream ended without a result", nil)
	}
	return final, text.String(), nil
}

// persist writes the turn's messages, summary, and session bump.
func (p *Pipeline) persist(ctx context.Context, req Request, msgHash, response string, memctx *memory.Context, logger *slog.Logger) {
	if _, err := p.history.Append(ctx, history.Message{
		SessionID:   req.SessionID,
		Role:        llm.RoleUser,
		Content:     req.Message,
		ContentHash: msgHash,
	}); err != nil {
		logger.Error("persist user message", "error", err)
	}
	if _, err := p.history.Append(ctx, history.Message{
		SessionID: req.SessionID,
		Role:      llm.RoleAssistant,
		Content:   response,
	}); err != nil {
		logger.Error("persist assistant message", "error", err)
	}
	if memctx.SummaryUpdated {
		if err := p.history.SaveSummary(ctx, req.SessionID, memctx.RollingSummary); err != nil {
			logger.Error("persist summary", "error", err)
		}
	}
	if err := p.sessions.Touch(ctx, req.SessionID); err != nil {
		logger.Error("session touch", "error", err)
	}
}

// replay re-emits a completed turn from its cached result.
func (p *Pipeline) replay(id identity.RequestIdentity, req Request, payload json.RawMessage, em *stream.Emitter) error {
	var result TurnResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return p.fail(em, NewError(KindInternal, "cached result is unreadable", err))
	}

	if err := em.Meta(stream.Meta{
		TraceID:      id.TraceID,
		RequestID:    id.RequestID,
		DecisionID:   result.DecisionID,
		SessionID:    req.SessionID,
		Mode:         result.Mode,
		UIDirectives: result.UIDirectives,
		Replayed:     true,
	}); err != nil {
		return err
	}
	if len(result.Cards) > 0 {
		if err := em.Cards(stream.PayloadCoupons, result.Cards); err != nil {
			return err
		}
	}
	if result.Content != "" {
		if err := em.Delta(result.Content); err != nil {
			return err
		}
	}
	return em.Done(stream.Done{SessionID: req.SessionID, Usage: result.Usage, CostUSD: result.CostUSD})
}

// fail surfaces a classified error as the stream's terminal event.
func (p *Pipeline) fail(em *stream.Emitter, err error) error {
	pe := AsError(err)
	p.logger.Warn("turn failed", "kind", string(pe.Kind), "error", pe.Error())

	if em.Closed() {
		return pe
	}
	if emitErr := em.Error(string(pe.Kind), pe.Message); emitErr != nil {
		return fmt.Errorf("emit error event: %w (original: %w)", emitErr, pe)
	}
	p.recordStreamEvent("error")
	return nil
}

func (p *Pipeline) modelFor(tier decision.Tier) string {
	if m, ok := p.opts.Models[tier]; ok {
		return m
	}
	if m, ok := p.opts.Models[decision.TierStandard]; ok {
		return m
	}
	return "claude-3-5-haiku-latest"
}

// systemPrompt assembles the persona-grounded system prompt for the
// turn, honoring tone, length, and coupon grounding.
func (p *Pipeline) systemPrompt(ctx context.Context, accountID string, dec *decision.Decision, cards []stream.Card) string {
	var b strings.Builder

	if p.knowledge != nil {
		if persona, err := p.knowledge.Persona(ctx, accountID); err == nil && persona.SystemPrompt != "" {
			b.WriteString(persona.SystemPrompt)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		b.WriteString("You are a helpful assistant for a creator's audience. Answer in the user's language.\n")
	}

	if dec.UIDirectives.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", dec.UIDirectives.Tone)
	}
	if dec.UIDirectives.ResponseLength == "short" {
		b.WriteString("Keep the answer to one or two sentences.\n")
	}
	if dec.ModelStrategy.PromptVariant != "" {
		fmt.Fprintf(&b, "Style variant: %s.\n", dec.ModelStrategy.PromptVariant)
	}
	if len(cards) > 0 {
		b.WriteString("The client is already showing these coupon cards; refer to them, do not repeat codes:\n")
		for _, c := range cards {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Brand, c.Code)
		}
	}
	return b.String()
}

func (p *Pipeline) recordTurn(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTurn(outcome)
	}
}

func (p *Pipeline) recordClaim(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordClaim(outcome)
	}
}

func (p *Pipeline) recordStreamEvent(t string) {
	if p.metrics != nil {
		p.metrics.RecordStreamEvent(t)
	}
}

func (p *Pipeline) recordModelRetry() {
	if p.metrics != nil {
		p.metrics.RecordModelRetry()
	}
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.Message) == "":
		return NewError(KindValidation, "message must not be empty", nil)
	case len(req.Message) > 4000:
		return NewError(KindValidation, "message too long", nil)
	case req.AccountID == "":
		return NewError(KindValidation, "account is required", nil)
	case !session.ValidID(req.SessionID):
		return NewError(KindValidation, "malformed session id", nil)
	}
	return nil
}

func blockKind(res *policy.Result) Kind {
	switch res.BlockedBy {
	case "security_level":
		return KindUnauthorized
	case "rate_limit":
		return KindRateLimited
	default:
		return KindPolicy
	}
}
