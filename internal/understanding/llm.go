package understanding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/chatflow/internal/llm"
)

const classifyPrompt = `You classify a single chat message for a commerce assistant.
Respond with ONLY a JSON object, no prose:
{"intent":"general|support|sales|coupon|handoff_human|abuse|unknown",
"confidence":0.0,
"topic":"...",
"sentiment":"positive|neutral|negative",
"urgency":"low|medium|high|critical"}
The message may be in Hebrew or English.`

// LLMAnalyzer refines the heuristic classification with a cheap model
// call. The heuristic result is computed first and used whole whenever
// the model times out, errors, or returns something unparseable, so the
// stage stays sub-second and never fails the turn.
type LLMAnalyzer struct {
	client    llm.Client
	model     string
	timeout   time.Duration
	heuristic HeuristicAnalyzer
	logger    *slog.Logger
}

// NewLLMAnalyzer wraps client as an Analyzer. timeout bounds the model
// call; 0 means 800ms.
func NewLLMAnalyzer(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *LLMAnalyzer {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAnalyzer{client: client, model: model, timeout: timeout, logger: logger}
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	base, _ := a.heuristic.Analyze(ctx, in)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:     a.model,
		System:    classifyPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: in.Message}},
		MaxTokens: 200,
	})
	if err != nil {
		a.logger.Debug("model classification failed, keeping heuristic result", "error", err)
		return base, nil
	}

	refined, err := parseClassification(resp.Content)
	if err != nil {
		a.logger.Debug("unparseable model classification", "error", err)
		return base, nil
	}

	// Entities, risk, and keywords come from the heuristic pass; the
	// model only sharpens the classification fields.
	out := *base
	out.Intent = refined.intent
	out.Confidence = refined.confidence
	if refined.topic != "" {
		out.Topic = refined.topic
	}
	out.Sentiment = refined.sentiment
	out.Urgency = refined.urgency
	out.RequiresHuman = out.RequiresHuman || out.Intent == IntentHandoffHuman
	out.RouteHints.SuggestedHandler = HandlerFor(out.Intent)
	if out.RequiresHuman {
		out.RouteHints.SuggestedHandler = HandlerHuman
	}
	out.ProcessingTime = time.Since(start)
	return &out, nil
}

type classification struct {
	intent     Intent
	confidence float64
	topic      string
	sentiment  Sentiment
	urgency    Urgency
}

var validIntents = map[Intent]bool{
	IntentGeneral: true, IntentSupport: true, IntentSales: true,
	IntentCoupon: true, IntentHandoffHuman: true, IntentAbuse: true,
	IntentUnknown: true,
}

// parseClassification validates the model's JSON, tolerating code
// fences and normalizing out-of-range fields instead of rejecting them.
func parseClassification(content string) (*classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Topic      string  `json:"topic"`
		Sentiment  string  `json:"sentiment"`
		Urgency    string  `json:"urgency"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}

	c := &classification{
		intent:     Intent(raw.Intent),
		confidence: raw.Confidence,
		topic:      raw.Topic,
		sentiment:  Sentiment(raw.Sentiment),
		urgency:    Urgency(raw.Urgency),
	}
	if !validIntents[c.intent] {
		c.intent = IntentUnknown
	}
	if c.confidence < 0 {
		c.confidence = 0
	} else if c.confidence > 1 {
		c.confidence = 1
	}
	switch c.sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
	default:
		c.sentiment = SentimentNeutral
	}
	switch c.urgency {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
	default:
		c.urgency = UrgencyLow
	}
	return c, nil
}
