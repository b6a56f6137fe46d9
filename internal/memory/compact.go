package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/chatflow/internal/llm"
)

// Compactor applies the summary-update policy and drives a Summarizer.
// The model-backed summarizer is only consulted every refreshEvery
// turns; between refreshes, overflow folds through the deterministic
// fallback so the context still never exceeds its budget.
type Compactor struct {
	summarizer   Summarizer
	fallback     Summarizer
	refreshEvery int
	logger       *slog.Logger
}

// NewCompactor creates a compactor. summarizer may be nil, in which
// case every compaction uses the deterministic fallback.
func NewCompactor(summarizer Summarizer, refreshEvery int, logger *slog.Logger) *Compactor {
	if refreshEvery <= 0 {
		refreshEvery = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		summarizer:   summarizer,
		fallback:     FallbackSummarizer{},
		refreshEvery: refreshEvery,
		logger:       logger,
	}
}

// MaybeCompact folds c.Overflow into the rolling summary when present.
// turn is the session's message count, used to gate model-backed
// refreshes. Summarizer failures degrade to the fallback; they never
// fail the turn.
func (cp *Compactor) MaybeCompact(ctx context.Context, c *Context, turn int) *Context {
	if len(c.Overflow) == 0 {
		return c
	}

	summarizer := cp.fallback
	if cp.summarizer != nil && turn%cp.refreshEvery == 0 {
		summarizer = cp.summarizer
	}

	summary, err := summarizer.Summarize(ctx, c.RollingSummary, c.Overflow)
	if err != nil {
		cp.logger.Warn("summary update failed, using fallback", "error", err)
		summary, _ = cp.fallback.Summarize(ctx, c.RollingSummary, c.Overflow)
	}

	out := *c
	out.RollingSummary = capSummary(summary)
	out.Overflow = nil
	out.SummaryUpdated = true
	return &out
}

// maxSummaryRunes bounds rolling-summary growth across many fallback
// compactions; the newest material wins.
const maxSummaryRunes = 2000

func capSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryRunes {
		return s
	}
	return "…" + string(runes[len(runes)-maxSummaryRunes:])
}

// LLMSummarizer folds turns into a summary with a cheap model call.
type LLMSummarizer struct {
	Client    llm.Client
	Model     string
	MaxTokens int
}

// Summarize implements Summarizer.
func (s LLMSummarizer) Summarize(ctx context.Context, existingSummary string, turns []llm.Message) (string, error) {
	var b strings.Builder
	if existingSummary != "" {
		b.WriteString("Summary so far: ")
		b.WriteString(existingSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New turns:\n")
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}

	resp, err := s.Client.Chat(ctx, llm.ChatRequest{
		Model: s.Model,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: "Summarize this conversation concisely, preserving key facts, " +
				"open requests, and decisions. Keep the user's language.\n\n" + b.String(),
		}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize context: %w", err)
	}
	return resp.Content, nil
}

// FallbackSummarizer is a deterministic, model-free summarizer: it
// keeps the head of each folded turn. Lossy, but bounded and free.
type FallbackSummarizer struct{}

const fallbackTurnLimit = 120 // runes kept per folded turn

// Summarize implements Summarizer.
func (FallbackSummarizer) Summarize(_ context.Context, existingSummary string, turns []llm.Message) (string, error) {
	var parts []string
	if existingSummary != "" {
		parts = append(parts, existingSummary)
	}
	for _, m := range turns {
		content := m.Content
		if runes := []rune(content); len(runes) > fallbackTurnLimit {
			content = string(runes[:fallbackTurnLimit]) + "…"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", m.Role, content))
	}
	return strings.Join(parts, " | "), nil
}
