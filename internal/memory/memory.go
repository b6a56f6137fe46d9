// Package memory assembles the bounded prompt context for a turn: a
// rolling summary plus a window of the most recent turns, kept under a
// token budget by explicit, observable compaction.
package memory

import (
	"context"

	"github.com/szaher/chatflow/internal/llm"
)

// Context is the prompt context assembled for one turn. RecentTurns is
// ordered most-recent-last; Overflow holds the turns that no longer fit
// and are waiting to be folded into the rolling summary.
type Context struct {
	RollingSummary  string
	RecentTurns     []llm.Message
	Overflow        []llm.Message
	BudgetRemaining int

	// SummaryUpdated is set when this turn's compaction rewrote the
	// rolling summary.
	SummaryUpdated bool
}

// EstimatedTokens returns the estimated token size of the context as it
// will be sent to the model (summary + recent turns).
func (c *Context) EstimatedTokens() int {
	n := 0
	if c.RollingSummary != "" {
		n += llm.EstimateTokens(c.RollingSummary) + 4
	}
	for _, m := range c.RecentTurns {
		n += llm.EstimateMessageTokens(m)
	}
	return n
}

// PromptMessages renders the context as model messages. The rolling
// summary rides as a leading assistant message, the way the model saw
// the conversation it summarizes.
func (c *Context) PromptMessages() []llm.Message {
	var msgs []llm.Message
	if c.RollingSummary != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleAssistant,
			Content: "[Previous conversation summary: " + c.RollingSummary + "]",
		})
	}
	return append(msgs, c.RecentTurns...)
}

// Summarizer folds conversation turns into a rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, existingSummary string, turns []llm.Message) (string, error)
}

// summaryReserve is the share of the token budget set aside for the
// rolling summary; recent turns fill the rest.
const summaryReserve = 4 // one quarter

// BuildContext selects the longest suffix of history (plus newMessage)
// that fits tokenBudget after reserving room for the rolling summary.
// Turns that no longer fit land in Overflow; they stay part of the
// conversation until MaybeCompact folds them into the summary. The
// returned context never exceeds the budget.
func BuildContext(history []llm.Message, summary string, newMessage llm.Message, tokenBudget int) *Context {
	if tokenBudget <= 0 {
		tokenBudget = 2048
	}

	reserve := tokenBudget / summaryReserve
	summaryCost := 0
	if summary != "" {
		summaryCost = llm.EstimateTokens(summary) + 4
		if summaryCost > reserve {
			// An oversized summary eats into the turn window rather
			// than busting the total budget.
			reserve = summaryCost
		}
	}

	budget := tokenBudget - reserve
	used := llm.EstimateMessageTokens(newMessage)

	// Walk from the newest turn backwards until the window is full.
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := llm.EstimateMessageTokens(history[i])
		if used+cost > budget {
			break
		}
		used += cost
		cut = i
	}

	recent := make([]llm.Message, 0, len(history)-cut+1)
	recent = append(recent, history[cut:]...)
	recent = append(recent, newMessage)

	var overflow []llm.Message
	if cut > 0 {
		overflow = append(overflow, history[:cut]...)
	}

	return &Context{
		RollingSummary:  summary,
		RecentTurns:     recent,
		Overflow:        overflow,
		BudgetRemaining: tokenBudget - used - summaryCost,
	}
}
