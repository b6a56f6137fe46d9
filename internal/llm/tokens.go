package llm

import (
	"unicode/utf8"
)

// EstimateTokens approximates the token count of a text. The pipeline
// uses it only for context budgeting, never for billing, so a rough
// chars/4 heuristic is enough. Hebrew and other non-ASCII text packs
// fewer characters per token, so multibyte runes weigh double.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	weight := 0
	for _, r := range text {
		if utf8.RuneLen(r) > 1 {
			weight += 2
		} else {
			weight++
		}
	}
	n := weight / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessageTokens approximates the token count of a message,
// including a small per-message framing overhead.
func EstimateMessageTokens(m Message) int {
	return EstimateTokens(m.Content) + 4
}

// Per-million-token USD prices by model tier. Values follow the
// published price sheets at the time of writing; config can override.
var tierPrices = map[string]struct{ input, output float64 }{
	"nano":     {0.10, 0.40},
	"standard": {1.00, 5.00},
	"full":     {3.00, 15.00},
}

// EstimateCost returns a rough USD cost for a call on the given tier.
// Unknown tiers price as "standard".
func EstimateCost(tier string, usage TokenUsage) float64 {
	p, ok := tierPrices[tier]
	if !ok {
		p = tierPrices["standard"]
	}
	return float64(usage.InputTokens)*p.input/1e6 + float64(usage.OutputTokens)*p.output/1e6
}
