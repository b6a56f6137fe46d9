// Package understanding classifies an inbound chat message: intent,
// extracted entities, sentiment, risk flags, and route hints for the
// decision stage. Classification is advisory and must never fail the
// turn; analyzers degrade to intent "unknown" instead of erroring.
package understanding

import (
	"context"
	"time"
)

// Intent is the coarse classification of what the user wants.
type Intent string

const (
	IntentGeneral      Intent = "general"       // chat, greeting, small talk
	IntentSupport      Intent = "support"       // problem, complaint, order issue
	IntentSales        Intent = "sales"         // wants to buy, pricing
	IntentCoupon       Intent = "coupon"        // asking for coupon/discount
	IntentHandoffHuman Intent = "handoff_human" // explicitly wants a human
	IntentAbuse        Intent = "abuse"         // harassment, spam
	IntentUnknown      Intent = "unknown"
)

// Sentiment is the coarse emotional tone of the message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Urgency grades how time-sensitive the message appears.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Handler is the route hint for the decision stage.
type Handler string

const (
	HandlerChat        Handler = "chat"
	HandlerSupportFlow Handler = "support_flow"
	HandlerSalesFlow   Handler = "sales_flow"
	HandlerHuman       Handler = "human"
)

// Entities are the structured fragments extracted from the message.
type Entities struct {
	Brands       []string `json:"brands,omitempty"`
	Coupons      []string `json:"coupons,omitempty"`
	Products     []string `json:"products,omitempty"`
	OrderNumbers []string `json:"orderNumbers,omitempty"`
	PhoneNumbers []string `json:"phoneNumbers,omitempty"`
	Platforms    []string `json:"platforms,omitempty"`
}

// RiskFlags mark content that needs special handling downstream.
type RiskFlags struct {
	Privacy    bool `json:"privacy"` // PII detected
	Legal      bool `json:"legal"`
	Medical    bool `json:"medical"`
	Harassment bool `json:"harassment"`
	Financial  bool `json:"financial"`
}

// Any reports whether at least one risk flag is set.
func (r RiskFlags) Any() bool {
	return r.Privacy || r.Legal || r.Medical || r.Harassment || r.Financial
}

// RouteHints carry the analyzer's routing suggestion.
type RouteHints struct {
	SuggestedHandler Handler `json:"suggestedHandler"`
}

// Result is the full output of message analysis.
type Result struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"` // 0..1
	Topic      string  `json:"topic"`

	Entities  Entities  `json:"entities"`
	Urgency   Urgency   `json:"urgency"`
	Sentiment Sentiment `json:"sentiment"`

	Risk          RiskFlags  `json:"risk"`
	RequiresHuman bool       `json:"requiresHuman"`
	RouteHints    RouteHints `json:"routeHints"`

	// SearchKeywords are content terms stripped of conversational
	// wrappers, used for knowledge retrieval instead of the raw text.
	SearchKeywords []string `json:"searchKeywords,omitempty"`

	ProcessingTime time.Duration `json:"-"`
}

// Input carries the message plus account context for analysis.
type Input struct {
	Message   string
	AccountID string
	SessionID string

	// Brands known for the account, used to spot brand mentions.
	Brands []string

	// PreviousIntent, when known, biases ambiguous follow-ups.
	PreviousIntent Intent
}

// Analyzer turns a message into a Result. Implementations must not
// return an error for unclassifiable input; that is what
// IntentUnknown with confidence 0 is for.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*Result, error)
}

// HandlerFor maps an intent to its default handler.
func HandlerFor(intent Intent) Handler {
	switch intent {
	case IntentSupport:
		return HandlerSupportFlow
	case IntentSales:
		return HandlerSalesFlow
	case IntentHandoffHuman, IntentAbuse:
		return HandlerHuman
	default:
		return HandlerChat
	}
}

// Unknown returns the safe default result for a message that could not
// be analyzed.
func Unknown() *Result {
	return &Result{
		Intent:     IntentUnknown,
		Confidence: 0,
		Topic:      "general",
		Urgency:    UrgencyLow,
		Sentiment:  SentimentNeutral,
		RouteHints: RouteHints{SuggestedHandler: HandlerChat},
	}
}
