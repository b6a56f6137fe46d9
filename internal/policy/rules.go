package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/szaher/chatflow/internal/understanding"
)

// Rule is a declarative policy rule. When is an expression over the
// evaluation environment (see ruleEnv); it is compiled once at engine
// construction and evaluated per turn.
type Rule struct {
	ID         string    `yaml:"id"`
	When       string    `yaml:"when"`
	Action     string    `yaml:"action"` // "block" or "override"
	ReasonCode string    `yaml:"reasonCode"`
	Message    string    `yaml:"message"` // user-facing, block rules only
	Overrides  Overrides `yaml:"overrides"`
}

// Input is everything a rule may look at for one turn.
type Input struct {
	AccountID     string
	SessionID     string
	Message       string
	Understanding *understanding.Result
	Security      SecurityContext

	// RequiredLevel is the security level of the requested route class.
	RequiredLevel SecurityLevel
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// Engine evaluates built-in checks plus configured rules, in order:
// security level (blocking), rate limit (blocking), public PII
// overrides, then custom rules.
type Engine struct {
	rules   []compiledRule
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewEngine compiles the rule set. A rule that fails to compile is an
// error; policies are config, and bad config should fail at startup,
// not at request time.
func NewEngine(rules []Rule, limiter *RateLimiter, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" || r.When == "" {
			return nil, fmt.Errorf("rule %q: id and when are required", r.ID)
		}
		if r.Action != "block" && r.Action != "override" {
			return nil, fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action)
		}
		program, err := expr.Compile(r.When, expr.Env(ruleEnv(Input{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q: compile %q: %w", r.ID, r.When, err)
		}
		compiled = append(compiled, compiledRule{rule: r, program: program})
	}

	return &Engine{rules: compiled, limiter: limiter, logger: logger}, nil
}

// ruleEnv flattens the input into the expression environment. Keys are
// stable; adding one is backward compatible, renaming is not.
func ruleEnv(in Input) map[string]any {
	u := in.Understanding
	if u == nil {
		u = understanding.Unknown()
	}
	return map[string]any{
		"message":        in.Message,
		"intent":         string(u.Intent),
		"confidence":     u.Confidence,
		"sentiment":      string(u.Sentiment),
		"urgency":        string(u.Urgency),
		"requires_human": u.RequiresHuman,
		"channel":        string(in.Security.Channel),
		"authenticated":  in.Security.Auth.Authenticated,
		"owner":          in.Security.Auth.Owner,
		"risk_privacy":   u.Risk.Privacy,
		"risk_legal":     u.Risk.Legal,
		"risk_medical":   u.Risk.Medical,
		"risk_abuse":     u.Risk.Harassment,
		"phone_numbers":  len(u.Entities.PhoneNumbers),
		"order_numbers":  len(u.Entities.OrderNumbers),
	}
}

// Evaluate implements Evaluator.
func (e *Engine) Evaluate(_ context.Context, in Input) (*Result, error) {
	res := &Result{Allowed: true}

	// Security level check runs first so unauthorized turns never hit
	// the rate limiter or custom rules.
	if !in.Security.Satisfies(in.RequiredLevel) {
		res.Allowed = false
		res.BlockedBy = "security_level"
		res.ReasonCodes = append(res.ReasonCodes, "AUTH_REQUIRED")
		res.Message = blockMessage(in.RequiredLevel)
		res.Applied = append(res.Applied, Applied{RuleID: "security_level", Result: "block"})
		return res, nil
	}
	res.Applied = append(res.Applied, Applied{RuleID: "security_level", Result: "allow"})

	if e.limiter != nil {
		if !e.limiter.Allow(in.SessionID) {
			res.Allowed = false
			res.BlockedBy = "rate_limit"
			res.ReasonCodes = append(res.ReasonCodes, "RATE_LIMITED")
			res.Message = "יותר מדי הודעות, נסו שוב בעוד רגע"
			res.Applied = append(res.Applied, Applied{RuleID: "rate_limit", Result: "block"})
			return res, nil
		}
		res.Applied = append(res.Applied, Applied{RuleID: "rate_limit", Result: "allow"})
	}

	e.applyPublicPII(in, res)

	for _, cr := range e.rules {
		matched, err := expr.Run(cr.program, ruleEnv(in))
		if err != nil {
			// A failing rule must not take the turn down with it.
			e.logger.Warn("policy rule evaluation failed", "rule", cr.rule.ID, "error", err)
			continue
		}
		if matched != true {
			continue
		}

		switch cr.rule.Action {
		case "block":
			res.Allowed = false
			res.BlockedBy = cr.rule.ID
			res.ReasonCodes = append(res.ReasonCodes, cr.rule.ReasonCode)
			res.Message = cr.rule.Message
			res.Applied = append(res.Applied, Applied{RuleID: cr.rule.ID, Result: "block"})
			return res, nil
		case "override":
			res.Overrides = res.Overrides.Merge(cr.rule.Overrides)
			res.ReasonCodes = append(res.ReasonCodes, cr.rule.ReasonCode)
			res.Applied = append(res.Applied, Applied{RuleID: cr.rule.ID, Result: "override"})
		}
	}

	return res, nil
}

// applyPublicPII ports the no-public-order-details policy: on the
// public channel, PII in the message forces masking and a short
// response, and support flows are steered to private channels.
func (e *Engine) applyPublicPII(in Input, res *Result) {
	if in.Security.Channel != ChannelPublicChat || in.Understanding == nil {
		return
	}

	u := in.Understanding
	applied := false

	if u.Risk.Privacy || len(u.Entities.PhoneNumbers) > 0 {
		res.Overrides = res.Overrides.Merge(Overrides{MaskPII: true, ForceShortResponse: true})
		res.ReasonCodes = append(res.ReasonCodes, "PII_IN_PUBLIC")
		applied = true
	}

	if u.Intent == understanding.IntentSupport && len(u.Entities.OrderNumbers) > 0 {
		res.Overrides = res.Overrides.Merge(Overrides{
			MaskPII: true,
			QuickActions: []string{
				"פנייה דרך וואטסאפ",
				"להמשיך בצ'אט בלי פרטי הזמנה",
			},
		})
		res.ReasonCodes = append(res.ReasonCodes, "ORDER_DETAILS_IN_PUBLIC")
		applied = true
	}

	result := "allow"
	if applied {
		result = "override"
	}
	res.Applied = append(res.Applied, Applied{RuleID: "no_public_order_details", Result: result})
}

func blockMessage(required SecurityLevel) string {
	if required == LevelOwner {
		return "פעולה זו דורשת התחברות כבעל החשבון"
	}
	return "פעולה זו דורשת התחברות"
}

// DefaultRules are the built-in custom rules shipped in the default
// config: abusive content blocks before any model call.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         "abuse_block",
			When:       `intent == "abuse" || risk_abuse`,
			Action:     "block",
			ReasonCode: "ABUSIVE_CONTENT",
			Message:    "לא ניתן להמשיך בשיחה בסגנון הזה",
		},
		{
			ID:         "legal_fallback",
			When:       `risk_legal`,
			Action:     "override",
			ReasonCode: "LEGAL_RISK",
			Overrides:  Overrides{ForceFallback: true},
		},
	}
}

// ReasonSummary renders the result compactly for logs.
func ReasonSummary(res *Result) string {
	parts := []string{"allowed"}
	if !res.Allowed {
		parts = []string{"blocked", "by:" + res.BlockedBy}
	}
	if len(res.ReasonCodes) > 0 {
		parts = append(parts, "reasons:"+strings.Join(res.ReasonCodes, ","))
	}
	return strings.Join(parts, " ")
}
