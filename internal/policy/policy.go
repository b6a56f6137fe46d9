// Package policy evaluates security and content rules against the
// inbound message and its understanding, before any model call. A
// blocking result short-circuits the turn with a policy reason code;
// non-blocking rules contribute overrides that the decision stage
// merges, never applies directly.
package policy

import (
	"context"
)

// SecurityLevel gates who may trigger an operation.
type SecurityLevel string

const (
	LevelPublic        SecurityLevel = "public"
	LevelAuthenticated SecurityLevel = "authenticated"
	LevelOwner         SecurityLevel = "owner_only"
)

// Channel identifies where the request entered.
type Channel string

const (
	ChannelPublicChat Channel = "public_chat"
	ChannelDashboard  Channel = "dashboard"
	ChannelAPI        Channel = "api"
)

// AuthContext is the caller's authentication state, established once at
// the HTTP boundary.
type AuthContext struct {
	Authenticated bool
	Owner         bool
	Subject       string // account owner id or empty
}

// SecurityContext is built once per request at entry and passed by
// value through the pipeline.
type SecurityContext struct {
	Channel Channel
	Auth    AuthContext
	IPHash  string
}

// Level returns the strongest level the caller satisfies.
func (s SecurityContext) Level() SecurityLevel {
	switch {
	case s.Auth.Owner:
		return LevelOwner
	case s.Auth.Authenticated:
		return LevelAuthenticated
	default:
		return LevelPublic
	}
}

// Satisfies reports whether the caller meets the required level.
func (s SecurityContext) Satisfies(required SecurityLevel) bool {
	switch required {
	case LevelPublic:
		return true
	case LevelAuthenticated:
		return s.Auth.Authenticated || s.Auth.Owner
	case LevelOwner:
		return s.Auth.Owner
	default:
		return false
	}
}

// Overrides are adjustments a rule feeds into the decision stage.
type Overrides struct {
	ForceFallback      bool     `yaml:"forceFallback" json:"forceFallback,omitempty"`
	ForceShortResponse bool     `yaml:"forceShortResponse" json:"forceShortResponse,omitempty"`
	SuppressCards      bool     `yaml:"suppressCards" json:"suppressCards,omitempty"`
	MaskPII            bool     `yaml:"maskPii" json:"maskPii,omitempty"`
	QuickActions       []string `yaml:"quickActions" json:"quickActions,omitempty"`
}

// Merge folds o2 into o, with o2's quick actions replacing o's when set.
func (o Overrides) Merge(o2 Overrides) Overrides {
	out := Overrides{
		ForceFallback:      o.ForceFallback || o2.ForceFallback,
		ForceShortResponse: o.ForceShortResponse || o2.ForceShortResponse,
		SuppressCards:      o.SuppressCards || o2.SuppressCards,
		MaskPII:            o.MaskPII || o2.MaskPII,
		QuickActions:       o.QuickActions,
	}
	if len(o2.QuickActions) > 0 {
		out.QuickActions = o2.QuickActions
	}
	return out
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return !o.ForceFallback && !o.ForceShortResponse && !o.SuppressCards &&
		!o.MaskPII && len(o.QuickActions) == 0
}

// Applied records one rule's verdict for the audit trail.
type Applied struct {
	RuleID string `json:"ruleId"`
	Result string `json:"result"` // "allow", "override", "block"
}

// Result is the combined outcome of a policy evaluation.
type Result struct {
	Allowed bool

	// BlockedBy and Message are set only when Allowed is false.
	// Message is user-facing and follows the account language.
	BlockedBy string
	Message   string

	ReasonCodes []string
	Overrides   Overrides
	Applied     []Applied
}

// Evaluator checks a turn against the account's policy rules.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Result, error)
}
