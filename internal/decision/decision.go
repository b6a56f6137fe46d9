// Package decision turns the upstream stage outputs into a response
// plan: a mode, UI directives for the client shell, and a model routing
// strategy. Decide is a pure function; identical inputs always produce
// the identical decision.
package decision

import (
	"github.com/szaher/chatflow/internal/experiment"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/understanding"
)

// Mode is the overall shape of the turn's response.
type Mode string

const (
	ModeDirectAnswer     Mode = "direct_answer"
	ModeSupportFlow      Mode = "support_flow"
	ModeCardPresentation Mode = "card_presentation"
	ModeFallback         Mode = "fallback"
)

// Tier selects the model class for the turn.
type Tier string

const (
	TierNano     Tier = "nano"
	TierStandard Tier = "standard"
	TierFull     Tier = "full"
)

// UIDirectives tell the client how to render the response shell. They
// ride on the meta event before any model token arrives.
type UIDirectives struct {
	Layout           string   `json:"layout"`                     // "chat", "cards_first"
	ShowCardList     string   `json:"showCardList,omitempty"`     // "brands", "products"
	ShowQuickActions []string `json:"showQuickActions,omitempty"`
	Tone             string   `json:"tone,omitempty"`           // "casual", "empathetic", "professional"
	ResponseLength   string   `json:"responseLength,omitempty"` // "short", "standard", "deep"
}

// ModelStrategy is the routing plan for the model call.
type ModelStrategy struct {
	Tier          Tier   `json:"tier"`
	Fallback      Tier   `json:"fallback,omitempty"`
	MaxTokens     int    `json:"maxTokens"`
	PromptVariant string `json:"promptVariant,omitempty"`

	// RetrievalDepth names the knowledge slices to load for the prompt.
	RetrievalDepth []string `json:"retrievalDepth,omitempty"`
}

// Decision is the derived plan for one turn. Never persisted;
// recomputed from stage outputs every time.
type Decision struct {
	Mode          Mode          `json:"mode"`
	UIDirectives  UIDirectives  `json:"uiDirectives"`
	ModelStrategy ModelStrategy `json:"modelStrategy"`
	PolicyFlags   []string      `json:"policyFlags,omitempty"`

	// MaskPII is set when the policy stage demands masked rendering.
	MaskPII bool `json:"-"`
}

// Input is everything Decide looks at.
type Input struct {
	Understanding *understanding.Result
	Policy        *policy.Result
	Assignments   []experiment.Assignment

	// ConfidenceThreshold gates card presentation; 0 means 0.7.
	ConfidenceThreshold float64
}

// Decide maps the stage outputs to a response plan.
func Decide(in Input) *Decision {
	threshold := in.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.7
	}

	u := in.Understanding
	if u == nil {
		u = understanding.Unknown()
	}

	d := baseDecision(u, threshold)

	if in.Policy != nil {
		applyPolicy(d, in.Policy)
	}
	applyExperiments(d, in.Assignments)
	return d
}

// baseDecision routes on intent and confidence alone.
func baseDecision(u *understanding.Result, threshold float64) *Decision {
	switch {
	case u.RequiresHuman:
		return &Decision{
			Mode: ModeSupportFlow,
			UIDirectives: UIDirectives{
				Layout:           "chat",
				Tone:             "empathetic",
				ResponseLength:   "short",
				ShowQuickActions: []string{"פנייה דרך וואטסאפ", "השארת פרטים לנציג"},
			},
			ModelStrategy: ModelStrategy{
				Tier: TierNano, Fallback: TierStandard, MaxTokens: 150,
				RetrievalDepth: []string{"persona"},
			},
		}

	case (u.Intent == understanding.IntentCoupon || u.Intent == understanding.IntentSales) &&
		u.Confidence >= threshold:
		return &Decision{
			Mode: ModeCardPresentation,
			UIDirectives: UIDirectives{
				Layout:           "cards_first",
				ShowCardList:     "brands",
				ShowQuickActions: []string{"העתק קופון", "פתח אתר", "בעיה בקופון"},
				ResponseLength:   "short",
			},
			ModelStrategy: ModelStrategy{
				Tier: TierNano, Fallback: TierStandard, MaxTokens: 220,
				RetrievalDepth: []string{"brands", "coupons", "persona"},
			},
		}

	case u.Intent == understanding.IntentSupport:
		return &Decision{
			Mode: ModeSupportFlow,
			UIDirectives: UIDirectives{
				Layout:         "chat",
				Tone:           "empathetic",
				ResponseLength: "short",
			},
			ModelStrategy: ModelStrategy{
				Tier: TierNano, Fallback: TierStandard, MaxTokens: 180,
				RetrievalDepth: []string{"brands", "persona"},
			},
		}

	case u.Intent == understanding.IntentSales:
		// Sales below the card threshold still gets the larger model.
		return &Decision{
			Mode: ModeDirectAnswer,
			UIDirectives: UIDirectives{
				Layout:           "chat",
				ShowQuickActions: []string{"מחירים", "מבצעים", "המלצה אישית"},
				ResponseLength:   "standard",
			},
			ModelStrategy: ModelStrategy{
				Tier: TierStandard, Fallback: TierStandard, MaxTokens: 350,
				RetrievalDepth: []string{"brands", "persona"},
			},
		}

	case u.Intent == understanding.IntentUnknown:
		return &Decision{
			Mode: ModeFallback,
			UIDirectives: UIDirectives{
				Layout:           "chat",
				ResponseLength:   "short",
				ShowQuickActions: []string{"קופונים", "בעיה בהזמנה", "שאלה אחרת"},
			},
			ModelStrategy: ModelStrategy{
				Tier: TierNano, MaxTokens: 120,
				RetrievalDepth: []string{"persona"},
			},
		}

	default:
		return &Decision{
			Mode: ModeDirectAnswer,
			UIDirectives: UIDirectives{
				Layout:           "chat",
				ShowQuickActions: []string{"קופונים", "המלצות", "בעיה בהזמנה"},
				ResponseLength:   "standard",
			},
			ModelStrategy: ModelStrategy{
				Tier: TierNano, Fallback: TierStandard, MaxTokens: 300,
				RetrievalDepth: []string{"persona", "content"},
			},
		}
	}
}

// applyPolicy merges the policy stage overrides. A force-fallback
// override collapses the whole plan to the safe completion.
func applyPolicy(d *Decision, p *policy.Result) {
	d.PolicyFlags = append(d.PolicyFlags, p.ReasonCodes...)
	o := p.Overrides

	if o.ForceFallback {
		d.Mode = ModeFallback
		d.UIDirectives = UIDirectives{Layout: "chat", ResponseLength: "short"}
		d.ModelStrategy = ModelStrategy{
			Tier: TierNano, MaxTokens: 120,
			RetrievalDepth: []string{"persona"},
		}
	}
	if o.SuppressCards && d.Mode == ModeCardPresentation {
		d.Mode = ModeDirectAnswer
		d.UIDirectives.Layout = "chat"
		d.UIDirectives.ShowCardList = ""
	}
	if o.ForceShortResponse {
		d.UIDirectives.ResponseLength = "short"
	}
	if len(o.QuickActions) > 0 {
		d.UIDirectives.ShowQuickActions = o.QuickActions
	}
	d.MaskPII = o.MaskPII
}

// applyExperiments merges variant UI overrides and the prompt variant.
// Experiments adjust presentation and prompts, never the mode.
func applyExperiments(d *Decision, assignments []experiment.Assignment) {
	o := experiment.MergeOverrides(assignments)

	if o.Layout != "" {
		d.UIDirectives.Layout = o.Layout
	}
	if o.Tone != "" {
		d.UIDirectives.Tone = o.Tone
	}
	if o.ResponseLength != "" {
		d.UIDirectives.ResponseLength = o.ResponseLength
	}
	if len(o.ShowQuickActions) > 0 {
		d.UIDirectives.ShowQuickActions = o.ShowQuickActions
	}
	if o.PromptVariant != "" {
		d.ModelStrategy.PromptVariant = o.PromptVariant
	}
}

// WantsRetrieval reports whether the strategy loads the named slice.
func (s ModelStrategy) WantsRetrieval(name string) bool {
	for _, r := range s.RetrievalDepth {
		if r == name {
			return true
		}
	}
	return false
}
