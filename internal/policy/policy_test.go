package policy

import (
	"context"
	"testing"
	"time"

	"github.com/szaher/chatflow/internal/understanding"
)

func publicSecurity() SecurityContext {
	return SecurityContext{Channel: ChannelPublicChat}
}

func newTestEngine(t *testing.T, rules []Rule, limiter *RateLimiter) *Engine {
	t.Helper()
	e, err := NewEngine(rules, limiter, nil)
	if err != nil {
		t.Fatalf("NewEngine returned unexpected error: %v", err)
	}
	return e
}

func TestSecurityLevelBlocks(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	res, err := e.Evaluate(context.Background(), Input{
		Message:       "show me analytics",
		Security:      publicSecurity(),
		RequiredLevel: LevelOwner,
	})
	if err != nil {
		t.Fatalf("Evaluate returned unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("public caller allowed on owner_only route")
	}
	if res.BlockedBy != "security_level" {
		t.Errorf("BlockedBy = %q, want security_level", res.BlockedBy)
	}
	if res.Message == "" {
		t.Error("block result carries no user-facing message")
	}
}

func TestSecurityLevels(t *testing.T) {
	owner := SecurityContext{Auth: AuthContext{Authenticated: true, Owner: true}}
	authed := SecurityContext{Auth: AuthContext{Authenticated: true}}
	public := SecurityContext{}

	tests := []struct {
		ctx      SecurityContext
		required SecurityLevel
		want     bool
	}{
		{public, LevelPublic, true},
		{public, LevelAuthenticated, false},
		{public, LevelOwner, false},
		{authed, LevelAuthenticated, true},
		{authed, LevelOwner, false},
		{owner, LevelOwner, true},
	}
	for _, tt := range tests {
		if got := tt.ctx.Satisfies(tt.required); got != tt.want {
			t.Errorf("Satisfies(%q) with level %q = %v, want %v",
				tt.required, tt.ctx.Level(), got, tt.want)
		}
	}
}

func TestAbuseRuleBlocks(t *testing.T) {
	e := newTestEngine(t, DefaultRules(), nil)

	u, _ := understanding.HeuristicAnalyzer{}.Analyze(context.Background(), understanding.Input{
		Message: "you stupid idiot bot",
	})
	res, err := e.Evaluate(context.Background(), Input{
		Message:       "you stupid idiot bot",
		Understanding: u,
		Security:      publicSecurity(),
		RequiredLevel: LevelPublic,
	})
	if err != nil {
		t.Fatalf("Evaluate returned unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("abusive message was allowed")
	}
	if res.BlockedBy != "abuse_block" {
		t.Errorf("BlockedBy = %q, want abuse_block", res.BlockedBy)
	}
	if len(res.ReasonCodes) == 0 || res.ReasonCodes[0] != "ABUSIVE_CONTENT" {
		t.Errorf("ReasonCodes = %v, want [ABUSIVE_CONTENT]", res.ReasonCodes)
	}
}

func TestLegalRiskOverridesToFallback(t *testing.T) {
	e := newTestEngine(t, DefaultRules(), nil)

	u, _ := understanding.HeuristicAnalyzer{}.Analyze(context.Background(), understanding.Input{
		Message: "אני אפנה לעורך דין",
	})
	res, _ := e.Evaluate(context.Background(), Input{
		Message:       "אני אפנה לעורך דין",
		Understanding: u,
		Security:      publicSecurity(),
		RequiredLevel: LevelPublic,
	})
	if !res.Allowed {
		t.Fatal("legal risk should override, not block")
	}
	if !res.Overrides.ForceFallback {
		t.Error("ForceFallback not set for legal risk")
	}
}

func TestPublicPIIMasking(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	u, _ := understanding.HeuristicAnalyzer{}.Analyze(context.Background(), understanding.Input{
		Message: "תתקשרו אליי 0521234567",
	})
	res, _ := e.Evaluate(context.Background(), Input{
		Message:       "תתקשרו אליי 0521234567",
		Understanding: u,
		Security:      publicSecurity(),
		RequiredLevel: LevelPublic,
	})
	if !res.Allowed {
		t.Fatal("PII should trigger overrides, not a block")
	}
	if !res.Overrides.MaskPII || !res.Overrides.ForceShortResponse {
		t.Errorf("overrides = %+v, want MaskPII and ForceShortResponse", res.Overrides)
	}
}

func TestPIINotMaskedOnDashboard(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	u, _ := understanding.HeuristicAnalyzer{}.Analyze(context.Background(), understanding.Input{
		Message: "my number is 0521234567",
	})
	res, _ := e.Evaluate(context.Background(), Input{
		Message:       "my number is 0521234567",
		Understanding: u,
		Security: SecurityContext{
			Channel: ChannelDashboard,
			Auth:    AuthContext{Authenticated: true, Owner: true},
		},
		RequiredLevel: LevelPublic,
	})
	if res.Overrides.MaskPII {
		t.Error("MaskPII set on dashboard channel")
	}
}

func TestRateLimiterBlocks(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	e := newTestEngine(t, nil, limiter)

	in := Input{
		SessionID:     "sess_1",
		Message:       "hi",
		Security:      publicSecurity(),
		RequiredLevel: LevelPublic,
	}
	for i := 0; i < 3; i++ {
		res, _ := e.Evaluate(context.Background(), in)
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly blocked", i+1)
		}
	}

	res, _ := e.Evaluate(context.Background(), in)
	if res.Allowed {
		t.Fatal("fourth request within window was allowed")
	}
	if res.BlockedBy != "rate_limit" {
		t.Errorf("BlockedBy = %q, want rate_limit", res.BlockedBy)
	}

	// A different session is unaffected.
	other := in
	other.SessionID = "sess_2"
	if res, _ := e.Evaluate(context.Background(), other); !res.Allowed {
		t.Error("rate limit leaked across sessions")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	if !rl.Allow("k") {
		t.Fatal("first hit denied")
	}
	if rl.Allow("k") {
		t.Fatal("second hit within window allowed")
	}
	time.Sleep(15 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("hit after window expiry denied")
	}
}

func TestBadRuleFailsConstruction(t *testing.T) {
	_, err := NewEngine([]Rule{{ID: "broken", When: "intent ==", Action: "block"}}, nil, nil)
	if err == nil {
		t.Fatal("NewEngine accepted an unparseable rule")
	}
	_, err = NewEngine([]Rule{{ID: "bad-action", When: "true", Action: "explode"}}, nil, nil)
	if err == nil {
		t.Fatal("NewEngine accepted an unknown action")
	}
}

func TestMasking(t *testing.T) {
	if got := MaskOrderNumber("12345678"); got != "****5678" {
		t.Errorf("MaskOrderNumber = %q, want ****5678", got)
	}
	if got := MaskPhoneNumber("054-123-4567"); got != "054***4567" {
		t.Errorf("MaskPhoneNumber = %q, want 054***4567", got)
	}
	got := MaskText("call 0541234567 about #12345678", []string{"0541234567"}, []string{"12345678"})
	if got != "call 054***4567 about #****5678" {
		t.Errorf("MaskText = %q", got)
	}
}

func TestOverridesMerge(t *testing.T) {
	a := Overrides{MaskPII: true, QuickActions: []string{"a"}}
	b := Overrides{ForceFallback: true, QuickActions: []string{"b", "c"}}

	m := a.Merge(b)
	if !m.MaskPII || !m.ForceFallback {
		t.Errorf("merge lost flags: %+v", m)
	}
	if len(m.QuickActions) != 2 || m.QuickActions[0] != "b" {
		t.Errorf("QuickActions = %v, want later set to win", m.QuickActions)
	}
}
