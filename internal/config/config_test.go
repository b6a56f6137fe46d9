package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/chatflow/internal/decision"
)

const sampleYAML = `
server:
  addr: ":9090"
  ownerKey: "sk-test"
pipeline:
  lockTimeout: 150ms
  tokenBudget: 4096
models:
  nano: claude-3-5-haiku-latest
  standard: claude-sonnet-4-20250514
  provider: openai
  baseUrl: http://localhost:11434/v1
rateLimit:
  limit: 10
  window: 30s
rules:
  - id: abuse_block
    when: risk_harassment
    action: block
    reasonCode: ABUSIVE_CONTENT
    message: "לא נוכל להמשיך בשיחה בסגנון הזה"
experiments:
  - key: coupon_layout
    enabled: true
    allocation: 50
    variants:
      - id: control
        weight: 50
      - id: grid
        weight: 50
        uiOverrides:
          layout: grid
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse returned unexpected error: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.LockTimeout.Std() != 150*time.Millisecond {
		t.Errorf("lockTimeout = %v", cfg.Pipeline.LockTimeout)
	}
	if cfg.Pipeline.TokenBudget != 4096 {
		t.Errorf("tokenBudget = %d", cfg.Pipeline.TokenBudget)
	}
	// Unset fields keep defaults.
	if cfg.Pipeline.IdempotencyTTL.Std() != 5*time.Minute {
		t.Errorf("idempotencyTtl = %v", cfg.Pipeline.IdempotencyTTL)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.Window.Std() != 30*time.Second {
		t.Errorf("rateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Models.Provider != "openai" || cfg.Models.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("models = %+v", cfg.Models)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].ID != "abuse_block" {
		t.Errorf("rules = %+v", cfg.Rules)
	}
	if len(cfg.Experiments) != 1 || cfg.Experiments[0].Variants[1].UIOverrides.Layout != "grid" {
		t.Errorf("experiments = %+v", cfg.Experiments)
	}
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  expiry: 3600\n"))
	if err != nil {
		t.Fatalf("Parse returned unexpected error: %v", err)
	}
	if cfg.Session.Expiry.Std() != time.Hour {
		t.Errorf("bare integer expiry = %v, want 1h", cfg.Session.Expiry)
	}

	if _, err := Parse([]byte("session:\n  expiry: soon\n")); err == nil {
		t.Error("malformed duration accepted")
	}
}

func TestTierMap(t *testing.T) {
	m := ModelsConfig{Nano: "n", Standard: "s"}.TierMap()
	if m[decision.TierNano] != "n" || m[decision.TierStandard] != "s" {
		t.Errorf("tier map = %v", m)
	}
	if _, ok := m[decision.TierFull]; ok {
		t.Error("empty tier should be absent")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad rule expression", `
rules:
  - id: broken
    when: "intent ==="
    action: block
`, "rules"},
		{"bad allocation", `
experiments:
  - key: x
    allocation: 140
`, "allocation"},
		{"zero weights", `
experiments:
  - key: x
    allocation: 50
    variants:
      - id: a
        weight: 0
`, "weight"},
		{"tiny budget", `
pipeline:
  tokenBudget: 10
`, "tokenBudget"},
		{"unknown provider", `
models:
  provider: bedrock
`, "provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatflow.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, cfg, func(c *Config) { reloaded <- c }, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Watch(ctx); err != nil {
			t.Errorf("Watch returned unexpected error: %v", err)
		}
	}()

	// Give the watcher a beat to register before the write.
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(sampleYAML, `":9090"`, `":9091"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Server.Addr != ":9091" {
			t.Errorf("reloaded addr = %q", c.Server.Addr)
		}
		if w.Current().Server.Addr != ":9091" {
			t.Errorf("Current addr = %q", w.Current().Server.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload did not fire")
	}

	cancel()
	<-done
}

func TestWatcherKeepsLastGoodOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatflow.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	w := NewWatcher(path, cfg, nil, nil)
	if err := os.WriteFile(path, []byte("pipeline:\n  tokenBudget: 1\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload()

	if w.Current().Server.Addr != ":9090" {
		t.Errorf("bad edit replaced live config: addr = %q", w.Current().Server.Addr)
	}
}
