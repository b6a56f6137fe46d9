// Package config loads and validates the service configuration from a
// YAML file. Experiments and policy rules are hot-reloadable; the rest
// takes effect at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/chatflow/internal/decision"
	"github.com/szaher/chatflow/internal/experiment"
	"github.com/szaher/chatflow/internal/policy"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Models   ModelsConfig   `yaml:"models"`
	Session  SessionConfig  `yaml:"session"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Rules and Experiments reload on file change without a restart.
	Rules       []policy.Rule           `yaml:"rules"`
	Experiments []experiment.Experiment `yaml:"experiments"`

	Etcd     EtcdConfig     `yaml:"etcd"`
	Postgres PostgresConfig `yaml:"postgres"`
	Audit    AuditConfig    `yaml:"audit"`

	LogLevel string `yaml:"logLevel"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	OwnerKey string `yaml:"ownerKey"`
}

// PipelineConfig tunes the per-turn orchestration.
type PipelineConfig struct {
	LockTimeout         Duration `yaml:"lockTimeout"`
	LockTTL             Duration `yaml:"lockTtl"`
	IdempotencyTTL      Duration `yaml:"idempotencyTtl"`
	TokenBudget         int      `yaml:"tokenBudget"`
	ConfidenceThreshold float64  `yaml:"confidenceThreshold"`
}

// ModelsConfig names the concrete model per cost tier and which
// provider serves them.
type ModelsConfig struct {
	Nano     string `yaml:"nano"`
	Standard string `yaml:"standard"`
	Full     string `yaml:"full"`

	// Provider selects the chat API dialect: "anthropic" (default) or
	// "openai", which also covers Ollama, vLLM, and other compatible
	// endpoints via BaseURL.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseUrl"`
}

// TierMap converts the named fields into the pipeline's tier map,
// skipping empty entries.
func (m ModelsConfig) TierMap() map[decision.Tier]string {
	out := map[decision.Tier]string{}
	if m.Nano != "" {
		out[decision.TierNano] = m.Nano
	}
	if m.Standard != "" {
		out[decision.TierStandard] = m.Standard
	}
	if m.Full != "" {
		out[decision.TierFull] = m.Full
	}
	return out
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	Expiry Duration `yaml:"expiry"`
}

// RateLimitConfig bounds messages per session.
type RateLimitConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// EtcdConfig enables etcd-backed locking and idempotency when
// endpoints are set; memory backings are used otherwise.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// PostgresConfig enables Postgres-backed history and knowledge when a
// DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AuditConfig enables the S3 audit archive.
type AuditConfig struct {
	S3Bucket string `yaml:"s3Bucket"`
	S3Region string `yaml:"s3Region"`
}

// Default returns a runnable configuration for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Pipeline: PipelineConfig{
			LockTimeout:         Duration(100 * time.Millisecond),
			LockTTL:             Duration(30 * time.Second),
			IdempotencyTTL:      Duration(5 * time.Minute),
			TokenBudget:         2048,
			ConfidenceThreshold: 0.7,
		},
		Models: ModelsConfig{
			Nano:     "claude-3-5-haiku-latest",
			Standard: "claude-sonnet-4-20250514",
			Full:     "claude-opus-4-20250514",
		},
		Session:   SessionConfig{Expiry: Duration(24 * time.Hour)},
		RateLimit: RateLimitConfig{Limit: 20, Window: Duration(time.Minute)},
		Rules:     policy.DefaultRules(),
		LogLevel:  "info",
	}
}

// Load reads and validates the file at path, layered over Default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML layered over Default.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with. Rule
// expressions are compiled here so a bad rule fails startup, not a
// live turn.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Pipeline.TokenBudget < 256 {
		return fmt.Errorf("config: pipeline.tokenBudget must be at least 256")
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: pipeline.confidenceThreshold must be within [0, 1]")
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("config: rateLimit.limit must not be negative")
	}
	switch c.Models.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: models.provider %q is not supported", c.Models.Provider)
	}

	if _, err := policy.NewEngine(c.Rules, nil, nil); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for _, exp := range c.Experiments {
		if exp.Key == "" {
			return fmt.Errorf("config: experiment with empty key")
		}
		if exp.Allocation < 0 || exp.Allocation > 100 {
			return fmt.Errorf("config: experiment %q allocation must be within [0, 100]", exp.Key)
		}
		total := 0
		for _, v := range exp.Variants {
			if v.Weight < 0 {
				return fmt.Errorf("config: experiment %q variant %q has negative weight", exp.Key, v.ID)
			}
			total += v.Weight
		}
		if len(exp.Variants) > 0 && total == 0 {
			return fmt.Errorf("config: experiment %q has zero total variant weight", exp.Key)
		}
	}
	return nil
}
