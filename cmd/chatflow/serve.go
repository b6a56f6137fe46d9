package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/chatflow/internal/audit"
	"github.com/szaher/chatflow/internal/auth"
	"github.com/szaher/chatflow/internal/config"
	"github.com/szaher/chatflow/internal/events"
	"github.com/szaher/chatflow/internal/experiment"
	"github.com/szaher/chatflow/internal/history"
	"github.com/szaher/chatflow/internal/idempotency"
	"github.com/szaher/chatflow/internal/knowledge"
	"github.com/szaher/chatflow/internal/llm"
	"github.com/szaher/chatflow/internal/lock"
	"github.com/szaher/chatflow/internal/memory"
	"github.com/szaher/chatflow/internal/pipeline"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/server"
	"github.com/szaher/chatflow/internal/session"
	"github.com/szaher/chatflow/internal/telemetry"
	"github.com/szaher/chatflow/internal/understanding"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		Long:  "Start the HTTP server, background sweeps, and the config watcher, and block until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func logLevel(cfg *config.Config) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// swappableEvaluator lets the config watcher replace the policy engine
// without restarting in-flight turns.
type swappableEvaluator struct {
	v atomic.Pointer[policy.Engine]
}

func (s *swappableEvaluator) Evaluate(ctx context.Context, in policy.Input) (*policy.Result, error) {
	return s.v.Load().Evaluate(ctx, in)
}

// modelClient picks the chat client for the configured provider. The
// openai dialect also serves Ollama and vLLM through models.baseUrl.
func modelClient(cfg *config.Config) llm.Client {
	if cfg.Models.Provider == "openai" {
		var opts []llm.OpenAIOption
		if cfg.Models.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.Models.BaseURL))
		}
		return llm.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), opts...)
	}
	return llm.NewAnthropicClient()
}

func serve(cfg *config.Config) error {
	logger := telemetry.NewLogger(os.Stdout, logLevel(cfg))
	slog.SetDefault(logger)
	metrics := telemetry.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := events.NewAsyncSink(events.LogEmitter{Logger: logger}, 256, logger)
	defer sink.Close()

	// Locking and idempotency: etcd when configured, in-process
	// otherwise. Memory backings only serialize within one replica.
	var (
		gate lock.Gate
		idem idempotency.Store

		memGate *lock.MemoryGate
		memIdem *idempotency.MemoryStore
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("etcd connect: %w", err)
		}
		defer cli.Close()
		gate = lock.NewEtcdGate(cli, "/chatflow/locks", cfg.Pipeline.LockTTL.Std())
		idem = idempotency.NewEtcdStore(cli, "/chatflow/idempotency")
	} else {
		memGate = lock.NewMemoryGate(cfg.Pipeline.LockTTL.Std())
		memIdem = idempotency.NewMemoryStore()
		gate, idem = memGate, memIdem
	}

	// History and knowledge: Postgres when configured.
	var (
		hist history.Store
		know knowledge.Store
	)
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pool.Close()
		hist = history.NewPostgresStore(pool)
		know = knowledge.NewPostgresStore(pool)
	} else {
		hist = history.NewMemoryStore()
		know = knowledge.NewMemoryStore()
	}

	sessions := session.NewMemoryStore(cfg.Session.Expiry.Std())

	model := modelClient(cfg)
	analyzer := understanding.NewLLMAnalyzer(model, cfg.Models.Nano, 0, logger)

	limiter := policy.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window.Std())
	engine, err := policy.NewEngine(cfg.Rules, limiter, logger)
	if err != nil {
		return err
	}
	evaluator := &swappableEvaluator{}
	evaluator.v.Store(engine)

	registry := experiment.NewRegistry(cfg.Experiments)
	experiments := experiment.NewEngine(registry, sink)

	auditor := audit.Recorder(audit.LogRecorder{Logger: logger})
	if cfg.Audit.S3Bucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, cfg.Audit.S3Bucket, cfg.Audit.S3Region, logger)
		if err != nil {
			return fmt.Errorf("audit archive: %w", err)
		}
		auditor = audit.MultiRecorder{auditor, archiver}
	}

	p, err := pipeline.New(pipeline.Deps{
		Gate:        gate,
		Idempotency: idem,
		Sessions:    sessions,
		History:     hist,
		Knowledge:   know,
		Analyzer:    analyzer,
		Policy:      evaluator,
		Experiments: experiments,
		Model:       model,
		Compactor: memory.NewCompactor(memory.LLMSummarizer{
			Client: model,
			Model:  cfg.Models.Nano,
		}, 0, logger),
		Audit:   auditor,
		Events:  sink,
		Metrics: metrics,
		Logger:  logger,
	}, pipeline.Options{
		LockTimeout:         cfg.Pipeline.LockTimeout.Std(),
		LockTTL:             cfg.Pipeline.LockTTL.Std(),
		IdempotencyTTL:      cfg.Pipeline.IdempotencyTTL.Std(),
		TokenBudget:         cfg.Pipeline.TokenBudget,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		Models:              cfg.Models.TierMap(),
	})
	if err != nil {
		return err
	}

	ownerKey := cfg.Server.OwnerKey
	if ownerKey == "" {
		ownerKey = auth.KeyFromEnv()
	}
	srv := server.NewServer(p, sessions,
		server.WithOwnerKey(ownerKey),
		server.WithLogger(logger),
		server.WithMetrics(metrics))

	// Expired sessions, stale locks, old idempotency records, and rate
	// limit windows are swept on a schedule.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		n := sessions.Sweep() + limiter.Sweep()
		if memGate != nil {
			n += memGate.Sweep()
		}
		if memIdem != nil {
			n += memIdem.Sweep()
		}
		if n > 0 {
			logger.Debug("sweep completed", "removed", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, func(next *config.Config) {
			registry.Swap(next.Experiments)
			if eng, err := policy.NewEngine(next.Rules, limiter, logger); err != nil {
				logger.Warn("policy rules reload rejected", "error", err)
			} else {
				evaluator.v.Store(eng)
			}
		}, logger)
		g.Go(func() error { return watcher.Watch(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
