package telemetry

import (
	"log/slog"
	"time"
)

// StageTimer measures pipeline stages for a single turn and forwards
// the marks to metrics and the request logger. Timing marks are keyed
// by the trace ID already bound into the logger.
type StageTimer struct {
	metrics *Metrics
	logger  *slog.Logger
	started time.Time
	marks   []StageMark
}

// StageMark is one recorded stage duration.
type StageMark struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// NewStageTimer starts a timer for one turn. metrics may be nil in tests.
func NewStageTimer(metrics *Metrics, logger *slog.Logger) *StageTimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageTimer{metrics: metrics, logger: logger, started: time.Now()}
}

// Observe records a stage that took d.
func (t *StageTimer) Observe(stage string, d time.Duration) {
	t.marks = append(t.marks, StageMark{Stage: stage, Duration: d})
	if t.metrics != nil {
		t.metrics.RecordStage(stage, d)
	}
	t.logger.Debug("stage complete", "stage", stage, "duration_ms", d.Milliseconds())
}

// Time runs fn and records its duration under stage.
func (t *StageTimer) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Observe(stage, time.Since(start))
	return err
}

// Marks returns the recorded marks in order.
func (t *StageTimer) Marks() []StageMark {
	return t.marks
}

// Elapsed returns time since the turn started.
func (t *StageTimer) Elapsed() time.Duration {
	return time.Since(t.started)
}
