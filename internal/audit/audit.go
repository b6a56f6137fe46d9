// Package audit records policy decisions for compliance. A blocked
// turn persists nothing except its audit record, so the recorder is the
// only durable trace such a request leaves.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one policy audit entry.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id"`
	AccountID   string    `json:"account_id"`
	SessionID   string    `json:"session_id"`
	Allowed     bool      `json:"allowed"`
	BlockedBy   string    `json:"blocked_by,omitempty"`
	ReasonCodes []string  `json:"reason_codes,omitempty"`
	Channel     string    `json:"channel"`

	// MessageHash identifies the message without storing its content.
	MessageHash string `json:"message_hash"`
}

// Recorder persists audit records. Record must be cheap; slow backends
// belong behind an async wrapper.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// LogRecorder writes audit records to the structured log.
type LogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (l LogRecorder) Record(_ context.Context, rec Record) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("policy audit",
		"trace_id", rec.TraceID,
		"account_id", rec.AccountID,
		"session_id", rec.SessionID,
		"allowed", rec.Allowed,
		"blocked_by", rec.BlockedBy,
		"reason_codes", rec.ReasonCodes,
		"channel", rec.Channel,
		"message_hash", rec.MessageHash,
	)
}

// MultiRecorder fans a record out to several recorders.
type MultiRecorder []Recorder

// Record implements Recorder.
func (m MultiRecorder) Record(ctx context.Context, rec Record) {
	for _, r := range m {
		r.Record(ctx, rec)
	}
}

// MemoryRecorder collects records for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

// Records returns a copy of the collected records.
func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
