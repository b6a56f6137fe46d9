// Package events defines structured analytics events emitted by the
// chat pipeline. Emission is fire-and-forget: a failing or slow sink
// must never delay or fail the user-facing response.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	MessageReceived     Type = "message_received"
	IntentDetected      Type = "intent_detected"
	DecisionMade        Type = "decision_made"
	PolicyChecked       Type = "policy_checked"
	PolicyBlocked       Type = "policy_blocked"
	ExperimentExposed   Type = "experiment_exposed"
	ExperimentConverted Type = "experiment_converted"
	SummaryCompacted    Type = "summary_compacted"
	ResponseSent        Type = "response_sent"
	SessionStarted      Type = "session_started"
	SessionExpired      Type = "session_expired"
	LockAcquired        Type = "lock_acquired"
	LockTimeout         Type = "lock_timeout"
	ErrorOccurred       Type = "error_occurred"
)

// Event is a structured analytics event for one pipeline occurrence.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	AccountID string                 `json:"account_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event of the given type stamped with now.
func New(eventType Type) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithScope sets the account/session scope and returns the event for chaining.
func (e *Event) WithScope(accountID, sessionID string) *Event {
	e.AccountID = accountID
	e.SessionID = sessionID
	return e
}

// WithTrace sets the trace identifiers and returns the event for chaining.
func (e *Event) WithTrace(traceID, requestID string) *Event {
	e.TraceID = traceID
	e.RequestID = requestID
	return e
}

// WithData adds a data field to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit discards the event.
func (NoopEmitter) Emit(*Event) {}
