// Package stream emits the NDJSON event sequence for one chat turn.
// The grammar is fixed: meta, then optional cards, then zero or more
// deltas, closed by exactly one done or error. The emitter enforces the
// grammar at runtime; violating it is a bug in the caller, not a
// recoverable condition.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/szaher/chatflow/internal/decision"
	"github.com/szaher/chatflow/internal/knowledge"
	"github.com/szaher/chatflow/internal/llm"
)

// EventType is the discriminator on every NDJSON line.
type EventType string

const (
	EventMeta  EventType = "meta"
	EventCards EventType = "cards"
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Meta is the first event of every turn: enough for the client to
// render the response shell before the first model token.
type Meta struct {
	TraceID      string                `json:"traceId"`
	RequestID    string                `json:"requestId"`
	DecisionID   string                `json:"decisionId"`
	SessionID    string                `json:"sessionId"`
	Mode         decision.Mode         `json:"mode"`
	UIDirectives decision.UIDirectives `json:"uiDirectives"`
	Experiments  []string              `json:"experiments,omitempty"` // "key:variant" pairs
	Replayed     bool                  `json:"replayed,omitempty"`
}

// PayloadCoupons is the payload type of coupon card lists.
const PayloadCoupons = "coupons"

// Card is one structured presentation item on the cards event.
type Card struct {
	Brand    string `json:"brand"`
	Code     string `json:"code,omitempty"`
	Discount string `json:"discount,omitempty"`
	Link     string `json:"link,omitempty"`
	Category string `json:"category,omitempty"`
}

// CardsFromCoupons converts knowledge coupons to stream cards.
func CardsFromCoupons(coupons []knowledge.Coupon) []Card {
	out := make([]Card, 0, len(coupons))
	for _, c := range coupons {
		out = append(out, Card{
			Brand:    c.Brand,
			Code:     c.Code,
			Discount: c.Discount,
			Link:     c.Link,
			Category: c.Category,
		})
	}
	return out
}

// Done closes a successful turn.
type Done struct {
	SessionID      string         `json:"sessionId"`
	LatencyMs      int64          `json:"latencyMs"`
	Usage          llm.TokenUsage `json:"usage"`
	CostUSD        float64        `json:"costUsd"`
	StopReason     llm.StopReason `json:"stopReason,omitempty"`
	SummaryUpdated bool           `json:"summaryUpdated,omitempty"`
}

// ErrorPayload closes a failed turn. Code is one of the pipeline error
// codes; Message is user-facing.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Type        EventType     `json:"type"`
	Meta        *Meta         `json:"meta,omitempty"`
	PayloadType string        `json:"payloadType,omitempty"`
	Cards       []Card        `json:"cards,omitempty"`
	Text        string        `json:"text,omitempty"`
	Done        *Done         `json:"done,omitempty"`
	Err         *ErrorPayload `json:"error,omitempty"`
}

type state int

const (
	stateInit state = iota
	stateMeta
	stateStreaming
	stateClosed
)

// Flusher is the subset of http.Flusher the emitter needs.
type Flusher interface {
	Flush()
}

// Emitter writes grammar-checked NDJSON events. Not safe for
// concurrent use; one turn owns its emitter.
type Emitter struct {
	mu    sync.Mutex
	w     io.Writer
	flush Flusher
	state state

	deltas int
}

// NewEmitter writes to w, flushing after every event when w also
// implements Flusher (http.ResponseWriter does).
func NewEmitter(w io.Writer) *Emitter {
	e := &Emitter{w: w}
	if f, ok := w.(Flusher); ok {
		e.flush = f
	}
	return e
}

func (e *Emitter) write(env envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Type, err)
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write %s event: %w", env.Type, err)
	}
	if e.flush != nil {
		e.flush.Flush()
	}
	return nil
}

// Meta must be the first event.
func (e *Emitter) Meta(m Meta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateInit {
		return fmt.Errorf("stream: meta emitted twice")
	}
	if err := e.write(envelope{Type: EventMeta, Meta: &m}); err != nil {
		return err
	}
	e.state = stateMeta
	return nil
}

// Cards may follow meta, before any delta. payloadType names the card
// list's content, such as PayloadCoupons.
func (e *Emitter) Cards(payloadType string, cards []Card) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateMeta {
		return fmt.Errorf("stream: cards out of order (state %d)", e.state)
	}
	if err := e.write(envelope{Type: EventCards, PayloadType: payloadType, Cards: cards}); err != nil {
		return err
	}
	e.state = stateStreaming
	return nil
}

// Delta appends response text.
func (e *Emitter) Delta(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateMeta && e.state != stateStreaming {
		return fmt.Errorf("stream: delta out of order (state %d)", e.state)
	}
	if err := e.write(envelope{Type: EventDelta, Text: text}); err != nil {
		return err
	}
	e.state = stateStreaming
	e.deltas++
	return nil
}

// Done closes the stream successfully.
func (e *Emitter) Done(d Done) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateInit || e.state == stateClosed {
		return fmt.Errorf("stream: done out of order (state %d)", e.state)
	}
	if err := e.write(envelope{Type: EventDone, Done: &d}); err != nil {
		return err
	}
	e.state = stateClosed
	return nil
}

// Error closes the stream with a terminal error event. Valid in any
// non-closed state, including before meta.
func (e *Emitter) Error(code, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return fmt.Errorf("stream: error after close")
	}
	if err := e.write(envelope{Type: EventError, Err: &ErrorPayload{Code: code, Message: message}}); err != nil {
		return err
	}
	e.state = stateClosed
	return nil
}

// Closed reports whether a terminal event has been emitted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateClosed
}

// Deltas returns how many delta events streamed.
func (e *Emitter) Deltas() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deltas
}
