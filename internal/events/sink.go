package events

import (
	"log/slog"
	"sync"
)

// AsyncSink fans events out to a delegate emitter from a background
// goroutine. When the buffer is full the event is dropped and counted;
// blocking the response path is never an option here.
type AsyncSink struct {
	ch       chan *Event
	delegate Emitter
	logger   *slog.Logger

	mu      sync.Mutex
	dropped int64
	done    chan struct{}
	closed  bool
}

// NewAsyncSink starts an async sink with the given buffer size.
func NewAsyncSink(delegate Emitter, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		ch:       make(chan *Event, buffer),
		delegate: delegate,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.delegate.Emit(ev)
	}
}

// Emit enqueues the event, dropping it if the buffer is full.
func (s *AsyncSink) Emit(event *Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.ch <- event:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n%100 == 1 {
			s.logger.Warn("event sink overflow, dropping", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (s *AsyncSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains pending events and stops the background goroutine.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
	<-s.done
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit logs the event at info level.
func (l LogEmitter) Emit(event *Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event",
		"type", event.Type,
		"account_id", event.AccountID,
		"session_id", event.SessionID,
		"trace_id", event.TraceID,
		"data", event.Data,
	)
}

// MemoryEmitter collects events for inspection in tests.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event.
func (m *MemoryEmitter) Emit(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of collected events.
func (m *MemoryEmitter) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// ByType returns collected events of one type.
func (m *MemoryEmitter) ByType(t Type) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
