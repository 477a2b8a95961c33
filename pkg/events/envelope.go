// Package events provides the generic event infrastructure for state-transition events.
// It defines the Envelope type for wrapping event payloads with consistent metadata
// and the EventSink interface for event storage or transmission.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Envelope wraps an event payload with routing and deduplication metadata.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event, e.g. "row.generation_completed".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "aggregation-activity".
	Source string `json:"source"`

	// Version is the payload schema version.
	Version string `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is stable across activity retries so consumers can drop duplicates.
	IdempotencyKey string `json:"idempotency_key"`

	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	Payload json.RawMessage `json:"payload"`
}

// EventSink receives emitted events. Delivery is best-effort; callers never
// fail their primary operation because of a sink error.
type EventSink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil
}

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}

// InfoLogger is the logging surface LogEventSink writes to.
type InfoLogger interface {
	Info(msg string, keyvals ...any)
}

// LogEventSink writes each event as one structured log entry.
type LogEventSink struct {
	log InfoLogger
}

// NewLogEventSink returns a sink that logs events to log.
func NewLogEventSink(log InfoLogger) *LogEventSink {
	return &LogEventSink{log: log}
}

// Append implements EventSink.
func (s *LogEventSink) Append(_ context.Context, e Envelope) error {
	s.log.Info("event",
		"event_id", e.ID,
		"event_type", e.Type,
		"source", e.Source,
		"idempotency_key", e.IdempotencyKey,
		"workflow_id", e.WorkflowID,
		"payload", string(e.Payload))
	return nil
}

// MemoryEventSink records events in memory, deduplicating by idempotency key.
type MemoryEventSink struct {
	mu     sync.Mutex
	seen   map[string]bool
	events []Envelope
}

// NewMemoryEventSink creates an empty recording sink.
func NewMemoryEventSink() *MemoryEventSink {
	return &MemoryEventSink{seen: make(map[string]bool)}
}

// Append implements EventSink.
func (s *MemoryEventSink) Append(_ context.Context, e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IdempotencyKey != "" {
		if s.seen[e.IdempotencyKey] {
			return nil
		}
		s.seen[e.IdempotencyKey] = true
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (s *MemoryEventSink) Events(eventType string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
