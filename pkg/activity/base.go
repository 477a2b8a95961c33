// Package activity holds the pieces every imgeval activity shares: logging
// that tolerates running outside a Temporal activity, and best-effort
// emission of domain events to an events.EventSink.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/log"

	"github.com/ahrav/go-imgeval/pkg/events"
)

// Event is a domain event awaiting emission. Payload is JSON encoded into
// the envelope.
type Event struct {
	Type   string
	Source string
	// IdempotencyKey must be stable across activity retries.
	IdempotencyKey string
	Payload        any
}

// schemaVersion is stamped on every envelope.
const schemaVersion = "1.0.0"

// emitAttempts bounds sink appends per event.
const emitAttempts = 2

const emitRetryDelay = 200 * time.Millisecond

// BaseActivities is embedded by activity structs that emit events.
// A nil sink disables emission.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities returns BaseActivities writing to sink.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// Emit appends ev to the sink, retrying once. Failures are logged and never
// returned.
func (b *BaseActivities) Emit(ctx context.Context, ev Event) {
	if b.eventSink == nil {
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		SafeLogError(ctx, "Failed to encode event", "event_type", ev.Type, "error", err)
		return
	}

	workflowID, runID := executionIDs(ctx)
	env := events.Envelope{
		ID:             uuid.NewString(),
		Type:           ev.Type,
		Source:         ev.Source,
		Version:        schemaVersion,
		Timestamp:      time.Now(),
		IdempotencyKey: ev.IdempotencyKey,
		WorkflowID:     workflowID,
		RunID:          runID,
		Payload:        payload,
	}

	for attempt := 1; ; attempt++ {
		err = b.eventSink.Append(ctx, env)
		if err == nil {
			SafeLog(ctx, "Event emitted", "event_type", ev.Type, "idempotency_key", ev.IdempotencyKey)
			return
		}
		if attempt == emitAttempts {
			break
		}
		select {
		case <-time.After(emitRetryDelay):
		case <-ctx.Done():
			SafeLogError(ctx, "Event emission cancelled", "event_type", ev.Type, "error", ctx.Err())
			return
		}
	}
	SafeLogError(ctx, "Event dropped", "event_type", ev.Type, "attempts", emitAttempts, "error", err)
}

// executionIDs returns the workflow and run ids of the calling activity,
// or "local" ids when ctx is not an activity context.
func executionIDs(ctx context.Context) (workflowID, runID string) {
	defer func() {
		if recover() != nil {
			workflowID, runID = "local-"+uuid.NewString()[:8], "local-run"
		}
	}()
	info := activity.GetInfo(ctx)
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID
}

// logger returns the activity logger, or nil outside an activity.
func logger(ctx context.Context) (l log.Logger) {
	defer func() {
		if recover() != nil {
			l = nil
		}
	}()
	return activity.GetLogger(ctx)
}

// SafeLog logs at INFO; a no-op outside an activity.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	if l := logger(ctx); l != nil {
		l.Info(msg, keyvals...)
	}
}

// SafeLogWarn logs at WARN; a no-op outside an activity.
func SafeLogWarn(ctx context.Context, msg string, keyvals ...any) {
	if l := logger(ctx); l != nil {
		l.Warn(msg, keyvals...)
	}
}

// SafeLogError logs at ERROR; a no-op outside an activity.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	if l := logger(ctx); l != nil {
		l.Error(msg, keyvals...)
	}
}
