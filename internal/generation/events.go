package generation

import (
	"context"
	"fmt"

	"github.com/ahrav/go-imgeval/pkg/activity"
)

// Event types emitted by generation activities.
const (
	EventJobStarted = "generation.job_started"
	EventCacheHit   = "generation.cache_hit"
)

const eventSource = "generation-activity"

type jobStartedEvent struct {
	JobID      string `json:"job_id"`
	VersionID  string `json:"version_id"`
	CacheKey   string `json:"cache_key"`
	ExampleIDs []uint `json:"example_ids"`
}

type cacheHitEvent struct {
	CacheKey      string `json:"cache_key"`
	URL           string `json:"url"`
	OriginatingID string `json:"originating_job_id"`
	ExampleIDs    []uint `json:"example_ids"`
}

// EventEmitter emits generation-domain events.
type EventEmitter struct {
	base activity.BaseActivities
}

// NewEventEmitter creates a new EventEmitter with the provided base activities.
func NewEventEmitter(base activity.BaseActivities) *EventEmitter {
	return &EventEmitter{base: base}
}

// EmitJobStarted records that a provider job now owns cacheKey.
func (e *EventEmitter) EmitJobStarted(ctx context.Context, ev jobStartedEvent) {
	e.base.Emit(ctx, activity.Event{
		Type:           EventJobStarted,
		Source:         eventSource,
		IdempotencyKey: "generation:" + ev.JobID + ":started",
		Payload:        ev,
	})
}

// EmitCacheHit records that examples were served from an existing entry.
func (e *EventEmitter) EmitCacheHit(ctx context.Context, ev cacheHitEvent) {
	e.base.Emit(ctx, activity.Event{
		Type:           EventCacheHit,
		Source:         eventSource,
		IdempotencyKey: fmt.Sprintf("cache:%s:hit:%v", ev.CacheKey, ev.ExampleIDs),
		Payload:        ev,
	})
}
