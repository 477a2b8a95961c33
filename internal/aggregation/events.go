package aggregation

import (
	"context"
	"fmt"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// Event types emitted by aggregation activities.
const (
	EventExampleResolved  = "example.resolved"
	EventExampleTerminal  = "example.terminal"
	EventScoresRecorded   = "evaluation.scores_recorded"
	EventEvaluationJobEnd = "evaluation.job_finished"
)

type exampleResolvedEvent struct {
	ExampleIDs []uint `json:"example_ids"`
	URL        string `json:"url"`
	JobID      string `json:"job_id,omitempty"`
	FromCache  bool   `json:"from_cache"`
}

type exampleTerminalEvent struct {
	ExampleIDs []uint              `json:"example_ids"`
	State      domain.ExampleState `json:"state"`
}

type scoresRecordedEvent struct {
	EvaluationID uint           `json:"evaluation_id"`
	JobID        string         `json:"job_id"`
	Kind         domain.JobKind `json:"kind"`
	Scores       int            `json:"scores"`
}

type jobFinishedEvent struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// EventEmitter handles event emission for the aggregation domain.
// Emission is best-effort; failures are logged without affecting core operations.
type EventEmitter struct {
	base activity.BaseActivities
}

// NewEventEmitter creates a new EventEmitter with the provided base activities.
func NewEventEmitter(base activity.BaseActivities) *EventEmitter {
	return &EventEmitter{base: base}
}

func (e *EventEmitter) emit(ctx context.Context, eventType, idemKey string, v any) {
	e.base.Emit(ctx, activity.Event{
		Type:           eventType,
		Source:         "aggregation-activity",
		IdempotencyKey: idemKey,
		Payload:        v,
	})
}

// EmitExampleResolved records that examples received their image.
func (e *EventEmitter) EmitExampleResolved(ctx context.Context, ev exampleResolvedEvent) {
	e.emit(ctx, EventExampleResolved,
		fmt.Sprintf("examples:%v:resolved", ev.ExampleIDs), ev)
}

// EmitExampleTerminal records that examples ended without an image.
func (e *EventEmitter) EmitExampleTerminal(ctx context.Context, ev exampleTerminalEvent) {
	e.emit(ctx, EventExampleTerminal,
		fmt.Sprintf("examples:%v:%s", ev.ExampleIDs, ev.State), ev)
}

// EmitScoresRecorded records the scores taken from one evaluation job.
func (e *EventEmitter) EmitScoresRecorded(ctx context.Context, ev scoresRecordedEvent) {
	e.emit(ctx, EventScoresRecorded,
		fmt.Sprintf("evaluation-job:%s:scores", ev.JobID), ev)
}

// EmitJobFinished records an evaluation job that ended without scores.
func (e *EventEmitter) EmitJobFinished(ctx context.Context, ev jobFinishedEvent) {
	e.emit(ctx, EventEvaluationJobEnd,
		fmt.Sprintf("evaluation-job:%s:%s", ev.JobID, ev.Status), ev)
}
