package worker

import (
	sdkactivity "go.temporal.io/sdk/activity"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgeval/internal/aggregation"
	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/completion"
	"github.com/ahrav/go-imgeval/internal/generation"
	"github.com/ahrav/go-imgeval/internal/polling"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/internal/scoring"
	"github.com/ahrav/go-imgeval/internal/store"
	"github.com/ahrav/go-imgeval/internal/workflow"
	"github.com/ahrav/go-imgeval/pkg/activity"
	"github.com/ahrav/go-imgeval/pkg/events"
)

// Registry is the registration surface shared by sdkworker.Worker and the
// Temporal test environment.
type Registry interface {
	RegisterWorkflowWithOptions(w any, options sdkworkflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options sdkactivity.RegisterOptions)
}

// ActivityDeps are the dependencies activities are built from.
type ActivityDeps struct {
	Store   store.Store
	Cache   *cache.Cache
	Clients ClientSource
	Trigger completion.Trigger
	Sink    events.EventSink
}

// ClientSource opens sealed provider tokens. provider.SealedFactory satisfies it.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// RegisterAll registers all workflows and activities with the Temporal worker.
// This function must be called during worker initialization before starting
// the worker. The registration is not thread-safe and should only be called once
// during application startup.
//
// Workflows and activities are registered under the names workflows call
// them by, so renaming a Go method never changes the wire contract.
func RegisterAll(w Registry, deps ActivityDeps) {
	sink := deps.Sink
	if sink == nil {
		sink = events.NewNoOpEventSink()
	}
	base := activity.NewBaseActivities(sink)

	gate := completion.NewGate(base, deps.Store, deps.Trigger)
	generationActivities := generation.NewActivities(base, deps.Store, deps.Cache, deps.Clients)
	var leases polling.LeaseRenewer
	if deps.Cache != nil {
		leases = deps.Cache
	}
	pollingActivities := polling.NewActivities(base, deps.Clients, leases)
	scoringActivities := scoring.NewActivities(base, deps.Store, deps.Clients)
	aggregationActivities := aggregation.NewActivities(base, deps.Store, deps.Cache, deps.Clients, gate)

	w.RegisterWorkflowWithOptions(workflow.GenerationWorkflow,
		sdkworkflow.RegisterOptions{Name: workflow.GenerationWorkflowName})
	w.RegisterWorkflowWithOptions(workflow.EvaluationChunkWorkflow,
		sdkworkflow.RegisterOptions{Name: workflow.EvaluationChunkWorkflowName})

	activities := []struct {
		fn   any
		name string
	}{
		{generationActivities.PrepareGeneration, generation.PrepareGenerationActivity},
		{pollingActivities.CheckJob, polling.CheckJobActivity},
		{scoringActivities.StartEvaluationJob, scoring.StartEvaluationJobActivity},
		{aggregationActivities.AggregateGeneration, aggregation.AggregateGenerationActivity},
		{aggregationActivities.ApplyCachedResult, aggregation.ApplyCachedResultActivity},
		{aggregationActivities.MarkExampleTerminal, aggregation.MarkExampleTerminalActivity},
		{aggregationActivities.AggregateEvaluation, aggregation.AggregateEvaluationActivity},
		{aggregationActivities.MarkEvaluationJob, aggregation.MarkEvaluationJobActivity},
	}
	for _, a := range activities {
		w.RegisterActivityWithOptions(a.fn, sdkactivity.RegisterOptions{Name: a.name})
	}
}
