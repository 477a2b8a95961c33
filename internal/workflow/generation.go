package workflow

import (
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgeval/internal/aggregation"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/generation"
	"github.com/ahrav/go-imgeval/internal/polling"
)

// GenerationWorkflowName is the registered workflow type.
const GenerationWorkflowName = "GenerationWorkflow"

// GenerationInput is the work of one cache key: the examples that share
// it, the resolved model version and the provider inputs.
type GenerationInput struct {
	EvaluationID uint           `json:"evaluation_id"`
	ExampleIDs   []uint         `json:"example_ids"`
	VersionID    string         `json:"version_id"`
	Inputs       map[string]any `json:"inputs"`
	CacheKey     string         `json:"cache_key"`
	SealedToken  string         `json:"sealed_token"`
	Policy       polling.Policy `json:"policy"`
}

func (in GenerationInput) validate() error {
	switch {
	case len(in.ExampleIDs) == 0:
		return errors.New("example ids are required")
	case in.VersionID == "":
		return errors.New("version id is required")
	case in.CacheKey == "":
		return errors.New("cache key is required")
	case in.SealedToken == "":
		return errors.New("sealed token is required")
	}
	return nil
}

// Generation outcomes.
const (
	GenerationCached       = "cached"
	GenerationResolved     = "resolved"
	GenerationUnrecognized = "unrecognized"
	GenerationFailed       = "failed"
	GenerationCanceled     = "canceled"
	GenerationTimedOut     = "timed_out"
)

// GenerationOutput reports how the examples were settled.
type GenerationOutput struct {
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// GenerationWorkflow settles the examples of one cache key.
//
// After a short initial delay it asks PrepareGeneration what to do. A cache
// hit is applied directly. When another workflow holds the key's lease it
// waits one poll interval and asks again, within the poll policy's caps.
// Otherwise it waits for the provider job and either aggregates its output
// exactly once or marks the examples failed or timed out.
func GenerationWorkflow(ctx workflow.Context, in GenerationInput) (GenerationOutput, error) {
	// Version 2 checks the provider job one interval after it is issued,
	// renewing the lease on every check.
	const currentVersion = 2
	version := workflow.GetVersion(ctx, "generation.v", workflow.DefaultVersion, currentVersion)

	if err := in.validate(); err != nil {
		return GenerationOutput{}, temporal.NewNonRetryableApplicationError(
			"invalid generation input", "Validation", err)
	}
	ctx = withActivityOptions(ctx)
	logger := workflow.GetLogger(ctx)
	owner := workflow.GetInfo(ctx).WorkflowExecution.ID
	p := in.Policy
	if p == (polling.Policy{}) {
		p = polling.DefaultPolicy()
	}
	start := workflow.Now(ctx)

	if p.InitialDelay > 0 {
		if err := workflow.Sleep(ctx, p.InitialDelay); err != nil {
			return GenerationOutput{}, err
		}
	}

	var prep generation.PrepareResult
	for attempt := 1; ; attempt++ {
		err := workflow.ExecuteActivity(ctx, generation.PrepareGenerationActivity, generation.PrepareInput{
			ExampleIDs:  in.ExampleIDs,
			VersionID:   in.VersionID,
			Inputs:      in.Inputs,
			CacheKey:    in.CacheKey,
			LeaseOwner:  owner,
			SealedToken: in.SealedToken,
		}).Get(ctx, &prep)
		if err != nil {
			logger.Error("Generation could not start", "cache_key", in.CacheKey, "error", err)
			if merr := markExamples(ctx, in, owner, domain.ExampleFailed); merr != nil {
				return GenerationOutput{}, merr
			}
			return GenerationOutput{Outcome: GenerationFailed}, err
		}
		if prep.Action != generation.ActionWait {
			break
		}
		if attempt >= p.MaxAttempts || workflow.Now(ctx).Sub(start)+p.Interval > p.MaxElapsed {
			logger.Warn("Gave up waiting for generation lease", "cache_key", in.CacheKey, "attempts", attempt)
			if err := markExamples(ctx, in, owner, domain.ExampleTimedOut); err != nil {
				return GenerationOutput{}, err
			}
			return GenerationOutput{Outcome: GenerationTimedOut}, nil
		}
		if err := workflow.Sleep(ctx, p.Interval); err != nil {
			return GenerationOutput{}, err
		}
	}

	if prep.Action == generation.ActionCached {
		if prep.Entry == nil {
			return GenerationOutput{}, temporal.NewNonRetryableApplicationError(
				"cache hit without entry", "Internal", nil)
		}
		var res aggregation.GenerationResult
		err := workflow.ExecuteActivity(ctx, aggregation.ApplyCachedResultActivity, aggregation.CachedResultInput{
			ExampleIDs:  in.ExampleIDs,
			CacheKey:    in.CacheKey,
			Entry:       *prep.Entry,
			SealedToken: in.SealedToken,
		}).Get(ctx, &res)
		if err != nil {
			return GenerationOutput{}, err
		}
		return GenerationOutput{Outcome: GenerationCached, JobID: prep.Entry.JobID, URL: res.URL}, nil
	}

	waitPolicy, lease := p, polling.Lease{}
	if version >= 2 {
		// The initial delay was already spent before PrepareGeneration.
		waitPolicy, lease = p.Immediate(), polling.Lease{Key: in.CacheKey, Owner: owner}
	}
	outcome, err := polling.Await(ctx, prep.JobID, in.SealedToken, waitPolicy, lease)
	if err != nil {
		logger.Error("Polling generation job failed", "job_id", prep.JobID, "error", err)
		if merr := markExamples(ctx, in, owner, domain.ExampleFailed); merr != nil {
			return GenerationOutput{}, merr
		}
		return GenerationOutput{Outcome: GenerationFailed, JobID: prep.JobID}, err
	}

	switch outcome {
	case polling.OutcomeSucceeded:
		var res aggregation.GenerationResult
		err := workflow.ExecuteActivity(ctx, aggregation.AggregateGenerationActivity, aggregation.GenerationResultInput{
			ExampleIDs:  in.ExampleIDs,
			JobID:       prep.JobID,
			CacheKey:    in.CacheKey,
			LeaseOwner:  owner,
			SealedToken: in.SealedToken,
		}).Get(ctx, &res)
		if err != nil {
			return GenerationOutput{}, err
		}
		if !res.Resolved {
			return GenerationOutput{Outcome: GenerationUnrecognized, JobID: prep.JobID}, nil
		}
		return GenerationOutput{Outcome: GenerationResolved, JobID: prep.JobID, URL: res.URL}, nil

	case polling.OutcomeTimedOut:
		if err := markExamples(ctx, in, owner, domain.ExampleTimedOut); err != nil {
			return GenerationOutput{}, err
		}
		return GenerationOutput{Outcome: GenerationTimedOut, JobID: prep.JobID}, nil

	default:
		// Provider failures are deterministic for identical inputs; the job is not retried.
		if err := markExamples(ctx, in, owner, domain.ExampleFailed); err != nil {
			return GenerationOutput{}, err
		}
		result := GenerationFailed
		if outcome == polling.OutcomeCanceled {
			result = GenerationCanceled
		}
		return GenerationOutput{Outcome: result, JobID: prep.JobID}, nil
	}
}

func markExamples(ctx workflow.Context, in GenerationInput, owner string, state domain.ExampleState) error {
	return workflow.ExecuteActivity(ctx, aggregation.MarkExampleTerminalActivity, aggregation.TerminalInput{
		ExampleIDs:  in.ExampleIDs,
		State:       state,
		CacheKey:    in.CacheKey,
		LeaseOwner:  owner,
		SealedToken: in.SealedToken,
	}).Get(ctx, nil)
}
