package workflow

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgeval/internal/aggregation"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/polling"
	"github.com/ahrav/go-imgeval/internal/scoring"
)

// EvaluationChunkWorkflowName is the registered workflow type.
const EvaluationChunkWorkflowName = "EvaluationChunkWorkflow"

// ScoringJob selects the model version, and for batch scoring the models,
// of one evaluation job.
type ScoringJob struct {
	VersionID string   `json:"version_id"`
	Models    []string `json:"models,omitempty"`
}

// EvaluationChunkInput describes the evaluation jobs for one chunk of rows.
// Similarity is nil when the pairwise model is not enabled; Batch is nil
// when no other model is.
type EvaluationChunkInput struct {
	EvaluationID  uint           `json:"evaluation_id"`
	RowIDs        []uint         `json:"row_ids"`
	SealedToken   string         `json:"sealed_token"`
	Similarity    *ScoringJob    `json:"similarity,omitempty"`
	Batch         *ScoringJob    `json:"batch,omitempty"`
	PairwiseModel string         `json:"pairwise_model"`
	Policy        polling.Policy `json:"policy"`
}

// JobOutcome reports the fate of one evaluation job.
type JobOutcome struct {
	Kind    domain.JobKind `json:"kind"`
	JobID   string         `json:"job_id,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
	Status  string         `json:"status"`
	Scores  int            `json:"scores"`
}

// EvaluationChunkOutput collects the outcomes of a chunk's jobs.
type EvaluationChunkOutput struct {
	Jobs []JobOutcome `json:"jobs"`
}

// EvaluationChunkWorkflow issues the similarity and batch scoring jobs for
// a chunk of rows and waits for both concurrently. One job failing does not
// stop the other from being aggregated.
func EvaluationChunkWorkflow(ctx workflow.Context, in EvaluationChunkInput) (EvaluationChunkOutput, error) {
	// Version 2 checks each job one poll interval after it is issued.
	const currentVersion = 2
	version := workflow.GetVersion(ctx, "evaluation_chunk.v", workflow.DefaultVersion, currentVersion)

	if in.EvaluationID == 0 || len(in.RowIDs) == 0 || in.SealedToken == "" {
		return EvaluationChunkOutput{}, temporal.NewNonRetryableApplicationError(
			"invalid evaluation chunk input", "Validation", nil)
	}
	if in.Similarity == nil && in.Batch == nil {
		return EvaluationChunkOutput{}, nil
	}
	ctx = withActivityOptions(ctx)
	if in.Policy == (polling.Policy{}) {
		in.Policy = polling.DefaultPolicy()
	}
	if version >= 2 {
		in.Policy = in.Policy.FirstCheckAtInterval()
	}

	type branch struct {
		kind domain.JobKind
		job  *ScoringJob
	}
	var branches []branch
	if in.Similarity != nil {
		branches = append(branches, branch{domain.JobSimilarity, in.Similarity})
	}
	if in.Batch != nil {
		branches = append(branches, branch{domain.JobBatchScoring, in.Batch})
	}

	outcomes := make([]JobOutcome, len(branches))
	errs := make([]error, len(branches))
	wg := workflow.NewWaitGroup(ctx)
	for i, b := range branches {
		wg.Add(1)
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer wg.Done()
			outcomes[i], errs[i] = runEvaluationJob(gctx, in, b.kind, b.job)
		})
	}
	wg.Wait(ctx)

	return EvaluationChunkOutput{Jobs: outcomes}, errors.Join(errs...)
}

// runEvaluationJob issues one evaluation job and settles it.
func runEvaluationJob(
	ctx workflow.Context,
	in EvaluationChunkInput,
	kind domain.JobKind,
	job *ScoringJob,
) (JobOutcome, error) {
	logger := workflow.GetLogger(ctx)
	out := JobOutcome{Kind: kind}

	var started scoring.StartResult
	err := workflow.ExecuteActivity(ctx, scoring.StartEvaluationJobActivity, scoring.StartInput{
		EvaluationID: in.EvaluationID,
		RowIDs:       in.RowIDs,
		Kind:         kind,
		VersionID:    job.VersionID,
		Models:       job.Models,
		SealedToken:  in.SealedToken,
	}).Get(ctx, &started)
	if err != nil {
		out.Status = string(domain.JobFailed)
		return out, fmt.Errorf("start %s job: %w", kind, err)
	}
	if started.Skipped {
		out.Skipped = true
		out.Status = "skipped"
		return out, nil
	}
	out.JobID = started.JobID

	outcome, err := polling.Await(ctx, started.JobID, in.SealedToken, in.Policy, polling.Lease{})
	if err != nil {
		logger.Error("Polling evaluation job failed", "job_id", started.JobID, "kind", kind, "error", err)
		out.Status = string(domain.JobFailed)
		if merr := markJob(ctx, started.JobID, domain.JobFailed); merr != nil {
			return out, merr
		}
		return out, err
	}

	if outcome != polling.OutcomeSucceeded {
		status := domain.JobStatus(outcome)
		out.Status = string(status)
		return out, markJob(ctx, started.JobID, status)
	}

	var res aggregation.EvaluationResult
	err = workflow.ExecuteActivity(ctx, aggregation.AggregateEvaluationActivity, aggregation.EvaluationResultInput{
		EvaluationID:  in.EvaluationID,
		JobID:         started.JobID,
		Kind:          kind,
		PairwiseModel: in.PairwiseModel,
		SealedToken:   in.SealedToken,
	}).Get(ctx, &res)
	if err != nil {
		out.Status = string(domain.JobFailed)
		return out, fmt.Errorf("aggregate %s job: %w", kind, err)
	}
	out.Status = string(domain.JobSucceeded)
	out.Scores = res.Scores
	return out, nil
}

func markJob(ctx workflow.Context, jobID string, status domain.JobStatus) error {
	return workflow.ExecuteActivity(ctx, aggregation.MarkEvaluationJobActivity, aggregation.JobStatusInput{
		JobID:  jobID,
		Status: status,
	}).Get(ctx, nil)
}
