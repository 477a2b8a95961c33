// Package aggregation applies the results of finished provider jobs.
//
// Generation results become resolved examples backed by the content cache;
// evaluation results become insert-only model scores. Every example state
// transition is followed by a completion check of the owning rows, which is
// what releases evaluation work for generated rows.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// Registered activity names.
const (
	AggregateGenerationActivity = "AggregateGeneration"
	ApplyCachedResultActivity   = "ApplyCachedResult"
	MarkExampleTerminalActivity = "MarkExampleTerminal"
	AggregateEvaluationActivity = "AggregateEvaluation"
	MarkEvaluationJobActivity   = "MarkEvaluationJob"
)

// ErrNoExamples signals an input that owns no examples.
var ErrNoExamples = errors.New("no examples")

// Store is the persistence surface aggregation needs.
type Store interface {
	GetExample(ctx context.Context, id uint) (*domain.Example, error)
	UpdateExample(ctx context.Context, e *domain.Example) error
	MarkExampleTerminal(ctx context.Context, id uint, state domain.ExampleState) (bool, error)
	CreateScores(ctx context.Context, scores []domain.ModelScore) error
	GetEvaluationJob(ctx context.Context, jobID string) (*domain.EvaluationJob, error)
	UpdateEvaluationJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
}

// RowGate checks row completion after an example transition.
// *completion.Gate satisfies it.
type RowGate interface {
	Evaluate(ctx context.Context, rowID uint, sealedToken string) (bool, error)
}

// ClientSource builds a provider client for a sealed token.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// Activities handles aggregation-specific Temporal activities.
type Activities struct {
	activity.BaseActivities
	store   Store
	cache   *cache.Cache
	clients ClientSource
	gate    RowGate
	events  *EventEmitter
}

// NewActivities creates aggregation activities with the provided dependencies.
func NewActivities(
	base activity.BaseActivities,
	store Store,
	c *cache.Cache,
	clients ClientSource,
	gate RowGate,
) *Activities {
	return &Activities{
		BaseActivities: base,
		store:          store,
		cache:          c,
		clients:        clients,
		gate:           gate,
		events:         NewEventEmitter(base),
	}
}

// GenerationResultInput identifies a succeeded generation job and the
// examples waiting on it.
type GenerationResultInput struct {
	ExampleIDs  []uint `json:"example_ids"`
	JobID       string `json:"job_id"`
	CacheKey    string `json:"cache_key"`
	LeaseOwner  string `json:"lease_owner"`
	SealedToken string `json:"sealed_token"`
}

// GenerationResult reports what AggregateGeneration did.
type GenerationResult struct {
	// Resolved is false when the output was not recognized and the
	// examples were left in flight.
	Resolved      bool   `json:"resolved"`
	URL           string `json:"url,omitempty"`
	CompletedRows []uint `json:"completed_rows,omitempty"`
}

// AggregateGeneration turns a succeeded generation job into resolved examples.
//
// The operation:
// 1. Fetches the job and decodes its output
// 2. Stores the image in the content cache with merged labels
// 3. Resolves every waiting example to the cached URL
// 4. Releases the generation lease and checks row completion
//
// Output that is neither a URL nor a list of URLs is logged and left
// unresolved without failing the activity. Re-running the activity for the
// same job yields the same URL and labels.
func (a *Activities) AggregateGeneration(ctx context.Context, in GenerationResultInput) (GenerationResult, error) {
	if len(in.ExampleIDs) == 0 || in.JobID == "" || in.CacheKey == "" {
		return GenerationResult{}, nonRetryable("Validation", ErrNoExamples, "invalid generation result input")
	}

	job, err := a.fetchJob(ctx, in.SealedToken, in.JobID)
	if err != nil {
		return GenerationResult{}, err
	}

	out := provider.DecodeGenerationOutput(job.Output)
	if out.Kind == provider.OutputUnrecognized {
		activity.SafeLogError(ctx, "Unrecognized generation output, leaving examples unresolved",
			"job_id", in.JobID,
			"output", string(out.Raw))
		// Nothing will ever be cached for this job; free the key for other submissions.
		a.releaseLease(ctx, in.CacheKey, in.LeaseOwner)
		return GenerationResult{Resolved: false}, nil
	}

	timing := providerTiming(&job)
	leader, err := a.store.GetExample(ctx, in.ExampleIDs[0])
	if err != nil {
		return GenerationResult{}, retryable("Store", err, "load example")
	}
	entry, err := a.cache.Store(ctx, in.CacheKey, out.URL, overlay(leader.Labels, timing), job.ID, "")
	if err != nil {
		return GenerationResult{}, retryable("Cache", err, "store generated image")
	}

	rowIDs, err := a.resolve(ctx, in.ExampleIDs, in.CacheKey, entry.URL, func(labels datatypes.JSONMap) datatypes.JSONMap {
		return overlay(labels, timing)
	})
	if err != nil {
		return GenerationResult{}, err
	}

	a.releaseLease(ctx, in.CacheKey, in.LeaseOwner)
	activity.SafeLog(ctx, "Generation aggregated",
		"job_id", in.JobID,
		"url", entry.URL,
		"examples", len(in.ExampleIDs))
	a.events.EmitExampleResolved(ctx, exampleResolvedEvent{ExampleIDs: in.ExampleIDs, URL: entry.URL, JobID: job.ID})

	completed, err := a.checkRows(ctx, rowIDs, in.SealedToken)
	if err != nil {
		return GenerationResult{}, err
	}
	return GenerationResult{Resolved: true, URL: entry.URL, CompletedRows: completed}, nil
}

// CachedResultInput applies an existing cache entry to examples.
type CachedResultInput struct {
	ExampleIDs  []uint      `json:"example_ids"`
	CacheKey    string      `json:"cache_key"`
	Entry       cache.Entry `json:"entry"`
	SealedToken string      `json:"sealed_token"`
}

// ApplyCachedResult resolves examples from a cache hit. Each example keeps
// its own request labels; entry labels fill in keys it does not have, such
// as the originating job's timing.
func (a *Activities) ApplyCachedResult(ctx context.Context, in CachedResultInput) (GenerationResult, error) {
	if len(in.ExampleIDs) == 0 || in.Entry.URL == "" {
		return GenerationResult{}, nonRetryable("Validation", ErrNoExamples, "invalid cached result input")
	}

	rowIDs, err := a.resolve(ctx, in.ExampleIDs, in.CacheKey, in.Entry.URL, func(labels datatypes.JSONMap) datatypes.JSONMap {
		return fillIn(labels, in.Entry.Labels)
	})
	if err != nil {
		return GenerationResult{}, err
	}

	activity.SafeLog(ctx, "Examples resolved from cache",
		"cache_key", in.CacheKey,
		"url", in.Entry.URL,
		"examples", len(in.ExampleIDs))
	a.events.EmitExampleResolved(ctx, exampleResolvedEvent{ExampleIDs: in.ExampleIDs, URL: in.Entry.URL, JobID: in.Entry.JobID, FromCache: true})

	completed, err := a.checkRows(ctx, rowIDs, in.SealedToken)
	if err != nil {
		return GenerationResult{}, err
	}
	return GenerationResult{Resolved: true, URL: in.Entry.URL, CompletedRows: completed}, nil
}

// TerminalInput marks examples as failed or timed out.
type TerminalInput struct {
	ExampleIDs  []uint              `json:"example_ids"`
	State       domain.ExampleState `json:"state"`
	CacheKey    string              `json:"cache_key,omitempty"`
	LeaseOwner  string              `json:"lease_owner,omitempty"`
	SealedToken string              `json:"sealed_token"`
}

// MarkExampleTerminal records a generation that ended without an image.
// The job id stays on the example for auditing. Already resolved examples
// are left alone.
func (a *Activities) MarkExampleTerminal(ctx context.Context, in TerminalInput) ([]uint, error) {
	if len(in.ExampleIDs) == 0 {
		return nil, nonRetryable("Validation", ErrNoExamples, "invalid terminal input")
	}
	if in.State != domain.ExampleFailed && in.State != domain.ExampleTimedOut {
		return nil, nonRetryable("Validation", fmt.Errorf("state %q is not a failure state", in.State), "invalid terminal input")
	}

	seen := make(map[uint]bool)
	var rowIDs []uint
	for _, id := range in.ExampleIDs {
		ex, err := a.store.GetExample(ctx, id)
		if err != nil {
			return nil, retryable("Store", err, "load example")
		}
		if !seen[ex.RowID] {
			seen[ex.RowID] = true
			rowIDs = append(rowIDs, ex.RowID)
		}
		// The write itself skips resolved examples, so a resolution that
		// lands after the read above is never overwritten.
		if _, err := a.store.MarkExampleTerminal(ctx, id, in.State); err != nil {
			return nil, retryable("Store", err, "update example")
		}
	}

	if in.CacheKey != "" {
		a.releaseLease(ctx, in.CacheKey, in.LeaseOwner)
	}
	activity.SafeLogWarn(ctx, "Generation ended without an image",
		"state", in.State,
		"examples", len(in.ExampleIDs))
	a.events.EmitExampleTerminal(ctx, exampleTerminalEvent{ExampleIDs: in.ExampleIDs, State: in.State})

	return a.checkRows(ctx, rowIDs, in.SealedToken)
}

// EvaluationResultInput identifies a succeeded evaluation job.
type EvaluationResultInput struct {
	EvaluationID  uint           `json:"evaluation_id"`
	JobID         string         `json:"job_id"`
	Kind          domain.JobKind `json:"kind"`
	PairwiseModel string         `json:"pairwise_model"`
	SealedToken   string         `json:"sealed_token"`
}

// EvaluationResult reports how many scores were recorded.
type EvaluationResult struct {
	Scores int `json:"scores"`
}

// AggregateEvaluation records the scores of a succeeded evaluation job.
// Similarity output yields one pairwise score per candidate, keyed by its
// reference image; batch output yields one score per (image, model), keyed
// by prompt. Output that cannot be decoded marks the job failed.
func (a *Activities) AggregateEvaluation(ctx context.Context, in EvaluationResultInput) (EvaluationResult, error) {
	if in.EvaluationID == 0 || in.JobID == "" {
		return EvaluationResult{}, nonRetryable("Validation", nil, "invalid evaluation result input")
	}

	if rec, err := a.store.GetEvaluationJob(ctx, in.JobID); err == nil && rec.Status == domain.JobSucceeded {
		activity.SafeLog(ctx, "Evaluation job already aggregated", "job_id", in.JobID)
		return EvaluationResult{}, nil
	}

	job, err := a.fetchJob(ctx, in.SealedToken, in.JobID)
	if err != nil {
		return EvaluationResult{}, err
	}

	scores, err := decodeScores(in, job.Output)
	if err != nil {
		activity.SafeLogError(ctx, "Undecodable evaluation output",
			"job_id", in.JobID,
			"kind", in.Kind,
			"error", err)
		if err := a.store.UpdateEvaluationJobStatus(ctx, in.JobID, domain.JobFailed); err != nil {
			return EvaluationResult{}, retryable("Store", err, "update evaluation job")
		}
		a.events.EmitJobFinished(ctx, jobFinishedEvent{JobID: in.JobID, Status: domain.JobFailed})
		return EvaluationResult{}, nil
	}

	if err := a.store.CreateScores(ctx, scores); err != nil {
		return EvaluationResult{}, retryable("Store", err, "insert scores")
	}
	if err := a.store.UpdateEvaluationJobStatus(ctx, in.JobID, domain.JobSucceeded); err != nil {
		return EvaluationResult{}, retryable("Store", err, "update evaluation job")
	}

	activity.SafeLog(ctx, "Evaluation job aggregated",
		"job_id", in.JobID,
		"kind", in.Kind,
		"scores", len(scores))
	a.events.EmitScoresRecorded(ctx, scoresRecordedEvent{
		EvaluationID: in.EvaluationID,
		JobID:        in.JobID,
		Kind:         in.Kind,
		Scores:       len(scores),
	})
	return EvaluationResult{Scores: len(scores)}, nil
}

// JobStatusInput records a non-success outcome of an evaluation job.
type JobStatusInput struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// MarkEvaluationJob records that an evaluation job failed, was canceled or
// timed out. Sibling jobs are unaffected.
func (a *Activities) MarkEvaluationJob(ctx context.Context, in JobStatusInput) error {
	switch in.Status {
	case domain.JobFailed, domain.JobCanceled, domain.JobTimedOut:
	default:
		return nonRetryable("Validation", fmt.Errorf("status %q", in.Status), "invalid evaluation job status")
	}
	if err := a.store.UpdateEvaluationJobStatus(ctx, in.JobID, in.Status); err != nil {
		return retryable("Store", err, "update evaluation job")
	}
	activity.SafeLogWarn(ctx, "Evaluation job ended without scores", "job_id", in.JobID, "status", in.Status)
	a.events.EmitJobFinished(ctx, jobFinishedEvent{JobID: in.JobID, Status: in.Status})
	return nil
}

func decodeScores(in EvaluationResultInput, raw []byte) ([]domain.ModelScore, error) {
	var scores []domain.ModelScore
	switch in.Kind {
	case domain.JobSimilarity:
		out, err := provider.DecodeSimilarityOutput(raw)
		if err != nil {
			return nil, err
		}
		for _, rec := range out {
			ref := rec.Reference
			for _, url := range sortedKeys(rec.Distances) {
				scores = append(scores, domain.ModelScore{
					EvaluationID: in.EvaluationID,
					ImageURL:     url,
					Model:        in.PairwiseModel,
					Score:        rec.Distances[url],
					RefImage:     &ref,
				})
			}
		}
	case domain.JobBatchScoring:
		out, err := provider.DecodeBatchScoreOutput(raw)
		if err != nil {
			return nil, err
		}
		for _, rec := range out {
			prompt := rec.Prompt
			for _, url := range sortedKeys(rec.Scores) {
				perModel := rec.Scores[url]
				for _, model := range sortedKeys(perModel) {
					scores = append(scores, domain.ModelScore{
						EvaluationID: in.EvaluationID,
						ImageURL:     url,
						Model:        model,
						Score:        perModel[model],
						Prompt:       &prompt,
					})
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", in.Kind)
	}
	return scores, nil
}

// resolve writes url onto each example and returns the distinct owning rows.
func (a *Activities) resolve(
	ctx context.Context,
	ids []uint,
	cacheKey, url string,
	labels func(datatypes.JSONMap) datatypes.JSONMap,
) ([]uint, error) {
	seen := make(map[uint]bool)
	var rowIDs []uint
	for _, id := range ids {
		ex, err := a.store.GetExample(ctx, id)
		if err != nil {
			return nil, retryable("Store", err, "load example")
		}
		ex.ImageURL = url
		ex.Labels = labels(ex.Labels)
		ex.GenJobID = ""
		if cacheKey != "" {
			ex.CacheKey = cacheKey
		}
		ex.State = domain.ExampleResolved
		if err := a.store.UpdateExample(ctx, ex); err != nil {
			return nil, retryable("Store", err, "update example")
		}
		if !seen[ex.RowID] {
			seen[ex.RowID] = true
			rowIDs = append(rowIDs, ex.RowID)
		}
	}
	return rowIDs, nil
}

// checkRows runs the completion gate for rows. A gate failure is
// retryable: the gate and its trigger are idempotent.
func (a *Activities) checkRows(ctx context.Context, rowIDs []uint, sealedToken string) ([]uint, error) {
	if a.gate == nil {
		return nil, nil
	}
	var completed []uint
	for _, id := range rowIDs {
		done, err := a.gate.Evaluate(ctx, id, sealedToken)
		if err != nil {
			return nil, retryable("Completion", err, "row completion trigger")
		}
		if done {
			completed = append(completed, id)
		}
	}
	return completed, nil
}

func (a *Activities) fetchJob(ctx context.Context, sealedToken, jobID string) (provider.Job, error) {
	client, err := a.clients.ForSealed(sealedToken)
	if err != nil {
		return provider.Job{}, nonRetryable("Credentials", err, "unseal provider token")
	}
	job, err := client.GetJob(ctx, jobID)
	if err != nil {
		if provider.IsRetryable(err) {
			return provider.Job{}, retryable("Provider", err, "get job")
		}
		return provider.Job{}, nonRetryable("Provider", err, "get job")
	}
	return job, nil
}

func (a *Activities) releaseLease(ctx context.Context, cacheKey, owner string) {
	if owner == "" {
		return
	}
	if err := a.cache.ReleaseLease(ctx, cacheKey, owner); err != nil {
		// The lease expires on its own; a failed release only delays waiters.
		activity.SafeLogWarn(ctx, "Failed to release generation lease", "cache_key", cacheKey, "error", err)
	}
}

// providerTiming extracts the provider-reported timing worth keeping in labels.
func providerTiming(job *provider.Job) map[string]any {
	if t, ok := job.PredictTime(); ok {
		return map[string]any{"predict_time": t}
	}
	return nil
}

// overlay returns a copy of base with extra's keys written over it.
func overlay(base datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// fillIn returns a copy of base with extra's keys added where base lacks them.
func fillIn(base datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nonRetryable wraps an error as a Temporal non-retryable application error.
func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// retryable wraps an error as a Temporal retryable application error.
func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}
