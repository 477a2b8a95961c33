package scoring

import (
	"context"

	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// StartEvaluationJobActivity is the registered name of Activities.StartEvaluationJob.
const StartEvaluationJobActivity = "StartEvaluationJob"

// EventJobStarted is emitted when an evaluation job is issued.
const EventJobStarted = "evaluation.job_started"

// StartResult reports the issued job. Skipped is true when no row had
// anything to score and no job was created.
type StartResult struct {
	JobID   string `json:"job_id,omitempty"`
	Skipped bool   `json:"skipped"`
	RowIDs  []uint `json:"row_ids,omitempty"`
}

// Store is the persistence surface scoring needs.
type Store interface {
	GetRows(ctx context.Context, rowIDs []uint) ([]domain.Row, error)
	CreateEvaluationJob(ctx context.Context, j *domain.EvaluationJob) error
}

// ClientSource builds a provider client for a sealed token.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// Activities handles scoring-specific Temporal activities.
type Activities struct {
	activity.BaseActivities
	store   Store
	clients ClientSource
}

// NewActivities creates scoring activities.
func NewActivities(base activity.BaseActivities, store Store, clients ClientSource) *Activities {
	return &Activities{BaseActivities: base, store: store, clients: clients}
}

type jobStartedEvent struct {
	EvaluationID uint           `json:"evaluation_id"`
	JobID        string         `json:"job_id"`
	Kind         domain.JobKind `json:"kind"`
	RowIDs       []uint         `json:"row_ids"`
}

// StartEvaluationJob issues one evaluation job over the chunk's rows and
// records it as in flight. Invalid input is non-retryable; provider
// failures follow the provider's own classification.
func (a *Activities) StartEvaluationJob(ctx context.Context, in StartInput) (StartResult, error) {
	if err := in.Validate(); err != nil {
		return StartResult{}, nonRetryable("Validation", err, "invalid input")
	}

	rows, err := a.store.GetRows(ctx, in.RowIDs)
	if err != nil {
		return StartResult{}, retryable("Store", err, "load rows")
	}

	var input map[string]any
	var included []uint
	switch in.Kind {
	case domain.JobSimilarity:
		input, included = SimilarityInput(rows)
	case domain.JobBatchScoring:
		input, included = BatchInput(rows, in.Models)
	}
	if input == nil {
		activity.SafeLog(ctx, "No scorable images in chunk, skipping job",
			"evaluation_id", in.EvaluationID, "kind", in.Kind, "rows", len(in.RowIDs))
		return StartResult{Skipped: true}, nil
	}

	client, err := a.clients.ForSealed(in.SealedToken)
	if err != nil {
		return StartResult{}, nonRetryable("Credentials", err, "unseal provider token")
	}
	job, err := client.CreateJob(ctx, in.VersionID, input)
	if err != nil {
		if provider.IsRetryable(err) {
			return StartResult{}, retryable("Provider", err, "create evaluation job")
		}
		return StartResult{}, nonRetryable("Provider", err, "create evaluation job")
	}

	record := &domain.EvaluationJob{
		EvaluationID: in.EvaluationID,
		JobID:        job.ID,
		Kind:         in.Kind,
		RowIDs:       datatypes.JSONSlice[uint](included),
		Status:       domain.JobInFlight,
	}
	if err := a.store.CreateEvaluationJob(ctx, record); err != nil {
		return StartResult{}, retryable("Store", err, "record evaluation job")
	}

	activity.SafeLog(ctx, "Evaluation job started",
		"evaluation_id", in.EvaluationID,
		"job_id", job.ID,
		"kind", in.Kind,
		"rows", len(included))
	a.emitJobStarted(ctx, jobStartedEvent{EvaluationID: in.EvaluationID, JobID: job.ID, Kind: in.Kind, RowIDs: included})

	return StartResult{JobID: job.ID, RowIDs: included}, nil
}

func (a *Activities) emitJobStarted(ctx context.Context, ev jobStartedEvent) {
	a.Emit(ctx, activity.Event{
		Type:           EventJobStarted,
		Source:         "scoring-activity",
		IdempotencyKey: "evaluation-job:" + ev.JobID + ":started",
		Payload:        ev,
	})
}

// nonRetryable wraps an error as a Temporal non-retryable application error.
func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// retryable wraps an error as a Temporal retryable application error.
func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}
