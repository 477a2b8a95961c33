// Package dispatch turns submissions into persisted evaluations and
// Temporal workflow starts.
//
// Every model reference a submission needs is resolved once, up front,
// before any entity is created or job issued; a resolution failure aborts
// the whole call. Generation work is grouped by cache key so examples with
// identical inputs share one provider job. Evaluation work is partitioned
// into chunks of rows, one EvaluationChunkWorkflow per chunk, started under
// deterministic workflow ids so repeated triggers for the same chunk
// collapse into one execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-imgeval/internal/config"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/platform/logger"
	"github.com/ahrav/go-imgeval/internal/polling"
	"github.com/ahrav/go-imgeval/internal/provider"
)

// DefaultChunkSize bounds the rows covered by one evaluation chunk.
const DefaultChunkSize = 100

// maxConcurrentStarts bounds in-flight workflow start requests per call.
const maxConcurrentStarts = 8

// ErrUnknownModel is returned for an enabled scoring model that neither the
// pairwise nor the batch scorer evaluates.
var ErrUnknownModel = errors.New("unknown evaluation model")

// Store is the persistence surface dispatch needs.
type Store interface {
	CreateEvaluation(ctx context.Context, e *domain.Evaluation) error
	GetEvaluationByID(ctx context.Context, id uint) (*domain.Evaluation, error)
}

// Credentials seals provider tokens and hashes API keys.
// *credentials.Sealer satisfies it.
type Credentials interface {
	Seal(token string) (string, error)
	HashAPIKey(apiKey string) string
}

// ClientSource opens sealed tokens into provider clients.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// WorkflowStarter starts workflow executions. client.Client satisfies it.
type WorkflowStarter interface {
	ExecuteWorkflow(
		ctx context.Context,
		options client.StartWorkflowOptions,
		workflow any,
		args ...any,
	) (client.WorkflowRun, error)
}

// Options configures a Dispatcher.
//
// Models decides which enabled models run as the pairwise similarity job
// and which are scored together in the batch job, and names the provider
// models behind each. Policy is copied into every generation and evaluation
// workflow the Dispatcher starts, so changing it affects only new work.
//
// Zero values are filled in by New: ChunkSize falls back to
// DefaultChunkSize, Policy to polling.DefaultPolicy and Logger to a no-op
// logger.
type Options struct {
	Models    config.ModelsConfig
	Policy    polling.Policy
	TaskQueue string
	// ResultsBaseURL prefixes the results link handed back on submission.
	ResultsBaseURL string
	// ChunkSize bounds the rows scored by one evaluation chunk workflow.
	ChunkSize int
	Logger    *logger.Logger
}

// Submission is returned to the caller of a submit operation.
type Submission struct {
	EvaluationID string `json:"evaluation_id"`
	ResultsURL   string `json:"results_url"`
}

// Dispatcher is the entry point for submissions and completion triggers.
//
// A submission is persisted in full before any workflow starts. Generation
// work is grouped by cache key, one workflow per key, and workflow ids are
// derived from the evaluation and key so a repeated start is rejected by
// Temporal rather than duplicated. Once every example of a row settles, the
// completion gate calls back into the Dispatcher to start scoring.
//
// A Dispatcher is safe for concurrent use.
type Dispatcher struct {
	store   Store
	creds   Credentials
	clients ClientSource
	starter WorkflowStarter
	opts    Options
	log     *logger.Logger
}

// New creates a Dispatcher. starter is normally a Temporal client; tests
// pass a recorder.
func New(store Store, creds Credentials, clients ClientSource, starter WorkflowStarter, opts Options) *Dispatcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Policy == (polling.Policy{}) {
		opts.Policy = polling.DefaultPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		store:   store,
		creds:   creds,
		clients: clients,
		starter: starter,
		opts:    opts,
		log:     log,
	}
}

func (d *Dispatcher) resultsURL(evalID string) string {
	return strings.TrimRight(d.opts.ResultsBaseURL, "/") + "/api/results/" + evalID
}

// checkModels rejects enabled models no scorer evaluates.
func (d *Dispatcher) checkModels(models []string) error {
	for _, m := range models {
		if m == d.opts.Models.PairwiseModel {
			continue
		}
		known := false
		for _, b := range d.opts.Models.BatchModels {
			if m == b {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %w %q", domain.ErrInvalidRequest, ErrUnknownModel, m)
		}
	}
	return nil
}

// open seals apiKey and returns the sealed form with a client bound to it.
func (d *Dispatcher) open(apiKey string) (string, provider.Client, error) {
	sealed, err := d.creds.Seal(apiKey)
	if err != nil {
		return "", nil, fmt.Errorf("seal provider token: %w", err)
	}
	c, err := d.clients.ForSealed(sealed)
	if err != nil {
		return "", nil, err
	}
	return sealed, c, nil
}
