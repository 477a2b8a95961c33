// Package results assembles the read-side view of an evaluation: rows in
// order, each image with its labels and per-model scores, and whether the
// evaluation is complete for display.
package results

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-imgeval/internal/completion"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/store"
)

// Store is the persistence surface the results view reads.
type Store interface {
	GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error)
	ListRows(ctx context.Context, evaluationID uint) ([]domain.Row, error)
	ListScores(ctx context.Context, evaluationID uint) ([]domain.ModelScore, error)
	ListEvaluationsByAPIKeyHash(ctx context.Context, hash string) ([]store.EvaluationSummary, error)
}

// KeyHasher derives the stored hash of an API key.
type KeyHasher interface {
	HashAPIKey(apiKey string) string
}

// Image is one example as shown to callers. URL is nil until resolved and
// a score is nil until it has been recorded for the right context.
type Image struct {
	URL      *string             `json:"url"`
	Labels   map[string]any      `json:"labels"`
	Scores   map[string]*float64 `json:"scores"`
	GenJobID string              `json:"gen_job_id,omitempty"`
	GenModel string              `json:"gen_model,omitempty"`
	State    domain.ExampleState `json:"state"`
}

// Row is one row of the view.
type Row struct {
	Prompt string  `json:"prompt"`
	Seed   int64   `json:"seed"`
	Images []Image `json:"images"`
}

// View is the full results document of one evaluation.
type View struct {
	EvalID        string    `json:"eval_id"`
	Title         string    `json:"title"`
	EnabledModels []string  `json:"enabled_models"`
	CreatedAt     time.Time `json:"created_at"`
	Completed     bool      `json:"completed"`
	Rows          []Row     `json:"rows"`
}

// Service builds results views and evaluation listings.
//
// Views are assembled from stored rows and score records on every call, so
// they reflect work still in flight. Scores recorded twice for the same
// image and model, which activity retries can produce, are collapsed to the
// latest record.
//
// Listings are scoped to the caller's API key, which is hashed with the
// configured KeyHasher before lookup; raw keys are never stored or compared.
type Service struct {
	store         Store
	hasher        KeyHasher
	pairwiseModel string
}

// NewService creates a Service. pairwiseModel names the model whose scores
// are keyed by reference image rather than prompt.
func NewService(store Store, hasher KeyHasher, pairwiseModel string) *Service {
	return &Service{store: store, hasher: hasher, pairwiseModel: pairwiseModel}
}

func (s *Service) isPairwise(model string) bool { return model == s.pairwiseModel }

// Build returns the view of evalID. Unknown ids yield domain.ErrEvaluationNotFound.
func (s *Service) Build(ctx context.Context, evalID string) (View, error) {
	eval, err := s.store.GetEvaluation(ctx, evalID)
	if err != nil {
		return View{}, err
	}
	rows, err := s.store.ListRows(ctx, eval.ID)
	if err != nil {
		return View{}, fmt.Errorf("list rows: %w", err)
	}
	scores, err := s.store.ListScores(ctx, eval.ID)
	if err != nil {
		return View{}, fmt.Errorf("list scores: %w", err)
	}

	ix := completion.IndexScores(scores)
	view := View{
		EvalID:        eval.EvalID,
		Title:         eval.Title,
		EnabledModels: eval.EnabledModels,
		CreatedAt:     eval.CreatedAt,
		Completed:     completion.EvaluationDisplayComplete(eval, rows, scores, s.isPairwise),
		Rows:          make([]Row, len(rows)),
	}
	for r := range rows {
		row := &rows[r]
		out := Row{Prompt: row.Prompt, Seed: row.Seed, Images: make([]Image, len(row.Examples))}
		for i := range row.Examples {
			ex := &row.Examples[i]
			img := Image{
				Labels:   ex.Labels,
				Scores:   make(map[string]*float64, len(eval.EnabledModels)),
				GenJobID: ex.GenJobID,
				GenModel: ex.GenModel,
				State:    ex.State,
			}
			if ex.ImageURL != "" {
				url := ex.ImageURL
				img.URL = &url
			}
			if img.Labels == nil {
				img.Labels = map[string]any{}
			}
			for _, model := range eval.EnabledModels {
				score, ok, _ := ix.Lookup(row, i, model, s.isPairwise(model))
				if ok {
					img.Scores[model] = &score
				} else {
					img.Scores[model] = nil
				}
			}
			out.Images[i] = img
		}
		view.Rows[r] = out
	}
	return view, nil
}

// List returns the evaluations submitted with apiKey, newest first.
func (s *Service) List(ctx context.Context, apiKey string) ([]store.EvaluationSummary, error) {
	return s.store.ListEvaluationsByAPIKeyHash(ctx, s.hasher.HashAPIKey(apiKey))
}
