package results

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/store"
	"github.com/ahrav/go-imgeval/internal/store/storetest"
)

type prefixHasher struct{}

func (prefixHasher) HashAPIKey(k string) string { return "hash-" + k }

func ptr(s string) *string { return &s }

func seed(t *testing.T, st store.Store) *domain.Evaluation {
	t.Helper()
	eval := &domain.Evaluation{
		EvalID:        "e1",
		Title:         "cats",
		EnabledModels: datatypes.JSONSlice[string]{"DreamSim", "CLIP"},
		Kind:          domain.EvaluationGeneration,
		APIKeyHash:    "hash-key",
		Rows: []domain.Row{{
			Prompt: "a cat",
			Seed:   7,
			Examples: []domain.Example{
				{Position: 0, ImageURL: "https://img/ref.png", State: domain.ExampleResolved, Labels: datatypes.JSONMap{"steps": 30}},
				{Position: 1, ImageURL: "https://img/b.png", State: domain.ExampleResolved, GenModel: "acme/sd", GenJobID: "job-2"},
				{Position: 2, State: domain.ExampleInFlight, GenModel: "acme/sd", GenJobID: "job-3"},
			},
		}},
	}
	require.NoError(t, st.CreateEvaluation(context.Background(), eval))

	scores := []domain.ModelScore{
		{EvaluationID: eval.ID, ImageURL: "https://img/ref.png", Model: "CLIP", Score: 0.8, Prompt: ptr("a cat")},
		{EvaluationID: eval.ID, ImageURL: "https://img/b.png", Model: "CLIP", Score: 0.6, Prompt: ptr("a cat")},
		{EvaluationID: eval.ID, ImageURL: "https://img/b.png", Model: "DreamSim", Score: 0.3, RefImage: ptr("https://img/ref.png")},
		// Scored against a different reference; not this row's score.
		{EvaluationID: eval.ID, ImageURL: "https://img/b.png", Model: "DreamSim", Score: 0.9, RefImage: ptr("https://img/other.png")},
	}
	require.NoError(t, st.CreateScores(context.Background(), scores))
	return eval
}

func TestBuildPendingEvaluation(t *testing.T) {
	st := storetest.New(t)
	seed(t, st)
	svc := NewService(st, prefixHasher{}, "DreamSim")

	view, err := svc.Build(context.Background(), "e1")
	require.NoError(t, err)

	assert.Equal(t, "cats", view.Title)
	assert.Equal(t, []string{"DreamSim", "CLIP"}, view.EnabledModels)
	assert.False(t, view.Completed)
	require.Len(t, view.Rows, 1)
	row := view.Rows[0]
	assert.Equal(t, "a cat", row.Prompt)
	assert.Equal(t, int64(7), row.Seed)
	require.Len(t, row.Images, 3)

	ref := row.Images[0]
	require.NotNil(t, ref.URL)
	assert.Equal(t, "https://img/ref.png", *ref.URL)
	assert.Nil(t, ref.Scores["DreamSim"], "the reference image has no pairwise score")
	require.NotNil(t, ref.Scores["CLIP"])
	assert.InDelta(t, 0.8, *ref.Scores["CLIP"], 1e-9)
	assert.EqualValues(t, 30, ref.Labels["steps"])

	b := row.Images[1]
	require.NotNil(t, b.Scores["DreamSim"])
	assert.InDelta(t, 0.3, *b.Scores["DreamSim"], 1e-9)
	assert.Equal(t, "job-2", b.GenJobID)

	pending := row.Images[2]
	assert.Nil(t, pending.URL)
	assert.Contains(t, pending.Scores, "CLIP")
	assert.Nil(t, pending.Scores["CLIP"])
	assert.Equal(t, domain.ExampleInFlight, pending.State)
	assert.NotNil(t, pending.Labels)
}

func TestBuildCompletedEvaluation(t *testing.T) {
	st := storetest.New(t)
	eval := seed(t, st)
	ctx := context.Background()

	rows, err := st.ListRows(ctx, eval.ID)
	require.NoError(t, err)
	ex := rows[0].Examples[2]
	ex.ImageURL = "https://img/c.png"
	ex.State = domain.ExampleResolved
	require.NoError(t, st.UpdateExample(ctx, &ex))
	require.NoError(t, st.CreateScores(ctx, []domain.ModelScore{
		{EvaluationID: eval.ID, ImageURL: "https://img/c.png", Model: "CLIP", Score: 0.5, Prompt: ptr("a cat")},
		{EvaluationID: eval.ID, ImageURL: "https://img/c.png", Model: "DreamSim", Score: 0.4, RefImage: ptr("https://img/ref.png")},
	}))

	view, err := NewService(st, prefixHasher{}, "DreamSim").Build(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, view.Completed)
}

func TestBuildUnknownEvaluation(t *testing.T) {
	_, err := NewService(storetest.New(t), prefixHasher{}, "DreamSim").Build(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrEvaluationNotFound)
}

func TestListByAPIKey(t *testing.T) {
	st := storetest.New(t)
	seed(t, st)
	svc := NewService(st, prefixHasher{}, "DreamSim")

	listed, err := svc.List(context.Background(), "key")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "e1", listed[0].EvalID)
	assert.Equal(t, int64(1), listed[0].NumRows)

	none, err := svc.List(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
