package aggregation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/blobstore"
	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/cache/cachetest"
	"github.com/ahrav/go-imgeval/internal/completion"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/internal/provider/providertest"
	"github.com/ahrav/go-imgeval/internal/store"
	"github.com/ahrav/go-imgeval/internal/store/storetest"
	"github.com/ahrav/go-imgeval/pkg/activity"
	"github.com/ahrav/go-imgeval/pkg/events"
)

const cacheKey = "v1/abc123"

type recordingTrigger struct{ rows []uint }

func (r *recordingTrigger) OnRowGenerationComplete(_ context.Context, _, rowID uint, _ string) error {
	r.rows = append(r.rows, rowID)
	return nil
}

type harness struct {
	store   store.Store
	fake    *providertest.Fake
	lease   *cachetest.Lease
	trigger *recordingTrigger
	sink    *events.MemoryEventSink
	acts    *Activities
	eval    *domain.Evaluation
	exIDs   []uint
}

// newHarness seeds one row whose two examples wait on generation job-1.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   storetest.New(t),
		fake:    providertest.New(nil),
		lease:   cachetest.NewLease(),
		trigger: &recordingTrigger{},
		sink:    events.NewMemoryEventSink(),
	}
	c := cache.New(blobstore.NewMemoryStore("https://blobs.test"), cache.Options{Lease: h.lease})
	base := activity.NewBaseActivities(h.sink)
	gate := completion.NewGate(base, h.store, h.trigger)
	h.acts = NewActivities(base, h.store, c, h.fake.Sealed(), gate)

	h.eval = &domain.Evaluation{
		EvalID:        "e1",
		Title:         "gen",
		EnabledModels: datatypes.JSONSlice[string]{"DreamSim", "CLIP"},
		Kind:          domain.EvaluationGeneration,
		Rows: []domain.Row{{
			Prompt: "a cat",
			Seed:   7,
			Examples: []domain.Example{
				{Position: 0, Labels: datatypes.JSONMap{"style": "a"}, GenJobID: "job-1", State: domain.ExampleInFlight},
				{Position: 1, Labels: datatypes.JSONMap{"style": "b"}, GenJobID: "job-1", State: domain.ExampleInFlight},
			},
		}},
	}
	require.NoError(t, h.store.CreateEvaluation(context.Background(), h.eval))
	for _, ex := range h.eval.Rows[0].Examples {
		h.exIDs = append(h.exIDs, ex.ID)
	}
	h.lease.Hold(cachetest.LeaseKey(cacheKey), "wf-1")
	return h
}

func (h *harness) example(t *testing.T, id uint) *domain.Example {
	t.Helper()
	ex, err := h.store.GetExample(context.Background(), id)
	require.NoError(t, err)
	return ex
}

func TestAggregateGenerationResolvesExamples(t *testing.T) {
	h := newHarness(t)
	srv, downloads := cachetest.ImageServer(t, "png")
	h.fake.Complete("job-1", provider.StatusSucceeded, fmt.Sprintf(`[%q]`, srv.URL+"/out.png"), map[string]any{"predict_time": 3.5})
	in := GenerationResultInput{ExampleIDs: h.exIDs, JobID: "job-1", CacheKey: cacheKey, LeaseOwner: "wf-1", SealedToken: "tok"}

	res, err := h.acts.AggregateGeneration(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "https://blobs.test/"+cacheKey+".png", res.URL)
	assert.Equal(t, []uint{h.eval.Rows[0].ID}, res.CompletedRows)

	first := h.example(t, h.exIDs[0])
	assert.Equal(t, domain.ExampleResolved, first.State)
	assert.Equal(t, res.URL, first.ImageURL)
	assert.Empty(t, first.GenJobID)
	assert.Equal(t, "a", first.Labels["style"])
	assert.InDelta(t, 3.5, first.Labels["predict_time"], 1e-9)
	assert.Equal(t, "b", h.example(t, h.exIDs[1]).Labels["style"], "each example keeps its own labels")

	_, held := h.lease.Holder(cachetest.LeaseKey(cacheKey))
	assert.False(t, held, "lease released")
	assert.Equal(t, []uint{h.eval.Rows[0].ID}, h.trigger.rows)
	assert.Len(t, h.sink.Events(completion.RowGenerationCompletedEvent), 1)

	// Re-applying the same output leaves the example unchanged.
	again, err := h.acts.AggregateGeneration(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, res.URL, again.URL)
	assert.Equal(t, first.Labels, h.example(t, h.exIDs[0]).Labels)
	assert.Equal(t, int32(1), downloads.Load())
}

func TestAggregateGenerationUnrecognizedOutputLeavesExampleInFlight(t *testing.T) {
	h := newHarness(t)
	h.fake.Complete("job-1", provider.StatusSucceeded, `{"images":{"a":1}}`, nil)

	res, err := h.acts.AggregateGeneration(context.Background(), GenerationResultInput{
		ExampleIDs: h.exIDs, JobID: "job-1", CacheKey: cacheKey, LeaseOwner: "wf-1", SealedToken: "tok",
	})
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	ex := h.example(t, h.exIDs[0])
	assert.Equal(t, domain.ExampleInFlight, ex.State)
	assert.Equal(t, "job-1", ex.GenJobID)
	assert.Empty(t, h.trigger.rows)

	_, held := h.lease.Holder(cachetest.LeaseKey(cacheKey))
	assert.False(t, held, "other submissions for the key must not wait on a job that cached nothing")
}

func TestApplyCachedResultFillsMissingLabels(t *testing.T) {
	h := newHarness(t)
	entry := cache.Entry{
		URL:    "https://blobs.test/v1/abc123.png",
		Labels: map[string]any{"style": "cached", "predict_time": 1.25},
		JobID:  "job-0",
	}

	res, err := h.acts.ApplyCachedResult(context.Background(), CachedResultInput{
		ExampleIDs: h.exIDs, CacheKey: cacheKey, Entry: entry, SealedToken: "tok",
	})
	require.NoError(t, err)
	assert.True(t, res.Resolved)

	ex := h.example(t, h.exIDs[0])
	assert.Equal(t, domain.ExampleResolved, ex.State)
	assert.Equal(t, entry.URL, ex.ImageURL)
	assert.Equal(t, "a", ex.Labels["style"])
	assert.InDelta(t, 1.25, ex.Labels["predict_time"], 1e-9)
	assert.Equal(t, []uint{h.eval.Rows[0].ID}, h.trigger.rows)
}

func TestMarkExampleTerminalCompletesRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The first example resolves; the second's job is canceled.
	first := h.example(t, h.exIDs[0])
	first.State, first.ImageURL, first.GenJobID = domain.ExampleResolved, "https://x/a.png", ""
	require.NoError(t, h.store.UpdateExample(ctx, first))

	completed, err := h.acts.MarkExampleTerminal(ctx, TerminalInput{
		ExampleIDs:  h.exIDs[1:],
		State:       domain.ExampleFailed,
		CacheKey:    cacheKey,
		LeaseOwner:  "wf-1",
		SealedToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{h.eval.Rows[0].ID}, completed)

	second := h.example(t, h.exIDs[1])
	assert.Equal(t, domain.ExampleFailed, second.State)
	assert.Equal(t, "job-1", second.GenJobID, "job id kept for audit")
	assert.Equal(t, domain.ExampleResolved, h.example(t, h.exIDs[0]).State)
	assert.Equal(t, []uint{h.eval.Rows[0].ID}, h.trigger.rows)

	_, held := h.lease.Holder(cachetest.LeaseKey(cacheKey))
	assert.False(t, held)
}

// resolvingStore resolves each example right after handing out its
// pre-resolution copy, as a concurrent aggregation would.
type resolvingStore struct {
	store.Store
}

func (s resolvingStore) GetExample(ctx context.Context, id uint) (*domain.Example, error) {
	ex, err := s.Store.GetExample(ctx, id)
	if err != nil {
		return nil, err
	}
	resolved := *ex
	resolved.State, resolved.ImageURL = domain.ExampleResolved, "https://x/late.png"
	if err := s.Store.UpdateExample(ctx, &resolved); err != nil {
		return nil, err
	}
	return ex, nil
}

func TestMarkExampleTerminalNeverOverwritesLateResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := resolvingStore{Store: h.store}
	base := activity.NewBaseActivities(nil)
	c := cache.New(blobstore.NewMemoryStore(""), cache.Options{Lease: h.lease})
	acts := NewActivities(base, st, c, h.fake.Sealed(), completion.NewGate(base, h.store, h.trigger))

	_, err := acts.MarkExampleTerminal(ctx, TerminalInput{
		ExampleIDs:  h.exIDs,
		State:       domain.ExampleTimedOut,
		SealedToken: "tok",
	})
	require.NoError(t, err)

	for _, id := range h.exIDs {
		ex := h.example(t, id)
		assert.Equal(t, domain.ExampleResolved, ex.State)
		assert.Equal(t, "https://x/late.png", ex.ImageURL)
	}
}

func TestMarkExampleTerminalRejectsNonFailureState(t *testing.T) {
	h := newHarness(t)
	_, err := h.acts.MarkExampleTerminal(context.Background(), TerminalInput{ExampleIDs: h.exIDs, State: domain.ExampleResolved})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func seedEvaluationJob(t *testing.T, h *harness, jobID string, kind domain.JobKind) {
	t.Helper()
	require.NoError(t, h.store.CreateEvaluationJob(context.Background(), &domain.EvaluationJob{
		EvaluationID: h.eval.ID,
		JobID:        jobID,
		Kind:         kind,
		RowIDs:       datatypes.JSONSlice[uint]{h.eval.Rows[0].ID},
		Status:       domain.JobInFlight,
	}))
}

func TestAggregateEvaluationSimilarity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedEvaluationJob(t, h, "ds-1", domain.JobSimilarity)
	h.fake.Complete("ds-1", provider.StatusSucceeded,
		`[{"reference":"https://x/a.png","distances":{"https://x/b.png":0.25,"https://x/c.png":0.5}}]`, nil)
	in := EvaluationResultInput{EvaluationID: h.eval.ID, JobID: "ds-1", Kind: domain.JobSimilarity, PairwiseModel: "DreamSim", SealedToken: "tok"}

	res, err := h.acts.AggregateEvaluation(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scores)

	scores, err := h.store.ListScores(ctx, h.eval.ID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "https://x/b.png", scores[0].ImageURL)
	assert.Equal(t, "DreamSim", scores[0].Model)
	require.NotNil(t, scores[0].RefImage)
	assert.Equal(t, "https://x/a.png", *scores[0].RefImage)
	assert.Nil(t, scores[0].Prompt)

	job, err := h.store.GetEvaluationJob(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.Status)

	// A redelivered aggregation does not duplicate scores.
	_, err = h.acts.AggregateEvaluation(ctx, in)
	require.NoError(t, err)
	scores, err = h.store.ListScores(ctx, h.eval.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestAggregateEvaluationBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedEvaluationJob(t, h, "fe-1", domain.JobBatchScoring)
	h.fake.Complete("fe-1", provider.StatusSucceeded,
		`[{"prompt":"a cat","scores":{"https://x/a.png":{"CLIP":0.3,"PickScore":21.5}}}]`, nil)

	res, err := h.acts.AggregateEvaluation(ctx, EvaluationResultInput{
		EvaluationID: h.eval.ID, JobID: "fe-1", Kind: domain.JobBatchScoring, SealedToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scores)

	scores, err := h.store.ListScores(ctx, h.eval.ID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "CLIP", scores[0].Model)
	require.NotNil(t, scores[0].Prompt)
	assert.Equal(t, "a cat", *scores[0].Prompt)
	assert.Nil(t, scores[0].RefImage)
	assert.Len(t, h.sink.Events(EventScoresRecorded), 1)
}

func TestAggregateEvaluationUndecodableMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedEvaluationJob(t, h, "fe-1", domain.JobBatchScoring)
	h.fake.Complete("fe-1", provider.StatusSucceeded, `"not a list"`, nil)

	res, err := h.acts.AggregateEvaluation(ctx, EvaluationResultInput{
		EvaluationID: h.eval.ID, JobID: "fe-1", Kind: domain.JobBatchScoring, SealedToken: "tok",
	})
	require.NoError(t, err)
	assert.Zero(t, res.Scores)

	job, err := h.store.GetEvaluationJob(ctx, "fe-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
}

func TestMarkEvaluationJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedEvaluationJob(t, h, "ds-1", domain.JobSimilarity)

	require.NoError(t, h.acts.MarkEvaluationJob(ctx, JobStatusInput{JobID: "ds-1", Status: domain.JobTimedOut}))
	job, err := h.store.GetEvaluationJob(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobTimedOut, job.Status)

	err = h.acts.MarkEvaluationJob(ctx, JobStatusInput{JobID: "ds-1", Status: domain.JobSucceeded})
	require.Error(t, err)
}
