package completion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/pkg/activity"
	"github.com/ahrav/go-imgeval/pkg/events"
)

func isDreamSim(m string) bool { return m == "DreamSim" }

func strPtr(s string) *string { return &s }

func resolved(pos int, url string) domain.Example {
	return domain.Example{Position: pos, ImageURL: url, State: domain.ExampleResolved}
}

func TestRowGenerationComplete(t *testing.T) {
	tests := []struct {
		name     string
		examples []domain.Example
		want     bool
	}{
		{"empty row", nil, true},
		{"all resolved", []domain.Example{resolved(0, "a"), resolved(1, "b")}, true},
		{"one in flight", []domain.Example{resolved(0, "a"), {State: domain.ExampleInFlight}}, false},
		{"one pending", []domain.Example{{State: domain.ExamplePending}}, false},
		{"failed counts as terminal", []domain.Example{resolved(0, "a"), {State: domain.ExampleFailed}}, true},
		{"timed out counts as terminal", []domain.Example{{State: domain.ExampleTimedOut}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RowGenerationComplete(tt.examples))
		})
	}
}

func TestRowCompletionFlipsOnLastTransition(t *testing.T) {
	examples := []domain.Example{
		{State: domain.ExampleInFlight},
		{State: domain.ExampleInFlight},
	}
	assert.False(t, RowGenerationComplete(examples))

	examples[0].State, examples[0].ImageURL = domain.ExampleResolved, "https://a.png"
	assert.False(t, RowGenerationComplete(examples))

	examples[1].State = domain.ExampleFailed
	assert.True(t, RowGenerationComplete(examples))
}

func TestDisplayCompletePairwiseExemptAtReference(t *testing.T) {
	// One row, one supplied image, only the pairwise model enabled: the
	// provider's distance map omits the reference itself.
	eval := &domain.Evaluation{EnabledModels: datatypes.JSONSlice[string]{"DreamSim"}}
	rows := []domain.Row{{Prompt: "p", Examples: []domain.Example{resolved(0, "https://ref.png")}}}

	assert.True(t, EvaluationDisplayComplete(eval, rows, nil, isDreamSim))
}

func TestDisplayCompleteRequiresCorrectDisambiguator(t *testing.T) {
	eval := &domain.Evaluation{EnabledModels: datatypes.JSONSlice[string]{"DreamSim", "CLIP"}}
	rows := []domain.Row{{
		Prompt:   "a cat",
		Examples: []domain.Example{resolved(0, "https://ref.png"), resolved(1, "https://c.png")},
	}}

	base := []domain.ModelScore{
		{ImageURL: "https://ref.png", Model: "CLIP", Score: 0.1, Prompt: strPtr("a cat")},
		{ImageURL: "https://c.png", Model: "CLIP", Score: 0.2, Prompt: strPtr("a cat")},
	}

	wrongRef := append(append([]domain.ModelScore{}, base...),
		domain.ModelScore{ImageURL: "https://c.png", Model: "DreamSim", Score: 0.3, RefImage: strPtr("https://other.png")})
	assert.False(t, EvaluationDisplayComplete(eval, rows, wrongRef, isDreamSim))

	rightRef := append(append([]domain.ModelScore{}, base...),
		domain.ModelScore{ImageURL: "https://c.png", Model: "DreamSim", Score: 0.3, RefImage: strPtr("https://ref.png")})
	assert.True(t, EvaluationDisplayComplete(eval, rows, rightRef, isDreamSim))

	wrongPrompt := []domain.ModelScore{
		{ImageURL: "https://ref.png", Model: "CLIP", Score: 0.1, Prompt: strPtr("a dog")},
		rightRef[1], rightRef[2],
	}
	assert.False(t, EvaluationDisplayComplete(eval, rows, wrongPrompt, isDreamSim))
}

func TestDisplayCompleteStaysFalseWithFailedExample(t *testing.T) {
	eval := &domain.Evaluation{EnabledModels: datatypes.JSONSlice[string]{"CLIP"}}
	rows := []domain.Row{{
		Prompt:   "p",
		Examples: []domain.Example{resolved(0, "https://a.png"), {Position: 1, State: domain.ExampleFailed}},
	}}
	scores := []domain.ModelScore{{ImageURL: "https://a.png", Model: "CLIP", Prompt: strPtr("p")}}

	assert.False(t, EvaluationDisplayComplete(eval, rows, scores, isDreamSim))
}

func TestScoreIndexLaterDuplicateWins(t *testing.T) {
	row := &domain.Row{Prompt: "p", Examples: []domain.Example{resolved(0, "https://a.png")}}
	ix := IndexScores([]domain.ModelScore{
		{ImageURL: "https://a.png", Model: "CLIP", Score: 1, Prompt: strPtr("p")},
		{ImageURL: "https://a.png", Model: "CLIP", Score: 2, Prompt: strPtr("p")},
	})

	score, ok, exempt := ix.Lookup(row, 0, "CLIP", false)
	assert.True(t, ok)
	assert.False(t, exempt)
	assert.InDelta(t, 2.0, score, 1e-9)
}

type fakeRows map[uint]*domain.Row

func (f fakeRows) GetRow(_ context.Context, id uint) (*domain.Row, error) {
	r, ok := f[id]
	if !ok {
		return nil, assert.AnError
	}
	return r, nil
}

type recordingTrigger struct {
	calls []uint
	err   error
}

func (r *recordingTrigger) OnRowGenerationComplete(_ context.Context, _, rowID uint, _ string) error {
	r.calls = append(r.calls, rowID)
	return r.err
}

func TestGateFiresOnlyForCompleteRows(t *testing.T) {
	rows := fakeRows{
		1: {ID: 1, EvaluationID: 9, Examples: []domain.Example{resolved(0, "a"), {State: domain.ExampleInFlight}}},
		2: {ID: 2, EvaluationID: 9, Examples: []domain.Example{resolved(0, "a"), {State: domain.ExampleFailed}}},
	}
	trigger := &recordingTrigger{}
	sink := events.NewMemoryEventSink()
	gate := NewGate(activity.NewBaseActivities(sink), rows, trigger)
	ctx := context.Background()

	done, err := gate.Evaluate(ctx, 1, "sealed")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, trigger.calls)

	done, err = gate.Evaluate(ctx, 2, "sealed")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []uint{2}, trigger.calls)

	evs := sink.Events(RowGenerationCompletedEvent)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"evaluation_id":9,"row_id":2,"resolved":1,"failed":1}`, string(evs[0].Payload))

	_, err = gate.Evaluate(ctx, 3, "sealed")
	assert.Error(t, err)
}

func TestGatePropagatesTriggerError(t *testing.T) {
	rows := fakeRows{1: {ID: 1, Examples: []domain.Example{resolved(0, "a")}}}
	gate := NewGate(activity.NewBaseActivities(nil), rows, &recordingTrigger{err: assert.AnError})

	done, err := gate.Evaluate(context.Background(), 1, "sealed")
	assert.True(t, done)
	assert.ErrorIs(t, err, assert.AnError)
}
