// Package completion derives row and evaluation completion from persisted
// state and fires the row-level trigger that releases evaluation work.
//
// Nothing here is stored. Row generation completion gates evaluation
// dispatch; evaluation display completion is recomputed on every results
// read.
package completion

import (
	"github.com/ahrav/go-imgeval/internal/domain"
)

// RowGenerationComplete reports whether every example of a row is terminal:
// it has a resolved image or generation failed or timed out.
func RowGenerationComplete(examples []domain.Example) bool {
	for i := range examples {
		if !examples[i].State.Terminal() {
			return false
		}
	}
	return true
}

type scoreKey struct {
	url   string
	model string
}

// ScoreIndex finds scores by (image URL, model) and checks their disambiguator.
type ScoreIndex struct {
	byKey map[scoreKey][]domain.ModelScore
}

// IndexScores builds a ScoreIndex. Later duplicates for the same identity
// take precedence over earlier ones.
func IndexScores(scores []domain.ModelScore) ScoreIndex {
	ix := ScoreIndex{byKey: make(map[scoreKey][]domain.ModelScore, len(scores))}
	for _, s := range scores {
		k := scoreKey{url: s.ImageURL, model: s.Model}
		ix.byKey[k] = append(ix.byKey[k], s)
	}
	return ix
}

// Lookup returns the score of the example at position idx of row for model.
// Pairwise models match on the row's reference image (its first example);
// every other model matches on the row prompt. Pairwise lookups at idx 0 are
// exempt and always report ok=false with exempt=true.
func (ix ScoreIndex) Lookup(row *domain.Row, idx int, model string, pairwise bool) (score float64, ok, exempt bool) {
	if pairwise && idx == 0 {
		return 0, false, true
	}
	ex := row.Examples[idx]
	if ex.ImageURL == "" {
		return 0, false, false
	}

	candidates := ix.byKey[scoreKey{url: ex.ImageURL, model: model}]
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		if pairwise {
			ref := row.Examples[0].ImageURL
			if c.RefImage != nil && ref != "" && *c.RefImage == ref {
				return c.Score, true, false
			}
			continue
		}
		if c.Prompt != nil && *c.Prompt == row.Prompt {
			return c.Score, true, false
		}
	}
	return 0, false, false
}

// EvaluationDisplayComplete reports whether every example of every row has a
// correctly disambiguated score for every enabled model. Pairwise models are
// not required at a row's reference position. Examples without an image,
// including failed ones, keep the evaluation incomplete.
func EvaluationDisplayComplete(
	eval *domain.Evaluation,
	rows []domain.Row,
	scores []domain.ModelScore,
	isPairwise func(model string) bool,
) bool {
	ix := IndexScores(scores)
	for r := range rows {
		row := &rows[r]
		for i := range row.Examples {
			if row.Examples[i].ImageURL == "" {
				return false
			}
			for _, model := range eval.EnabledModels {
				_, ok, exempt := ix.Lookup(row, i, model, isPairwise(model))
				if !ok && !exempt {
					return false
				}
			}
		}
	}
	return true
}
