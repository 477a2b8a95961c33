// Package scoring builds and issues the evaluation jobs for a chunk of rows.
//
// Two job shapes exist. A similarity job compares each row's candidate
// images to the row's reference image with the pairwise model. A batch
// scoring job scores every image against all other enabled models in one
// call. Only resolved images are sent; rows with nothing to score are left
// out of the job.
package scoring

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-imgeval/internal/domain"
)

// Provider input separators.
const (
	ImageSeparator       = "|||"
	PromptImageSeparator = ":::"
	rowSeparator         = "\n"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// StartInput describes one evaluation job to issue.
type StartInput struct {
	EvaluationID uint           `json:"evaluation_id" validate:"required"`
	RowIDs       []uint         `json:"row_ids" validate:"required,min=1"`
	Kind         domain.JobKind `json:"kind" validate:"required,oneof=similarity batch_scoring"`
	VersionID    string         `json:"version_id" validate:"required"`
	// Models lists the models a batch scoring job evaluates.
	Models      []string `json:"models,omitempty" validate:"required_if=Kind batch_scoring,dive,required"`
	SealedToken string   `json:"sealed_token" validate:"required"`
}

// Validate checks the input's struct constraints.
func (in *StartInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid evaluation job input: %w", err)
	}
	return nil
}

// resolvedURLs returns the row's resolved image URLs in position order.
func resolvedURLs(row *domain.Row) []string {
	urls := make([]string, 0, len(row.Examples))
	for i := range row.Examples {
		if row.Examples[i].Resolved() {
			urls = append(urls, row.Examples[i].ImageURL)
		}
	}
	return urls
}

// SimilarityInput builds the pairwise job input. Each line is one row's
// images, reference first. Rows with fewer than two resolved images have
// nothing to compare and are skipped. It returns the ids of included rows.
func SimilarityInput(rows []domain.Row) (map[string]any, []uint) {
	var lines []string
	var included []uint
	for i := range rows {
		urls := resolvedURLs(&rows[i])
		if len(urls) < 2 {
			continue
		}
		lines = append(lines, strings.Join(urls, ImageSeparator))
		included = append(included, rows[i].ID)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return map[string]any{
		"images":    strings.Join(lines, rowSeparator),
		"separator": ImageSeparator,
	}, included
}

// BatchInput builds the batch scoring job input, one "prompt:::img|||img"
// line per row with at least one resolved image.
func BatchInput(rows []domain.Row, models []string) (map[string]any, []uint) {
	var lines []string
	var included []uint
	for i := range rows {
		urls := resolvedURLs(&rows[i])
		if len(urls) == 0 {
			continue
		}
		lines = append(lines, rows[i].Prompt+PromptImageSeparator+strings.Join(urls, ImageSeparator))
		included = append(included, rows[i].ID)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return map[string]any{
		"prompts_and_images":      strings.Join(lines, rowSeparator),
		"models":                  strings.Join(models, ","),
		"prompt_images_separator": PromptImageSeparator,
		"image_separator":         ImageSeparator,
	}, included
}
