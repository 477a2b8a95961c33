package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Default input names the generation model receives the row prompt and seed under.
const (
	DefaultPromptInput = "prompt"
	DefaultSeedInput   = "seed"
)

// ImageData is one pre-supplied image with its caller labels.
type ImageData struct {
	URL    string         `json:"url" validate:"required,url,max=1000"`
	Labels map[string]any `json:"labels,omitempty"`
}

// RowData is one row of an image evaluation submission.
type RowData struct {
	Prompt   string         `json:"prompt,omitempty"`
	Seed     *int64         `json:"seed,omitempty"`
	Images   []ImageData    `json:"images" validate:"required,min=1,dive"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EvaluateImagesRequest submits rows whose images already exist.
type EvaluateImagesRequest struct {
	APIKey     string    `json:"api_key" validate:"required"`
	Title      string    `json:"title" validate:"required,max=255"`
	Data       []RowData `json:"data" validate:"required,min=1,dive"`
	EvalModels []string  `json:"eval_models" validate:"required,min=1,dive,required,max=50"`
}

// Validate checks struct constraints, label value types and prompt consistency.
func (r *EvaluateImagesRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	prompts := make([]string, len(r.Data))
	for i, row := range r.Data {
		prompts[i] = row.Prompt
		for j, img := range row.Images {
			if err := validateLabels(img.Labels); err != nil {
				return fmt.Errorf("%w: data[%d].images[%d].labels: %w", ErrInvalidRequest, i, j, err)
			}
		}
	}
	return checkPromptConsistency(prompts)
}

// ExampleSpec describes one image to generate for a row.
// PromptInput and SeedInput name the model inputs that receive the row prompt and seed.
type ExampleSpec struct {
	Model       string         `json:"model" validate:"required,max=255"`
	PromptInput string         `json:"prompt_input,omitempty"`
	SeedInput   string         `json:"seed_input,omitempty"`
	Inputs      map[string]any `json:"inputs" validate:"required"`
}

// WithDefaults fills in the default prompt and seed input names.
func (s ExampleSpec) WithDefaults() ExampleSpec {
	if s.PromptInput == "" {
		s.PromptInput = DefaultPromptInput
	}
	if s.SeedInput == "" {
		s.SeedInput = DefaultSeedInput
	}
	return s
}

// GenerationRow is one row of a generate-and-evaluate submission.
type GenerationRow struct {
	Prompt   string        `json:"prompt"`
	Seed     *int64        `json:"seed,omitempty"`
	Examples []ExampleSpec `json:"examples" validate:"required,min=1,dive"`
}

// GenerateAndEvaluateRequest submits rows whose images are generated on demand.
type GenerateAndEvaluateRequest struct {
	APIKey     string          `json:"api_key" validate:"required"`
	Title      string          `json:"title" validate:"required,max=255"`
	Rows       []GenerationRow `json:"rows" validate:"required,min=1,dive"`
	EvalModels []string        `json:"eval_models" validate:"required,min=1,dive,required,max=50"`
}

// Validate checks struct constraints and generation input value types.
func (r *GenerateAndEvaluateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for i, row := range r.Rows {
		for j, ex := range row.Examples {
			for k, v := range ex.Inputs {
				if err := validateInputValue(v); err != nil {
					return fmt.Errorf("%w: rows[%d].examples[%d].inputs[%q]: %w", ErrInvalidRequest, i, j, k, err)
				}
			}
		}
	}
	return nil
}

// checkPromptConsistency requires that either every row has a prompt or none does.
func checkPromptConsistency(prompts []string) error {
	with := 0
	for _, p := range prompts {
		if p != "" {
			with++
		}
	}
	if with != 0 && with != len(prompts) {
		return ErrInconsistentPrompts
	}
	return nil
}

// validateLabels accepts scalar label values only.
func validateLabels(labels map[string]any) error {
	for k, v := range labels {
		switch v.(type) {
		case string, bool, float64, float32, int, int64, json.Number:
		default:
			return fmt.Errorf("label %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// validateInputValue accepts strings, numbers, booleans and lists of integers.
func validateInputValue(v any) error {
	switch t := v.(type) {
	case string, bool, float64, float32, int, int64, json.Number:
		return nil
	case []int:
		return nil
	case []int64:
		return nil
	case []any:
		for i, e := range t {
			f, ok := e.(float64)
			if !ok || f != math.Trunc(f) {
				return fmt.Errorf("list element %d is not an integer", i)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
