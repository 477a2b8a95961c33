package provider

import (
	"encoding/json"
	"fmt"
)

// GenerationOutputKind tags the shape of a generation job's output.
type GenerationOutputKind int

const (
	// OutputUnrecognized is any shape other than a URL or a list of URLs.
	OutputUnrecognized GenerationOutputKind = iota
	// OutputURLList is a JSON array whose first element is the image URL.
	OutputURLList
	// OutputURL is a single JSON string URL.
	OutputURL
)

func (k GenerationOutputKind) String() string {
	switch k {
	case OutputURLList:
		return "url_list"
	case OutputURL:
		return "url"
	default:
		return "unrecognized"
	}
}

// GenerationOutput is the decoded output of an image generation job.
type GenerationOutput struct {
	Kind GenerationOutputKind
	// URL is the image to keep; empty when Kind is OutputUnrecognized.
	URL string
	// Raw is the undecoded output, retained for logging.
	Raw json.RawMessage
}

// DecodeGenerationOutput classifies raw generation output. It never fails:
// anything it cannot interpret is reported as OutputUnrecognized.
func DecodeGenerationOutput(raw json.RawMessage) GenerationOutput {
	out := GenerationOutput{Kind: OutputUnrecognized, Raw: raw}
	if len(raw) == 0 {
		return out
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single != "" {
			out.Kind, out.URL = OutputURL, single
		}
		return out
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		out.Kind, out.URL = OutputURLList, list[0]
	}
	return out
}

// SimilarityRecord is one reference image with the distance of each candidate to it.
type SimilarityRecord struct {
	Reference string             `json:"reference"`
	Distances map[string]float64 `json:"distances"`
}

// SimilarityOutput is the decoded output of a pairwise similarity job.
type SimilarityOutput []SimilarityRecord

// BatchScoreRecord holds per-image, per-model scores for one prompt.
type BatchScoreRecord struct {
	Prompt string                        `json:"prompt"`
	Scores map[string]map[string]float64 `json:"scores"`
}

// BatchScoreOutput is the decoded output of a batch scoring job.
type BatchScoreOutput []BatchScoreRecord

// DecodeSimilarityOutput decodes a similarity job's output.
func DecodeSimilarityOutput(raw json.RawMessage) (SimilarityOutput, error) {
	var out SimilarityOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode similarity output: %w", err)
	}
	return out, nil
}

// DecodeBatchScoreOutput decodes a batch scoring job's output.
func DecodeBatchScoreOutput(raw json.RawMessage) (BatchScoreOutput, error) {
	var out BatchScoreOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode batch score output: %w", err)
	}
	return out, nil
}
