// Package provider adapts an asynchronous prediction service with a
// Replicate-compatible REST API. It resolves model references to concrete
// version identifiers, creates prediction jobs, fetches their state and
// decodes their loosely typed output into tagged variants.
//
// Clients are bound to a single caller token. Callers obtain one per task
// from a Factory rather than sharing a process-wide client.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the provider-reported lifecycle state of a job.
type Status string

// Job statuses reported by the provider.
const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the provider will not change the job's status again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ModelVersion is a resolved, immutable model version.
type ModelVersion struct {
	Ref string `json:"ref"`
	ID  string `json:"id"`
}

// Job is a snapshot of one provider prediction.
type Job struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Status  Status          `json:"status"`
	Input   map[string]any  `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Metrics map[string]any  `json:"metrics,omitempty"`
}

// PredictTime returns the provider-reported inference time in seconds, if any.
func (j *Job) PredictTime() (float64, bool) {
	v, ok := j.Metrics["predict_time"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Client talks to the prediction provider on behalf of one token.
type Client interface {
	// ResolveModel maps "owner/name" or "owner/name:version" to a concrete version.
	// Unknown models yield a *ResolutionError wrapping ErrModelNotFound.
	ResolveModel(ctx context.Context, ref string) (ModelVersion, error)

	// CreateJob starts a prediction for versionID with the given input.
	CreateJob(ctx context.Context, versionID string, input map[string]any) (Job, error)

	// GetJob fetches the current state of a prediction.
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Factory builds token-bound clients.
type Factory interface {
	ForToken(token string) Client
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(token string) Client

// ForToken calls f.
func (f FactoryFunc) ForToken(token string) Client { return f(token) }

// splitRef parses "owner/name[:version]".
func splitRef(ref string) (owner, name, version string, err error) {
	base, version, _ := strings.Cut(strings.TrimSpace(ref), ":")
	owner, name, ok := strings.Cut(base, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("%w: malformed model reference %q", ErrModelNotFound, ref)
	}
	return owner, name, version, nil
}
