package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL      = "https://api.replicate.com"
	defaultTimeout      = 30 * time.Second
	maxErrorDetailBytes = 512
)

// Config configures Replicate clients built by a ReplicateFactory.
type Config struct {
	BaseURL        string
	RequestsPerSec float64
	Burst          int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// ReplicateFactory builds token-bound Replicate clients that share one
// HTTP transport and one process-wide request limiter.
type ReplicateFactory struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewReplicateFactory applies defaults to cfg and returns a factory.
func NewReplicateFactory(cfg Config) *ReplicateFactory {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ReplicateFactory{baseURL: base, http: hc, limiter: rate.NewLimiter(limit, burst)}
}

// ForToken returns a client that authenticates with token.
func (f *ReplicateFactory) ForToken(token string) Client {
	return &replicateClient{factory: f, token: token}
}

type replicateClient struct {
	factory *ReplicateFactory
	token   string
}

type modelResponse struct {
	LatestVersion *struct {
		ID string `json:"id"`
	} `json:"latest_version"`
}

type versionResponse struct {
	ID string `json:"id"`
}

type predictionResponse struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Status  Status          `json:"status"`
	Input   map[string]any  `json:"input"`
	Output  json.RawMessage `json:"output"`
	Error   json.RawMessage `json:"error"`
	Metrics map[string]any  `json:"metrics"`
}

func (p predictionResponse) job() Job {
	j := Job{
		ID:      p.ID,
		Version: p.Version,
		Status:  p.Status,
		Input:   p.Input,
		Metrics: p.Metrics,
	}
	if len(p.Output) > 0 && string(p.Output) != "null" {
		j.Output = p.Output
	}
	j.Error = errorText(p.Error)
	return j
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// ResolveModel resolves ref to a version id. A pinned "owner/name:version"
// reference is verified against the versions endpoint.
func (c *replicateClient) ResolveModel(ctx context.Context, ref string) (ModelVersion, error) {
	owner, name, version, err := splitRef(ref)
	if err != nil {
		return ModelVersion{}, &ResolutionError{Ref: ref, Err: err}
	}

	if version != "" {
		var v versionResponse
		path := fmt.Sprintf("/v1/models/%s/%s/versions/%s", url.PathEscape(owner), url.PathEscape(name), url.PathEscape(version))
		if err := c.do(ctx, http.MethodGet, path, nil, &v); err != nil {
			return ModelVersion{}, resolutionError(ref, err)
		}
		return ModelVersion{Ref: ref, ID: v.ID}, nil
	}

	var m modelResponse
	path := fmt.Sprintf("/v1/models/%s/%s", url.PathEscape(owner), url.PathEscape(name))
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return ModelVersion{}, resolutionError(ref, err)
	}
	if m.LatestVersion == nil || m.LatestVersion.ID == "" {
		return ModelVersion{}, &ResolutionError{Ref: ref, Err: fmt.Errorf("%w: no published version", ErrModelNotFound)}
	}
	return ModelVersion{Ref: ref, ID: m.LatestVersion.ID}, nil
}

// resolutionError wraps not-found responses; transient failures pass through
// unchanged so callers can retry them.
func resolutionError(ref string, err error) error {
	var st *StatusError
	if errors.As(err, &st) && st.Code == http.StatusNotFound {
		return &ResolutionError{Ref: ref, Err: fmt.Errorf("%w: %v", ErrModelNotFound, err)}
	}
	if IsRetryable(err) {
		return err
	}
	return &ResolutionError{Ref: ref, Err: err}
}

// CreateJob starts a prediction.
func (c *replicateClient) CreateJob(ctx context.Context, versionID string, input map[string]any) (Job, error) {
	body := map[string]any{"version": versionID, "input": input}
	var p predictionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", body, &p); err != nil {
		return Job{}, fmt.Errorf("create prediction: %w", err)
	}
	return p.job(), nil
}

// GetJob fetches a prediction by id.
func (c *replicateClient) GetJob(ctx context.Context, jobID string) (Job, error) {
	var p predictionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(jobID), nil, &p); err != nil {
		var st *StatusError
		if errors.As(err, &st) && st.Code == http.StatusNotFound {
			return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return Job{}, fmt.Errorf("get prediction %s: %w", jobID, err)
	}
	return p.job(), nil
}

func (c *replicateClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.factory.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.factory.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.factory.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetailBytes))
		return &StatusError{Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
