package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewReplicateFactory(Config{BaseURL: srv.URL}).ForToken("tok")
}

func TestResolveModelLatestVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/andreasjansson/dreamsim", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"latest_version":{"id":"v123"}}`))
	})

	v, err := c.ResolveModel(context.Background(), "andreasjansson/dreamsim")
	require.NoError(t, err)
	assert.Equal(t, "v123", v.ID)
}

func TestResolveModelPinnedVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/o/n/versions/abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	})

	v, err := c.ResolveModel(context.Background(), "o/n:abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", v.ID)
}

func TestResolveModelNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"Not found."}`, http.StatusNotFound)
	})

	_, err := c.ResolveModel(context.Background(), "o/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.True(t, IsResolution(err))
	assert.False(t, IsRetryable(err))
}

func TestResolveModelWithoutVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"latest_version":null}`))
	})

	_, err := c.ResolveModel(context.Background(), "o/n")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolveModelMalformedRef(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.ResolveModel(context.Background(), "no-slash")
	assert.True(t, IsResolution(err))
}

func TestResolveModelServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ResolveModel(context.Background(), "o/n")
	require.Error(t, err)
	assert.False(t, IsResolution(err))
	assert.True(t, IsRetryable(err))
}

func TestCreateJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/predictions", r.URL.Path)

		var body struct {
			Version string         `json:"version"`
			Input   map[string]any `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v1", body.Version)
		assert.Equal(t, "|||", body.Input["separator"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1","version":"v1","status":"starting","output":null,"error":null}`))
	})

	job, err := c.CreateJob(context.Background(), "v1", map[string]any{"separator": "|||"})
	require.NoError(t, err)
	assert.Equal(t, "p1", job.ID)
	assert.Equal(t, StatusStarting, job.Status)
	assert.Nil(t, job.Output)
	assert.Empty(t, job.Error)
}

func TestGetJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predictions/p1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://x/1.png"],"metrics":{"predict_time":1.5}}`))
	})

	job, err := c.GetJob(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.True(t, job.Status.Terminal())

	pt, ok := job.PredictTime()
	assert.True(t, ok)
	assert.InDelta(t, 1.5, pt, 1e-9)

	out := DecodeGenerationOutput(job.Output)
	assert.Equal(t, OutputURLList, out.Kind)
	assert.Equal(t, "https://x/1.png", out.URL)
}

func TestGetJobFailedCarriesError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p1","status":"failed","error":"CUDA out of memory"}`))
	})

	job, err := c.GetJob(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "CUDA out of memory", job.Error)
}

func TestGetJobStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retryable bool
		notFound  bool
	}{
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusBadGateway, true, false},
		{"unauthorized", http.StatusUnauthorized, false, false},
		{"missing", http.StatusNotFound, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			})
			_, err := c.GetJob(context.Background(), "p1")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.notFound, errors.Is(err, ErrJobNotFound))
		})
	}
}

func TestFactoryClientsShareLimiter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id":"p","status":"processing"}`))
	}))
	t.Cleanup(srv.Close)

	f := NewReplicateFactory(Config{BaseURL: srv.URL, RequestsPerSec: 1000, Burst: 5})
	a, b := f.ForToken("a"), f.ForToken("b")

	_, err := a.GetJob(context.Background(), "p")
	require.NoError(t, err)
	_, err = b.GetJob(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
