// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-imgeval/internal/provider"
)

// Fake is a scriptable provider.Client. Models maps references to version
// ids; unknown references resolve to a *provider.ResolutionError. Jobs are
// created with sequential ids and start in StatusStarting.
type Fake struct {
	mu sync.Mutex

	Models map[string]string
	jobs   map[string]*provider.Job
	seq    int

	// Created records every CreateJob call in order.
	Created []provider.Job

	// CreateErr, when set, is returned by CreateJob.
	CreateErr error
	// GetErr, when set, is returned by GetJob.
	GetErr error
}

// New returns a Fake that resolves the given ref → version pairs.
func New(models map[string]string) *Fake {
	if models == nil {
		models = map[string]string{}
	}
	return &Fake{Models: models, jobs: map[string]*provider.Job{}}
}

// ResolveModel implements provider.Client.
func (f *Fake) ResolveModel(_ context.Context, ref string) (provider.ModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Models[ref]
	if !ok {
		return provider.ModelVersion{}, &provider.ResolutionError{Ref: ref, Err: provider.ErrModelNotFound}
	}
	return provider.ModelVersion{Ref: ref, ID: id}, nil
}

// CreateJob implements provider.Client.
func (f *Fake) CreateJob(_ context.Context, versionID string, input map[string]any) (provider.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return provider.Job{}, f.CreateErr
	}
	f.seq++
	job := provider.Job{
		ID:      fmt.Sprintf("job-%d", f.seq),
		Version: versionID,
		Status:  provider.StatusStarting,
		Input:   input,
	}
	f.jobs[job.ID] = &job
	f.Created = append(f.Created, job)
	return job, nil
}

// GetJob implements provider.Client.
func (f *Fake) GetJob(_ context.Context, jobID string) (provider.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return provider.Job{}, f.GetErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return provider.Job{}, fmt.Errorf("%w: %s", provider.ErrJobNotFound, jobID)
	}
	return *job, nil
}

// Complete sets a job's terminal state, output and metrics. A job unknown
// to the fake is created so tests can script jobs issued elsewhere.
func (f *Fake) Complete(jobID string, status provider.Status, output string, metrics map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		job = &provider.Job{ID: jobID}
		f.jobs[jobID] = job
	}
	job.Status = status
	if output != "" {
		job.Output = []byte(output)
	}
	job.Metrics = metrics
}

// CreatedCount reports how many jobs were created.
func (f *Fake) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// Factory returns a provider.Factory handing out f for every token.
func (f *Fake) Factory() provider.Factory {
	return provider.FactoryFunc(func(string) provider.Client { return f })
}

// PlainOpener treats sealed tokens as plaintext.
type PlainOpener struct{}

// Open implements provider.TokenOpener.
func (PlainOpener) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", fmt.Errorf("empty token")
	}
	return sealed, nil
}

// Sealed returns a SealedFactory over f that accepts any non-empty token.
func (f *Fake) Sealed() provider.SealedFactory {
	return provider.SealedFactory{Factory: f.Factory(), Opener: PlainOpener{}}
}
