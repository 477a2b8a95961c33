package generation

import (
	"context"
	"errors"

	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// PrepareGenerationActivity is the registered name of Activities.PrepareGeneration.
const PrepareGenerationActivity = "PrepareGeneration"

// Action tells the generation workflow what PrepareGeneration decided.
type Action string

const (
	// ActionCached means the cache already holds the image; Entry is set.
	ActionCached Action = "cached"

	// ActionWait means another owner holds the generation lease for the key.
	ActionWait Action = "wait"

	// ActionStarted means a provider job is in flight; JobID is set.
	ActionStarted Action = "started"
)

// PrepareInput describes one unit of generation work. Every example in
// ExampleIDs shares CacheKey; the provider job is issued once for all of them.
type PrepareInput struct {
	ExampleIDs  []uint         `json:"example_ids"`
	VersionID   string         `json:"version_id"`
	Inputs      map[string]any `json:"inputs"`
	CacheKey    string         `json:"cache_key"`
	LeaseOwner  string         `json:"lease_owner"`
	SealedToken string         `json:"sealed_token"`
}

// PrepareResult is the outcome of PrepareGeneration.
type PrepareResult struct {
	Action Action       `json:"action"`
	JobID  string       `json:"job_id,omitempty"`
	Entry  *cache.Entry `json:"entry,omitempty"`
}

// ExampleStore is the persistence surface generation needs.
type ExampleStore interface {
	GetExample(ctx context.Context, id uint) (*domain.Example, error)
	UpdateExample(ctx context.Context, e *domain.Example) error
}

// ClientSource builds a provider client for a sealed token.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// Activities handles generation-specific Temporal activities.
type Activities struct {
	activity.BaseActivities
	store   ExampleStore
	cache   *cache.Cache
	clients ClientSource
	events  *EventEmitter
}

// NewActivities creates generation activities with the provided dependencies.
// c supplies both cached results and the per-key generation lease; events
// are emitted through base.
func NewActivities(
	base activity.BaseActivities,
	store ExampleStore,
	c *cache.Cache,
	clients ClientSource,
) *Activities {
	return &Activities{
		BaseActivities: base,
		store:          store,
		cache:          c,
		clients:        clients,
		events:         NewEventEmitter(base),
	}
}

// PrepareGeneration decides how the examples of in get their image.
//
// The operation:
// 1. Returns the cached entry when the key is already populated
// 2. Resumes a job already recorded on the first example
// 3. Takes the generation lease, or asks the caller to wait for its holder
// 4. Issues the provider job and marks every example in flight
//
// Steps 2 and 3 make retries of this activity reuse the job and the lease
// they already own.
func (a *Activities) PrepareGeneration(ctx context.Context, in PrepareInput) (PrepareResult, error) {
	if err := in.validate(); err != nil {
		return PrepareResult{}, fail(kindValidation, "invalid generation input", err)
	}

	entry, ok, err := a.cache.Lookup(ctx, in.CacheKey)
	if err != nil {
		return PrepareResult{}, fail(kindCache, "cache lookup", err)
	}
	if ok {
		activity.SafeLog(ctx, "Generation cache hit", "cache_key", in.CacheKey, "job_id", entry.JobID)
		a.events.EmitCacheHit(ctx, cacheHitEvent{
			CacheKey:      in.CacheKey,
			URL:           entry.URL,
			OriginatingID: entry.JobID,
			ExampleIDs:    in.ExampleIDs,
		})
		return PrepareResult{Action: ActionCached, Entry: &entry}, nil
	}

	leader, err := a.store.GetExample(ctx, in.ExampleIDs[0])
	if err != nil {
		return PrepareResult{}, fail(kindStore, "load example", err)
	}
	if leader.State == domain.ExampleInFlight && leader.GenJobID != "" {
		activity.SafeLog(ctx, "Resuming in-flight generation", "job_id", leader.GenJobID)
		return PrepareResult{Action: ActionStarted, JobID: leader.GenJobID}, nil
	}

	acquired, err := a.cache.AcquireLease(ctx, in.CacheKey, in.LeaseOwner)
	if err != nil {
		return PrepareResult{}, fail(kindCache, "acquire lease", err)
	}
	if !acquired {
		activity.SafeLog(ctx, "Generation lease held elsewhere, waiting", "cache_key", in.CacheKey)
		return PrepareResult{Action: ActionWait}, nil
	}

	client, err := a.clients.ForSealed(in.SealedToken)
	if err != nil {
		return PrepareResult{}, fail(kindValidation, "unseal provider token", err)
	}
	job, err := client.CreateJob(ctx, in.VersionID, in.Inputs)
	if err != nil {
		return PrepareResult{}, providerFailure("create generation job", err)
	}

	if err := a.markInFlight(ctx, in, job.ID); err != nil {
		return PrepareResult{}, fail(kindStore, "record generation job", err)
	}

	activity.SafeLog(ctx, "Generation job started",
		"job_id", job.ID,
		"version_id", in.VersionID,
		"examples", len(in.ExampleIDs))
	a.events.EmitJobStarted(ctx, jobStartedEvent{
		JobID:      job.ID,
		VersionID:  in.VersionID,
		CacheKey:   in.CacheKey,
		ExampleIDs: in.ExampleIDs,
	})
	return PrepareResult{Action: ActionStarted, JobID: job.ID}, nil
}

func (a *Activities) markInFlight(ctx context.Context, in PrepareInput, jobID string) error {
	for _, id := range in.ExampleIDs {
		ex, err := a.store.GetExample(ctx, id)
		if err != nil {
			return err
		}
		ex.GenJobID = jobID
		ex.CacheKey = in.CacheKey
		ex.State = domain.ExampleInFlight
		if err := a.store.UpdateExample(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (in PrepareInput) validate() error {
	switch {
	case len(in.ExampleIDs) == 0:
		return ErrNoExamples
	case in.CacheKey == "":
		return ErrMissingCacheKey
	case in.VersionID == "":
		return errors.New("version id is required")
	case in.LeaseOwner == "":
		return errors.New("lease owner is required")
	}
	return nil
}
