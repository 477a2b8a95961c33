package polling

import (
	"context"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// ClientSource builds a provider client for a sealed token.
// provider.SealedFactory satisfies it.
type ClientSource interface {
	ForSealed(sealed string) (provider.Client, error)
}

// LeaseRenewer refreshes a generation lease for its current owner.
// *cache.Cache satisfies it: re-acquiring an owned lease resets its TTL.
type LeaseRenewer interface {
	AcquireLease(ctx context.Context, key, owner string) (bool, error)
}

// Activities holds the polling activity and its dependencies.
type Activities struct {
	activity.BaseActivities
	clients ClientSource
	leases  LeaseRenewer
}

// NewActivities creates polling activities. leases may be nil, in which
// case lease renewal requests are ignored.
func NewActivities(base activity.BaseActivities, clients ClientSource, leases LeaseRenewer) *Activities {
	return &Activities{BaseActivities: base, clients: clients, leases: leases}
}

// CheckJob fetches the current state of one provider job. It never waits:
// the calling workflow schedules the next check.
//
// When the input names a lease, CheckJob first renews it. Renewal problems
// are logged and never fail the check.
func (a *Activities) CheckJob(ctx context.Context, in CheckJobInput) (CheckJobResult, error) {
	if in.JobID == "" {
		return CheckJobResult{}, nonRetryable("CheckJob", nil, "job id is required")
	}
	a.renewLease(ctx, in)

	client, err := a.clients.ForSealed(in.SealedToken)
	if err != nil {
		return CheckJobResult{}, nonRetryable("Credentials", err, "unseal provider token")
	}

	job, err := client.GetJob(ctx, in.JobID)
	if err != nil {
		if provider.IsRetryable(err) {
			activity.SafeLogWarn(ctx, "Transient error checking job", "job_id", in.JobID, "error", err)
			return CheckJobResult{}, retryable("Provider", err, "get job")
		}
		return CheckJobResult{}, nonRetryable("Provider", err, "get job")
	}

	activity.SafeLog(ctx, "Checked provider job", "job_id", in.JobID, "status", job.Status)
	return CheckJobResult{Status: job.Status, Metrics: job.Metrics, Error: job.Error}, nil
}

func (a *Activities) renewLease(ctx context.Context, in CheckJobInput) {
	if a.leases == nil || in.Lease.Key == "" || in.Lease.Owner == "" {
		return
	}
	held, err := a.leases.AcquireLease(ctx, in.Lease.Key, in.Lease.Owner)
	switch {
	case err != nil:
		activity.SafeLogWarn(ctx, "Failed to renew generation lease",
			"cache_key", in.Lease.Key, "job_id", in.JobID, "error", err)
	case !held:
		activity.SafeLogWarn(ctx, "Generation lease taken by another owner",
			"cache_key", in.Lease.Key, "job_id", in.JobID)
	}
}

// nonRetryable wraps an error as a Temporal non-retryable application error.
func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

// retryable wraps an error as a Temporal retryable application error.
func retryable(tag string, cause error, msg string) error {
	return temporal.NewApplicationError(msg, tag, cause)
}
