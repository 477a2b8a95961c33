// Package polling waits for provider jobs without holding a worker.
//
// A wait is a durable workflow timer followed by a short CheckJob activity,
// repeated until the job is terminal or the policy's attempt or elapsed-time
// cap is reached. Exceeding the cap yields OutcomeTimedOut, which callers
// record separately from provider-side failure.
package polling

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgeval/internal/config"
	"github.com/ahrav/go-imgeval/internal/provider"
)

// CheckJobActivity is the registered name of Activities.CheckJob.
const CheckJobActivity = "CheckJob"

// Policy bounds one wait.
type Policy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Interval     time.Duration `json:"interval"`
	MaxAttempts  int           `json:"max_attempts"`
	MaxElapsed   time.Duration `json:"max_elapsed"`
}

// DefaultPolicy matches the provider's observed queue latency: first check
// after 2s, then every 10s, for at most an hour.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: config.DefaultInitialDelay,
		Interval:     config.DefaultPollInterval,
		MaxAttempts:  config.DefaultMaxAttempts,
		MaxElapsed:   config.DefaultMaxElapsed,
	}
}

// PolicyFromConfig converts configured polling bounds.
func PolicyFromConfig(c config.PollingConfig) Policy {
	return Policy{
		InitialDelay: c.InitialDelay,
		Interval:     c.Interval,
		MaxAttempts:  c.MaxAttempts,
		MaxElapsed:   c.MaxElapsed,
	}
}

// ErrInvalidPolicy is returned by Await for a policy that would never stop.
var ErrInvalidPolicy = errors.New("polling: interval, max attempts and max elapsed must be positive")

// FirstCheckAtInterval returns p with the first check one full interval
// after the wait starts.
func (p Policy) FirstCheckAtInterval() Policy {
	p.InitialDelay = p.Interval
	return p
}

// Immediate returns p with no delay before the first check, for callers
// that already waited before issuing the job.
func (p Policy) Immediate() Policy {
	p.InitialDelay = 0
	return p
}

func (p Policy) validate() error {
	if p.Interval <= 0 || p.MaxAttempts <= 0 || p.MaxElapsed <= 0 || p.InitialDelay < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Outcome is the terminal result of a wait.
type Outcome string

// Wait outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Lease names a generation lease held for the duration of a wait. The zero
// value means the wait holds no lease.
type Lease struct {
	Key   string `json:"key,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// CheckJobInput identifies the job to check and the caller it belongs to.
// When Lease is set, every check also renews it, so a lease shorter than
// the whole wait stays held while the job runs.
type CheckJobInput struct {
	JobID       string `json:"job_id"`
	SealedToken string `json:"sealed_token"`
	Lease       Lease  `json:"lease,omitempty"`
}

// CheckJobResult is one observation of a job.
type CheckJobResult struct {
	Status  provider.Status `json:"status"`
	Metrics map[string]any  `json:"metrics,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Await polls jobID until it is terminal or p's caps are reached.
// ctx must carry activity options. Activity errors, after the retry policy
// is exhausted, are returned as errors rather than outcomes.
//
// The first check runs after p.InitialDelay and each later one p.Interval
// after the previous. A non-zero lease is renewed by every check.
func Await(ctx workflow.Context, jobID, sealedToken string, p Policy, lease Lease) (Outcome, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	logger := workflow.GetLogger(ctx)
	start := workflow.Now(ctx)

	if p.InitialDelay > 0 {
		if err := workflow.Sleep(ctx, p.InitialDelay); err != nil {
			return "", err
		}
	}

	for attempt := 1; ; attempt++ {
		var res CheckJobResult
		err := workflow.ExecuteActivity(ctx, CheckJobActivity, CheckJobInput{
			JobID:       jobID,
			SealedToken: sealedToken,
			Lease:       lease,
		}).Get(ctx, &res)
		if err != nil {
			return "", fmt.Errorf("check job %s: %w", jobID, err)
		}

		switch res.Status {
		case provider.StatusSucceeded:
			return OutcomeSucceeded, nil
		case provider.StatusFailed:
			logger.Warn("Provider job failed", "job_id", jobID, "error", res.Error)
			return OutcomeFailed, nil
		case provider.StatusCanceled:
			logger.Warn("Provider job canceled", "job_id", jobID)
			return OutcomeCanceled, nil
		}

		if attempt >= p.MaxAttempts || workflow.Now(ctx).Sub(start)+p.Interval > p.MaxElapsed {
			logger.Warn("Provider job polling timed out",
				"job_id", jobID, "attempts", attempt, "last_status", res.Status)
			return OutcomeTimedOut, nil
		}
		if err := workflow.Sleep(ctx, p.Interval); err != nil {
			return "", err
		}
	}
}
