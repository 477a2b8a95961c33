package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Activity defaults. Activities are short: the longest one downloads a
// generated image into the cache.
const (
	activityTimeout     = 3 * time.Minute
	maxActivityAttempts = 5
)

// withActivityOptions applies the standard timeout and retry policy.
// Non-retryable application errors raised by activities bypass the policy.
func withActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    maxActivityAttempts,
		},
	})
}
