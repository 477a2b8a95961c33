package polling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkactivity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-imgeval/internal/blobstore"
	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/cache/cachetest"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/internal/provider/providertest"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

func awaitWorkflow(ctx workflow.Context, jobID string, p Policy, lease Lease) (Outcome, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return Await(ctx, jobID, "token", p, lease)
}

// scriptedCheck answers CheckJob with statuses in order, repeating the last one.
func scriptedCheck(calls *atomic.Int32, statuses ...provider.Status) func(context.Context, CheckJobInput) (CheckJobResult, error) {
	return func(_ context.Context, in CheckJobInput) (CheckJobResult, error) {
		n := int(calls.Add(1))
		if n > len(statuses) {
			n = len(statuses)
		}
		return CheckJobResult{Status: statuses[n-1]}, nil
	}
}

func runAwait(t *testing.T, p Policy, check any) (Outcome, error) {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(awaitWorkflow)
	env.RegisterActivityWithOptions(check, sdkactivity.RegisterOptions{Name: CheckJobActivity})

	env.ExecuteWorkflow(awaitWorkflow, "job-1", p, Lease{})
	require.True(t, env.IsWorkflowCompleted())
	if err := env.GetWorkflowError(); err != nil {
		return "", err
	}
	var out Outcome
	require.NoError(t, env.GetWorkflowResult(&out))
	return out, nil
}

func TestAwaitSucceedsAfterRunning(t *testing.T) {
	var calls atomic.Int32
	out, err := runAwait(t, DefaultPolicy(), scriptedCheck(&calls,
		provider.StatusStarting, provider.StatusProcessing, provider.StatusProcessing, provider.StatusSucceeded))

	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out)
	assert.Equal(t, int32(4), calls.Load())
}

func TestAwaitTerminalFailures(t *testing.T) {
	tests := []struct {
		status provider.Status
		want   Outcome
	}{
		{provider.StatusFailed, OutcomeFailed},
		{provider.StatusCanceled, OutcomeCanceled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			out, err := runAwait(t, DefaultPolicy(), scriptedCheck(&calls, provider.StatusProcessing, tt.status))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			assert.Equal(t, int32(2), calls.Load(), "terminal jobs are not polled again")
		})
	}
}

func TestAwaitTimesOutOnAttemptCap(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Interval: 10 * time.Second, MaxAttempts: 3, MaxElapsed: time.Hour}

	out, err := runAwait(t, p, scriptedCheck(&calls, provider.StatusProcessing))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitTimesOutOnElapsedCap(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Interval: 10 * time.Second, MaxAttempts: 1000, MaxElapsed: 25 * time.Second}

	out, err := runAwait(t, p, scriptedCheck(&calls, provider.StatusProcessing))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitSurfacesActivityError(t *testing.T) {
	check := func(context.Context, CheckJobInput) (CheckJobResult, error) {
		return CheckJobResult{}, temporal.NewNonRetryableApplicationError("boom", "Provider", nil)
	}
	_, err := runAwait(t, DefaultPolicy(), check)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestAwaitRejectsUnboundedPolicy(t *testing.T) {
	var calls atomic.Int32
	_, err := runAwait(t, Policy{Interval: time.Second}, scriptedCheck(&calls, provider.StatusProcessing))
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestCheckJob(t *testing.T) {
	fake := providertest.New(nil)
	fake.Complete("job-9", provider.StatusSucceeded, `"https://x/out.png"`, map[string]any{"predict_time": 1.5})
	a := NewActivities(activity.NewBaseActivities(nil), fake.Sealed(), nil)

	res, err := a.CheckJob(context.Background(), CheckJobInput{JobID: "job-9", SealedToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, res.Status)
	assert.InDelta(t, 1.5, res.Metrics["predict_time"], 1e-9)
}

func TestCheckJobErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		getErr       error
		token        string
		jobID        string
		nonRetryable bool
	}{
		{"missing job id", nil, "tok", "", true},
		{"bad token", nil, "", "job-1", true},
		{"unknown job", nil, "tok", "job-404", true},
		{"server error", &provider.StatusError{Code: 503}, "tok", "job-1", false},
		{"unauthorized", &provider.StatusError{Code: 401}, "tok", "job-1", true},
		{"transport error", errors.New("connection reset"), "tok", "job-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := providertest.New(nil)
			fake.GetErr = tt.getErr
			a := NewActivities(activity.NewBaseActivities(nil), fake.Sealed(), nil)

			_, err := a.CheckJob(context.Background(), CheckJobInput{JobID: tt.jobID, SealedToken: tt.token})
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.nonRetryable, appErr.NonRetryable())
		})
	}
}

func TestAwaitSchedule(t *testing.T) {
	base := Policy{InitialDelay: 2 * time.Second, Interval: 10 * time.Second, MaxAttempts: 20, MaxElapsed: time.Hour}
	tests := []struct {
		name string
		p    Policy
		want []time.Duration
	}{
		{"initial delay first", base, []time.Duration{2 * time.Second, 10 * time.Second}},
		{"first check at interval", base.FirstCheckAtInterval(), []time.Duration{10 * time.Second, 10 * time.Second}},
		{"immediate", base.Immediate(), []time.Duration{10 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s testsuite.WorkflowTestSuite
			env := s.NewTestWorkflowEnvironment()
			env.RegisterWorkflow(awaitWorkflow)
			var calls atomic.Int32
			env.RegisterActivityWithOptions(scriptedCheck(&calls, provider.StatusProcessing, provider.StatusSucceeded),
				sdkactivity.RegisterOptions{Name: CheckJobActivity})
			var timers []time.Duration
			env.SetOnTimerScheduledListener(func(_ string, d time.Duration) {
				timers = append(timers, d)
			})

			env.ExecuteWorkflow(awaitWorkflow, "job-1", tt.p, Lease{})
			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())
			assert.Equal(t, tt.want, timers)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

// runLeasedAwait waits on a job that stays processing for checks polls,
// with CheckJob renewing lease against a table whose TTLs follow the
// workflow clock.
func runLeasedAwait(t *testing.T, checks int32, lease Lease) (*cache.Cache, *cachetest.Lease) {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	table := cachetest.NewExpiringLease(env.Now)
	c := cache.New(blobstore.NewMemoryStore(""), cache.Options{Lease: table, LeaseTTL: 15 * time.Minute})
	held, err := c.AcquireLease(context.Background(), "v1/k", "wf-1")
	require.NoError(t, err)
	require.True(t, held)

	fake := providertest.New(nil)
	fake.Complete("job-1", provider.StatusProcessing, "", nil)
	a := NewActivities(activity.NewBaseActivities(nil), fake.Sealed(), c)
	var calls atomic.Int32
	check := func(ctx context.Context, in CheckJobInput) (CheckJobResult, error) {
		if calls.Add(1) == checks {
			fake.Complete("job-1", provider.StatusSucceeded, `"https://x/out.png"`, nil)
		}
		return a.CheckJob(ctx, in)
	}

	env.RegisterWorkflow(awaitWorkflow)
	env.RegisterActivityWithOptions(check, sdkactivity.RegisterOptions{Name: CheckJobActivity})
	p := Policy{Interval: time.Minute, MaxAttempts: 200, MaxElapsed: 3 * time.Hour}
	env.ExecuteWorkflow(awaitWorkflow, "job-1", p, lease)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out Outcome
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, OutcomeSucceeded, out)
	require.Equal(t, checks, calls.Load())
	return c, table
}

func TestAwaitRenewsLeaseAcrossLongWait(t *testing.T) {
	c, table := runLeasedAwait(t, 100, Lease{Key: "v1/k", Owner: "wf-1"})

	owner, held := table.Holder(cachetest.LeaseKey("v1/k"))
	require.True(t, held, "a lease renewed on every check must outlive a wait longer than its TTL")
	assert.Equal(t, "wf-1", owner)
	ok, err := c.AcquireLease(context.Background(), "v1/k", "wf-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwaitWithoutLeaseLetsItExpire(t *testing.T) {
	c, table := runLeasedAwait(t, 100, Lease{})

	_, held := table.Holder(cachetest.LeaseKey("v1/k"))
	assert.False(t, held)
	ok, err := c.AcquireLease(context.Background(), "v1/k", "wf-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckJobRenewalNeverFailsTheCheck(t *testing.T) {
	fake := providertest.New(nil)
	fake.Complete("job-1", provider.StatusProcessing, "", nil)
	table := cachetest.NewLease()
	table.Hold(cachetest.LeaseKey("v1/k"), "wf-other")
	c := cache.New(blobstore.NewMemoryStore(""), cache.Options{Lease: table})
	a := NewActivities(activity.NewBaseActivities(nil), fake.Sealed(), c)

	res, err := a.CheckJob(context.Background(), CheckJobInput{
		JobID: "job-1", SealedToken: "tok", Lease: Lease{Key: "v1/k", Owner: "wf-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusProcessing, res.Status)
	owner, _ := table.Holder(cachetest.LeaseKey("v1/k"))
	assert.Equal(t, "wf-other", owner, "renewal must not steal a lease held by another owner")
}
