package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

func newTestInstance(t *testing.T, gw persistence.Gateway) string {
	t.Helper()
	inst := &api.WorkflowInstance{
		ID:        "wf-" + t.Name(),
		Name:      "test",
		Status:    api.StatusRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, gw.CreateWorkflowInstance(context.Background(), inst))
	return inst.ID
}

func TestDo_MemoizesCompletedStep(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"x": float64(1)}, nil
	}

	out1, err := e.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Fresh executor over the same workflow id, simulating a resumed run.
	e2 := New(wfID, gw, nil)
	out2, err := e2.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "fn must not be invoked again")
	require.Equal(t, out1, out2)
}

func TestDo_UniqueStepPerWorkflowAndName(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	ok := func(ctx context.Context) (any, error) { return "ok", nil }
	_, err := e.Do(context.Background(), "a", ok)
	require.NoError(t, err)
	_, err = e.Do(context.Background(), "a", ok)
	require.NoError(t, err)

	state, err := gw.GetWorkflowState(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, state.Steps, 1)
}

func TestDo_MissingExecutor(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	_, err := e.Do(context.Background(), "a", nil)
	require.ErrorIs(t, err, api.ErrMissingExecutor)
}

func TestDo_EmptyName(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	_, err := e.Do(context.Background(), "", func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, api.ErrEmptyStepName)
}

// Scenario B — exponential backoff exhaustion.
func TestDoWithOptions_ExponentialBackoffExhaustion(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	attempts := 0
	fn := func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("boom")
	}

	opts := api.DoOptions{
		Retries: &api.RetryOptions{Limit: 3, Delay: "10 milliseconds", Backoff: api.BackoffExponential},
	}

	start := time.Now()
	_, err := e.DoWithOptions(context.Background(), "flaky", opts, fn)
	elapsed := time.Since(start)

	require.Error(t, err)
	var wfErr *api.WorkflowFailedError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, "flaky", wfErr.StepName)
	require.Equal(t, 4, attempts, "limit=3 means 4 total attempts")

	// D*(2^L - 1) = 10ms * 7 = 70ms.
	require.GreaterOrEqual(t, elapsed, 70*time.Millisecond)

	state, err := gw.GetWorkflowState(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, state.Steps, 1)
	require.Len(t, state.Steps[0].Instances, 1)
	si := state.Steps[0].Instances[0]
	require.Equal(t, api.StepFailed, si.Status)
	require.Equal(t, 3, si.Retries)
	require.Equal(t, "boom", si.FailedReason)

	inst, err := gw.GetWorkflowInstance(context.Background(), wfID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, inst.Status)
	require.Equal(t, `Step "flaky" failed: boom`, inst.FailedReason)
}

// Boundary: limit=0 means exactly one attempt, so no RETRYING transition
// (tested indirectly: fn is invoked exactly once).
func TestDoWithOptions_LimitZero_SingleAttempt(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	attempts := 0
	fn := func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("nope")
	}

	opts := api.DoOptions{Retries: &api.RetryOptions{Limit: 0, Delay: "10 milliseconds", Backoff: api.BackoffFixed}}
	_, err := e.DoWithOptions(context.Background(), "once", opts, fn)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

// Scenario C — timeout then retry succeeds.
func TestDoWithOptions_TimeoutThenRetrySucceeds(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	attempt := 0
	fn := func(ctx context.Context) (any, error) {
		attempt++
		if attempt == 1 {
			time.Sleep(100 * time.Millisecond)
			return nil, nil
		}
		return 42, nil
	}

	opts := api.DoOptions{
		Timeout: "50 milliseconds",
		Retries: &api.RetryOptions{Limit: 1, Delay: "10 milliseconds", Backoff: api.BackoffFixed},
	}

	out, err := e.DoWithOptions(context.Background(), "slow", opts, fn)
	require.NoError(t, err)
	require.Equal(t, 42, out)

	state, err := gw.GetWorkflowState(context.Background(), wfID)
	require.NoError(t, err)
	si := state.Steps[0].Instances[0]
	require.Equal(t, api.StepCompleted, si.Status)
	require.Equal(t, 1, si.Retries)
	require.EqualValues(t, 42, si.Output)
}

func TestDoWithOptions_TimeoutNoRetries_WorkflowFailed(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	fn := func(ctx context.Context) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}

	opts := api.DoOptions{Timeout: "10 milliseconds"}
	_, err := e.DoWithOptions(context.Background(), "slow", opts, fn)
	require.Error(t, err)

	var wfErr *api.WorkflowFailedError
	require.ErrorAs(t, err, &wfErr)
	timeoutErr, ok := api.IsStepTimeout(wfErr.Err)
	require.True(t, ok)
	require.Equal(t, "slow", timeoutErr.StepName)

	inst, err := gw.GetWorkflowInstance(context.Background(), wfID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, inst.Status)
}

// Scenario D — durable sleep, simulating a restart by discarding the
// executor's in-memory caches and continuing against the same gateway.
func TestSleep_ResumeAfterRestart(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	done := make(chan error, 1)
	go func() {
		done <- e.Sleep(context.Background(), "nap", "150 milliseconds")
	}()

	time.Sleep(50 * time.Millisecond)

	// Simulate a restart: a brand new executor over the same instance id
	// resumes the in-flight sleep, waiting only the remaining ~100ms
	// computed from the persisted startedAt.
	e2 := New(wfID, gw, nil)
	resumeStart := time.Now()
	require.NoError(t, e2.Sleep(context.Background(), "nap", "150 milliseconds"))
	require.Less(t, time.Since(resumeStart), 150*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not complete in time")
	}

	// Calling Sleep again with a completed record must be a no-op.
	start := time.Now()
	require.NoError(t, e2.Sleep(context.Background(), "nap", "150 milliseconds"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	state, err := gw.GetWorkflowState(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, state.Sleeps, 1, "sleeping twice must not create a second row")
}

func TestSleep_ZeroDuration_CompletesImmediately(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	require.NoError(t, e.Sleep(context.Background(), "nap", "0 milliseconds"))

	state, err := gw.GetWorkflowState(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, state.Sleeps, 1)
	require.NotNil(t, state.Sleeps[0].CompletedAt)
}

// Scenario E — unknown unit.
func TestSleep_UnknownUnit(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	err := e.Sleep(context.Background(), "x", "3 fortnights")
	require.ErrorIs(t, err, api.ErrUnknownUnit)
}

func TestGetStateFromStep(t *testing.T) {
	gw := persistence.NewMemoryGateway()
	wfID := newTestInstance(t, gw)
	e := New(wfID, gw, nil)

	_, ok := e.GetStateFromStep("a")
	require.False(t, ok)

	_, err := e.Do(context.Background(), "a", func(ctx context.Context) (any, error) { return "hi", nil })
	require.NoError(t, err)

	v, ok := e.GetStateFromStep("a")
	require.True(t, ok)
	require.Equal(t, "hi", v)
}
