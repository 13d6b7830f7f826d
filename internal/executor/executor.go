// Package executor implements the StepExecutor: the per-workflow-instance
// façade that turns step.Do/DoWithOptions/Sleep calls into memoized,
// resumable, retry-and-timeout-aware persistence operations.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mofax/durolow/internal/duration"
	"github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

// StepExecutor implements api.Step, bound to one workflow instance and a
// persistence.Gateway. The two in-memory caches (stepIDCache, stepState)
// are confined to this value and discarded when the process exits; neither
// is a durable read.
type StepExecutor struct {
	workflowInstanceID string
	gateway            persistence.Gateway
	observer           api.Observer

	mu          sync.Mutex
	stepIDCache map[string]string
	stepState   map[string]any
}

var _ api.Step = (*StepExecutor)(nil)

// New constructs a StepExecutor bound to workflowInstanceID. observer may
// be nil, in which case events are discarded.
func New(workflowInstanceID string, gateway persistence.Gateway, observer api.Observer) *StepExecutor {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &StepExecutor{
		workflowInstanceID: workflowInstanceID,
		gateway:            gateway,
		observer:           observer,
		stepIDCache:        make(map[string]string),
		stepState:          make(map[string]any),
	}
}

// Do runs fn under name with default options (no retry, no timeout).
func (e *StepExecutor) Do(ctx context.Context, name string, fn api.StepFunc) (any, error) {
	return e.DoWithOptions(ctx, name, api.DoOptions{}, fn)
}

// DoWithOptions is the heart of the engine: memoize, resume, retry, or
// timeout a named step, per the StepInstance state machine.
func (e *StepExecutor) DoWithOptions(ctx context.Context, name string, opts api.DoOptions, fn api.StepFunc) (any, error) {
	if name == "" {
		return nil, api.ErrEmptyStepName
	}
	if fn == nil {
		return nil, api.ErrMissingExecutor
	}

	stepID, err := e.findOrCreateStepID(ctx, name)
	if err != nil {
		return nil, err
	}

	if completed, err := e.gateway.FindCompletedStepInstance(ctx, stepID); err == nil {
		e.rememberState(name, completed.Output)
		return completed.Output, nil
	} else if !errors.Is(err, persistence.ErrStepInstanceNotFound) {
		return nil, err
	}

	si, err := e.adoptOrCreateAttempt(ctx, stepID)
	if err != nil {
		return nil, err
	}

	limit := 0
	delay := ""
	backoff := api.BackoffFixed
	if opts.Retries != nil {
		limit = opts.Retries.Limit
		delay = opts.Retries.Delay
		backoff = opts.Retries.Backoff
	}

	k := si.Retries
	for {
		e.observer.OnStepAttempt(ctx, e.workflowInstanceID, name, k)
		start := time.Now()
		result, attemptErr := e.runAttempt(ctx, name, opts.Timeout, fn)
		elapsed := time.Since(start)
		e.observer.OnStepCompleted(ctx, e.workflowInstanceID, name, k, attemptErr, elapsed)

		if attemptErr == nil {
			now := nowFunc()
			si.Status = api.StepCompleted
			si.Output = result
			si.CompletedAt = &now
			if err := e.gateway.CompleteStepInstance(ctx, si); err != nil {
				return nil, err
			}
			e.rememberState(name, result)
			return result, nil
		}

		if k == limit {
			si.Status = api.StepFailed
			si.FailedReason = attemptErr.Error()
			si.Retries = k
			reason := fmt.Sprintf("Step %q failed: %s", name, attemptErr.Error())
			if err := e.gateway.FailStepInstanceAndWorkflow(ctx, si, e.workflowInstanceID, reason); err != nil {
				return nil, err
			}
			stepErr := &api.StepFailedError{StepName: name, Err: attemptErr}
			return nil, &api.WorkflowFailedError{StepName: name, Err: stepErr}
		}

		k++
		si.Status = api.StepRetrying
		si.Retries = k
		if err := e.gateway.UpdateStepInstance(ctx, si); err != nil {
			return nil, err
		}

		sleepFor, err := retryDelay(delay, backoff, k)
		if err != nil {
			return nil, err
		}
		if err := e.wait(ctx, sleepFor); err != nil {
			return nil, err
		}

		si.Status = api.StepRunning
		if err := e.gateway.UpdateStepInstance(ctx, si); err != nil {
			return nil, err
		}
	}
}

// retryDelay computes delay × (backoff == exponential ? 2^(k-1) : 1) for
// attempt k (k ≥ 1).
func retryDelay(delay string, backoff api.Backoff, k int) (time.Duration, error) {
	base, err := duration.Parse(delay)
	if err != nil {
		return 0, err
	}
	if backoff != api.BackoffExponential {
		return base, nil
	}
	return base * time.Duration(int64(1)<<uint(k-1)), nil
}

func (e *StepExecutor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAttempt invokes fn, racing it against options.timeout if set. A
// deadline hit returns a StepTimeoutError without aborting fn: fn keeps
// running orphaned until it naturally completes (spec §5).
func (e *StepExecutor) runAttempt(ctx context.Context, name, timeout string, fn api.StepFunc) (any, error) {
	if timeout == "" {
		return fn(ctx)
	}

	d, err := duration.Parse(timeout)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case o := <-ch:
		return o.val, o.err
	case <-timer.C:
		return nil, &api.StepTimeoutError{StepName: name, Timeout: timeout}
	}
}

func (e *StepExecutor) findOrCreateStepID(ctx context.Context, name string) (string, error) {
	e.mu.Lock()
	if id, ok := e.stepIDCache[name]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	step, err := e.gateway.FindOrCreateStep(ctx, e.workflowInstanceID, name)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.stepIDCache[name] = step.ID
	e.mu.Unlock()
	return step.ID, nil
}

func (e *StepExecutor) adoptOrCreateAttempt(ctx context.Context, stepID string) (*api.StepInstance, error) {
	active, err := e.gateway.FindActiveStepInstance(ctx, stepID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, persistence.ErrStepInstanceNotFound) {
		return nil, err
	}

	si := &api.StepInstance{
		ID:        uuid.NewString(),
		StepID:    stepID,
		Status:    api.StepRunning,
		Retries:   0,
		StartedAt: nowFunc(),
	}
	if err := e.gateway.CreateStepInstance(ctx, si); err != nil {
		return nil, err
	}
	return si, nil
}

func (e *StepExecutor) rememberState(name string, v any) {
	e.mu.Lock()
	e.stepState[name] = v
	e.mu.Unlock()
}

// Sleep implements the durable timer described in spec §4.2.2: the
// persist-then-wait pattern lets a process restart mid-sleep recompute the
// remaining wait from the stored startedAt.
func (e *StepExecutor) Sleep(ctx context.Context, name string, duration string) error {
	if name == "" {
		return api.ErrEmptyStepName
	}

	ms, err := durationPkgParseMillis(duration)
	if err != nil {
		return err
	}

	sleepInst, err := e.gateway.FindSleepInstance(ctx, e.workflowInstanceID, name)
	switch {
	case err == nil:
		if sleepInst.CompletedAt != nil {
			return nil
		}
	case errors.Is(err, persistence.ErrSleepInstanceNotFound):
		sleepInst = &api.SleepInstance{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: e.workflowInstanceID,
			Name:               name,
			DurationMillis:     ms,
			StartedAt:          nowFunc(),
		}
		if err := e.gateway.StartSleep(ctx, sleepInst, e.workflowInstanceID); err != nil {
			return err
		}
	default:
		return err
	}

	remaining := time.Duration(sleepInst.DurationMillis)*time.Millisecond - nowFunc().Sub(sleepInst.StartedAt)
	e.observer.OnSleepStart(ctx, e.workflowInstanceID, name, remaining)

	if err := e.wait(ctx, remaining); err != nil {
		return err
	}

	if err := e.gateway.CompleteSleep(ctx, sleepInst.ID, e.workflowInstanceID); err != nil {
		return err
	}
	e.observer.OnSleepCompleted(ctx, e.workflowInstanceID, name)
	return nil
}

// durationPkgParseMillis parses duration and rejects values beyond safe
// arithmetic range, per spec §4.2.2 step 1.
func durationPkgParseMillis(s string) (int64, error) {
	ms, err := duration.ParseMillis(s)
	if err != nil {
		return 0, err
	}
	if err := duration.CheckMillisOverflow(ms); err != nil {
		return 0, err
	}
	return ms, nil
}

// GetStateFromStep returns the in-process cached result of a prior Do
// call made earlier in this run, if any.
func (e *StepExecutor) GetStateFromStep(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.stepState[name]
	return v, ok
}

// nowFunc is a seam for tests; production code always uses the real clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
