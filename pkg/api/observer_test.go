package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()

	m.OnWorkflowStart(ctx, &WorkflowInstance{})
	m.OnWorkflowStart(ctx, &WorkflowInstance{})
	m.OnWorkflowCompleted(ctx, &WorkflowInstance{})
	m.OnWorkflowFailed(ctx, &WorkflowInstance{}, errors.New("x"))

	m.OnStepAttempt(ctx, "w1", "a", 0)
	m.OnStepCompleted(ctx, "w1", "a", 0, nil, 10*time.Millisecond)
	m.OnStepAttempt(ctx, "w1", "a", 1)
	m.OnStepCompleted(ctx, "w1", "a", 1, nil, 20*time.Millisecond)

	m.OnSleepCompleted(ctx, "w1", "nap")

	snap := m.Snapshot()
	if snap.WorkflowsStarted != 2 || snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 {
		t.Fatalf("unexpected workflow counts: %+v", snap)
	}
	if snap.StepAttempts != 2 || snap.StepRetries != 1 {
		t.Fatalf("unexpected step counts: %+v", snap)
	}
	if snap.StepsCompleted != 2 {
		t.Fatalf("expected 2 completed steps, got %d", snap.StepsCompleted)
	}
	if snap.AvgStepDuration != 15*time.Millisecond {
		t.Fatalf("expected avg 15ms, got %v", snap.AvgStepDuration)
	}
	if snap.SleepsCompleted != 1 {
		t.Fatalf("expected 1 completed sleep, got %d", snap.SleepsCompleted)
	}
}

type recordingObserver struct {
	started int
}

func (r *recordingObserver) OnWorkflowStart(context.Context, *WorkflowInstance)         { r.started++ }
func (r *recordingObserver) OnWorkflowCompleted(context.Context, *WorkflowInstance)     {}
func (r *recordingObserver) OnWorkflowFailed(context.Context, *WorkflowInstance, error) {}
func (r *recordingObserver) OnStepAttempt(context.Context, string, string, int)         {}
func (r *recordingObserver) OnStepCompleted(context.Context, string, string, int, error, time.Duration) {
}
func (r *recordingObserver) OnSleepStart(context.Context, string, string, time.Duration) {}
func (r *recordingObserver) OnSleepCompleted(context.Context, string, string)            {}

func TestCompositeObserver_FansOut(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	composite := NewCompositeObserver(a, nil, b)

	composite.OnWorkflowStart(context.Background(), &WorkflowInstance{})
	if a.started != 1 || b.started != 1 {
		t.Fatalf("expected both observers to receive the event, got a=%d b=%d", a.started, b.started)
	}
}

func TestNewCompositeObserver_CollapsesSingle(t *testing.T) {
	a := &recordingObserver{}
	if got := NewCompositeObserver(a); got != Observer(a) {
		t.Fatalf("expected single observer to be returned unwrapped")
	}
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver when no observers given")
	}
}
