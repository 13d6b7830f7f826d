package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and the step executor, for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay workflow execution.
type Observer interface {
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepAttempt is called before each invocation of a step's fn,
	// including retries. attempt is 0 on the first try.
	OnStepAttempt(ctx context.Context, workflowID, stepName string, attempt int)

	// OnStepCompleted is called after a step attempt settles, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, workflowID, stepName string, attempt int, err error, d time.Duration)

	OnSleepStart(ctx context.Context, workflowID, sleepName string, remaining time.Duration)
	OnSleepCompleted(ctx context.Context, workflowID, sleepName string)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowCompleted(context.Context, *WorkflowInstance)         {}
func (NoopObserver) OnWorkflowFailed(context.Context, *WorkflowInstance, error)     {}
func (NoopObserver) OnStepAttempt(context.Context, string, string, int)             {}
func (NoopObserver) OnStepCompleted(context.Context, string, string, int, error, time.Duration) {
}
func (NoopObserver) OnSleepStart(context.Context, string, string, time.Duration) {}
func (NoopObserver) OnSleepCompleted(context.Context, string, string)           {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs. It collapses to NoopObserver / the single
// observer when there's nothing (or only one thing) to fan out to.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	default:
		return &CompositeObserver{observers: filtered}
	}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepAttempt(ctx context.Context, workflowID, stepName string, attempt int) {
	for _, o := range c.observers {
		o.OnStepAttempt(ctx, workflowID, stepName, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, workflowID, stepName string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, workflowID, stepName, attempt, err, d)
	}
}

func (c *CompositeObserver) OnSleepStart(ctx context.Context, workflowID, sleepName string, remaining time.Duration) {
	for _, o := range c.observers {
		o.OnSleepStart(ctx, workflowID, sleepName, remaining)
	}
}

func (c *CompositeObserver) OnSleepCompleted(ctx context.Context, workflowID, sleepName string) {
	for _, o := range c.observers {
		o.OnSleepCompleted(ctx, workflowID, sleepName)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepAttempt(ctx context.Context, workflowID, stepName string, attempt int) {
	o.Logger.DebugContext(ctx, "step_attempt",
		slog.String("instance_id", workflowID),
		slog.String("step", stepName),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, workflowID, stepName string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("instance_id", workflowID),
		slog.String("step", stepName),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSleepStart(ctx context.Context, workflowID, sleepName string, remaining time.Duration) {
	o.Logger.DebugContext(ctx, "sleep_start",
		slog.String("instance_id", workflowID),
		slog.String("sleep", sleepName),
		slog.Duration("remaining", remaining),
	)
}

func (o *LoggingObserver) OnSleepCompleted(ctx context.Context, workflowID, sleepName string) {
	o.Logger.DebugContext(ctx, "sleep_completed",
		slog.String("instance_id", workflowID),
		slog.String("sleep", sleepName),
	)
}

// BasicMetrics collects simple counters over workflow and step lifecycle
// events. It implements Observer and can be combined with another Observer
// (e.g. LoggingObserver) via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepAttempts       atomic.Int64
	stepRetries        atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
	sleepsCompleted    atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	StepAttempts    int64
	StepRetries     int64
	StepsCompleted  int64
	AvgStepDuration time.Duration

	SleepsCompleted int64
}

func (m *BasicMetrics) OnWorkflowStart(context.Context, *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(context.Context, *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(context.Context, *WorkflowInstance, error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepAttempt(_ context.Context, _ string, _ string, attempt int) {
	m.stepAttempts.Add(1)
	if attempt > 0 {
		m.stepRetries.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ string, _ string, _ int, err error, d time.Duration) {
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnSleepCompleted(context.Context, string, string) {
	m.sleepsCompleted.Add(1)
}

// Snapshot returns a point-in-time snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		PendingWorkflows:   started - completed - failed,
		StepAttempts:       m.stepAttempts.Load(),
		StepRetries:        m.stepRetries.Load(),
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
		SleepsCompleted:    m.sleepsCompleted.Load(),
	}
}
