package durolow

import (
	"context"
	"database/sql"

	"github.com/mofax/durolow/internal/engine"
	"github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

// Re-export key types so users don't need to reach into pkg/api.
type (
	Runner              = api.Runner
	Step                = api.Step
	StepFunc            = api.StepFunc
	Workflow            = api.Workflow
	WorkflowDefinition  = api.WorkflowDefinition
	WorkflowInstance    = api.WorkflowInstance
	WorkflowState       = api.WorkflowState
	InstanceListOptions = api.InstanceListOptions
	Status              = api.Status
	StepStatus          = api.StepStatus
	Backoff             = api.Backoff
	RetryOptions        = api.RetryOptions
	DoOptions           = api.DoOptions
	Env                 = api.Env
	EnvAware            = api.EnvAware

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export observer constructors.
var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.
const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusSleeping  = api.StatusSleeping
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCanceled  = api.StatusCanceled

	BackoffFixed       = api.BackoffFixed
	BackoffExponential = api.BackoffExponential
)

// Do is a generically-typed wrapper over step.Do for callers that want a
// static result type instead of any.
func Do[T any](ctx context.Context, step Step, name string, fn func(context.Context) (T, error)) (T, error) {
	return api.Do[T](ctx, step, name, fn)
}

// DoWithOptions is the retry/timeout-aware counterpart to Do.
func DoWithOptions[T any](ctx context.Context, step Step, name string, opts DoOptions, fn func(context.Context) (T, error)) (T, error) {
	return api.DoWithOptions[T](ctx, step, name, opts, fn)
}

// NewInMemoryRunner returns a Runner backed entirely by in-memory maps.
// It is not durable: all state is lost on process exit.
func NewInMemoryRunner(obs Observer) Runner {
	return engine.New(persistence.NewMemoryGateway(), obs)
}

// NewSQLiteRunner returns a Runner that persists workflow state in the
// given SQLite database, creating durolow's schema if it doesn't already
// exist.
func NewSQLiteRunner(ctx context.Context, db *sql.DB, obs Observer) (Runner, error) {
	gw, err := persistence.NewSQLiteGateway(ctx, db)
	if err != nil {
		return nil, err
	}
	return engine.New(gw, obs), nil
}

// NewPostgresRunner returns a Runner that persists workflow state in the
// given Postgres database (via any database/sql driver, e.g.
// github.com/jackc/pgx/v5/stdlib), creating durolow's schema if it
// doesn't already exist.
func NewPostgresRunner(ctx context.Context, db *sql.DB, obs Observer) (Runner, error) {
	gw, err := persistence.NewPostgresGateway(ctx, db)
	if err != nil {
		return nil, err
	}
	return engine.New(gw, obs), nil
}

// Convenience helpers that forward to the underlying Runner.

// Run runs a registered workflow synchronously and returns its instance ID.
func Run(ctx context.Context, r Runner, name string, env Env, input any) (string, error) {
	return r.Run(ctx, name, env, input)
}

// Cancel cancels a running or sleeping instance.
func Cancel(ctx context.Context, r Runner, workflowID string) error {
	return r.Cancel(ctx, workflowID)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, r Runner, id string) (*WorkflowInstance, error) {
	return r.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, r Runner, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return r.ListInstances(ctx, opts)
}

// GetWorkflowState fetches the eagerly-loaded instance, steps, and sleeps
// for the given workflow instance ID.
func GetWorkflowState(ctx context.Context, r Runner, workflowID string) (*WorkflowState, error) {
	return r.GetWorkflowState(ctx, workflowID)
}
