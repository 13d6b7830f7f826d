// Package engine implements pkg/api.Runner: the lifecycle driver that
// instantiates a workflow definition, owns its persistent row, and hands
// it a StepExecutor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mofax/durolow/internal/executor"
	"github.com/mofax/durolow/internal/persistence"
	"github.com/mofax/durolow/pkg/api"
)

// ErrWorkflowNotRegistered is returned by Run when no definition with the
// given name was registered.
var ErrWorkflowNotRegistered = errors.New("engine: workflow not registered")

// ErrAlreadyRegistered is returned by RegisterWorkflow for a duplicate name.
var ErrAlreadyRegistered = errors.New("engine: workflow already registered")

// ErrAlreadyTerminal is returned by Cancel when the instance has already
// reached a terminal status. This implementation adopts the stricter of
// the two policies spec.md §9 flags as an Open Question: canceling a
// terminal instance is a no-op error rather than an unconditional
// overwrite. See DESIGN.md.
var ErrAlreadyTerminal = persistence.ErrAlreadyTerminal

// Runner implements api.Runner.
type Runner struct {
	gateway  persistence.Gateway
	observer api.Observer

	mu    sync.RWMutex
	defs  map[string]api.WorkflowDefinition
}

var _ api.Runner = (*Runner)(nil)

// New constructs a Runner backed by gateway. observer may be nil.
func New(gateway persistence.Gateway, observer api.Observer) *Runner {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Runner{
		gateway:  gateway,
		observer: observer,
		defs:     make(map[string]api.WorkflowDefinition),
	}
}

func (r *Runner) RegisterWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("engine: workflow definition name must not be empty")
	}
	if def.New == nil {
		return fmt.Errorf("engine: workflow definition %q has no New factory", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Run instantiates the named workflow definition, persists its PENDING
// row, injects env, transitions to RUNNING, and invokes its body. See
// spec.md §4.3.1 for the exact step sequence.
func (r *Runner) Run(ctx context.Context, name string, env api.Env, input any) (string, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrWorkflowNotRegistered, name)
	}

	wf := def.New()
	if aware, ok := wf.(api.EnvAware); ok {
		aware.SetEnv(env)
	}

	now := nowFunc()
	inst := &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    api.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.gateway.CreateWorkflowInstance(ctx, inst); err != nil {
		return "", err
	}
	r.observer.OnWorkflowStart(ctx, inst)

	inst.Status = api.StatusRunning
	inst.UpdatedAt = nowFunc()
	if err := r.gateway.UpdateWorkflowInstance(ctx, inst); err != nil {
		return "", err
	}

	step := executor.New(inst.ID, r.gateway, r.observer)
	output, runErr := wf.Run(ctx, input, step)

	if runErr != nil {
		// Step-level exhaustion already transitioned the row to FAILED
		// transactionally (spec §4.2.1); this write is idempotent with
		// that, covering failures raised directly from the workflow body
		// (e.g. ErrMissingExecutor, a duration error) that never reached
		// FailStepInstanceAndWorkflow.
		latest, getErr := r.gateway.GetWorkflowInstance(ctx, inst.ID)
		if getErr == nil && latest.Status != api.StatusFailed {
			latest.Status = api.StatusFailed
			latest.FailedReason = runErr.Error()
			latest.UpdatedAt = nowFunc()
			_ = r.gateway.UpdateWorkflowInstance(ctx, latest)
			inst = latest
		} else if latest != nil {
			inst = latest
		}
		r.observer.OnWorkflowFailed(ctx, inst, runErr)
		return inst.ID, runErr
	}

	inst.Status = api.StatusCompleted
	inst.Output = output
	completedAt := nowFunc()
	inst.CompletedAt = &completedAt
	inst.UpdatedAt = completedAt
	if err := r.gateway.UpdateWorkflowInstance(ctx, inst); err != nil {
		return inst.ID, err
	}
	r.observer.OnWorkflowCompleted(ctx, inst)
	return inst.ID, nil
}

// Cancel sets status=CANCELED unless the instance is already terminal.
func (r *Runner) Cancel(ctx context.Context, workflowID string) error {
	return r.gateway.CancelIfNotTerminal(ctx, workflowID)
}

func (r *Runner) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return r.gateway.GetWorkflowInstance(ctx, id)
}

func (r *Runner) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return r.gateway.ListWorkflowInstances(ctx, persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	})
}

func (r *Runner) GetWorkflowState(ctx context.Context, workflowID string) (*api.WorkflowState, error) {
	return r.gateway.GetWorkflowState(ctx, workflowID)
}
