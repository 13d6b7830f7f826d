// Package persistence implements the PersistenceGateway: a thin
// transactional CRUD surface over the four entities of the data model,
// consumed by internal/executor and internal/engine. Implementations exist
// for in-memory maps, SQLite, and any database/sql-compatible Postgres
// driver; the redis/ and mongo/ submodules add Redis and MongoDB gateways.
package persistence

import (
	"context"
	"errors"

	"github.com/mofax/durolow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a WorkflowInstance is not found.
	ErrWorkflowNotFound = errors.New("persistence: workflow instance not found")

	// ErrStepInstanceNotFound is returned when no matching StepInstance exists.
	ErrStepInstanceNotFound = errors.New("persistence: step instance not found")

	// ErrSleepInstanceNotFound is returned when no matching SleepInstance exists.
	ErrSleepInstanceNotFound = errors.New("persistence: sleep instance not found")

	// ErrAlreadyTerminal is returned by operations that refuse to mutate a
	// row that has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("persistence: workflow instance already in a terminal status")
)

// InstanceFilter selects WorkflowInstances from ListWorkflowInstances.
// Zero values mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// Gateway is the minimal transactional CRUD surface the engine and
// executor depend on. Every method that must touch more than one row
// atomically (see spec §5) is its own named operation rather than a
// generic "run these writes in a transaction" primitive, so each backend
// can implement it with whatever native transaction mechanism it has.
type Gateway interface {
	// Workflow instances.
	CreateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
	// CancelIfNotTerminal atomically sets status=CANCELED unless the
	// instance's current status is already terminal (COMPLETED, FAILED,
	// CANCELED), in which case it returns ErrAlreadyTerminal.
	CancelIfNotTerminal(ctx context.Context, id string) error
	// GetWorkflowState eager-loads an instance together with its steps
	// (each with all of their attempt records) and sleep instances.
	GetWorkflowState(ctx context.Context, id string) (*api.WorkflowState, error)

	// Steps and step instances.
	//
	// FindOrCreateStep enforces the "at most one Step row per
	// (workflowInstanceID, name)" invariant: it looks the row up first,
	// and only creates it if missing.
	FindOrCreateStep(ctx context.Context, workflowInstanceID, name string) (*api.StepRecord, error)
	FindCompletedStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error)
	// FindActiveStepInstance returns the most recent non-terminal
	// StepInstance for a step, if any (ErrStepInstanceNotFound otherwise).
	FindActiveStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error)
	CreateStepInstance(ctx context.Context, si *api.StepInstance) error
	UpdateStepInstance(ctx context.Context, si *api.StepInstance) error
	CompleteStepInstance(ctx context.Context, si *api.StepInstance) error
	// FailStepInstanceAndWorkflow atomically marks si FAILED and the
	// owning WorkflowInstance FAILED, so no external observer can see a
	// FAILED step under a still-RUNNING workflow.
	FailStepInstanceAndWorkflow(ctx context.Context, si *api.StepInstance, workflowInstanceID, workflowFailedReason string) error

	// Sleep instances.
	FindSleepInstance(ctx context.Context, workflowInstanceID, name string) (*api.SleepInstance, error)
	// StartSleep atomically creates the SleepInstance and sets the owning
	// WorkflowInstance's status to SLEEPING.
	StartSleep(ctx context.Context, s *api.SleepInstance, workflowInstanceID string) error
	// CompleteSleep atomically sets completedAt on the SleepInstance and
	// the owning WorkflowInstance's status back to RUNNING.
	CompleteSleep(ctx context.Context, sleepInstanceID, workflowInstanceID string) error
}
