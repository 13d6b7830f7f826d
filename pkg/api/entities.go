package api

import "time"

// WorkflowInstance is the persistent row for one execution of a
// WorkflowDefinition.
type WorkflowInstance struct {
	ID           string
	Name         string
	Status       Status
	Input        any
	Output       any
	FailedReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// StepRecord is a stable, named handle for a logical step within a workflow. It
// is created once on first reference and never mutated; it decouples the
// name used in user code from the one-or-more attempt records (StepInstance)
// made against it.
type StepRecord struct {
	ID                 string
	WorkflowInstanceID string
	Name               string
}

// StepInstance is one attempt at executing a Step. There can be several
// across retries, but at most one COMPLETED.
type StepInstance struct {
	ID           string
	StepID       string
	Status       StepStatus
	Output       any
	Retries      int
	FailedReason string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// SleepInstance is a durable timer bound to a workflow instance by name.
type SleepInstance struct {
	ID                 string
	WorkflowInstanceID string
	Name               string
	DurationMillis     int64

	StartedAt   time.Time
	CompletedAt *time.Time
}

// StepWithInstances pairs a Step with all of its attempt records, in the
// order they were created. Used by WorkflowState's eager-loaded view.
type StepWithInstances struct {
	Step      StepRecord
	Instances []StepInstance
}

// WorkflowState is the read-only, eagerly-loaded view returned by
// Runner.GetWorkflowState: the instance row plus its steps (with their
// attempts) and its sleep instances.
type WorkflowState struct {
	Instance WorkflowInstance
	Steps    []StepWithInstances
	Sleeps   []SleepInstance
}
