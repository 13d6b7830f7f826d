package persistence

import (
	"context"
	"sync"

	"github.com/mofax/durolow/pkg/api"
)

// MemoryGateway is a goroutine-safe Gateway backed by maps. It is not
// durable and loses all state on process exit; it exists for tests and for
// NewInMemoryRunner.
type MemoryGateway struct {
	mu sync.Mutex

	instances map[string]*api.WorkflowInstance

	steps     map[string]*api.StepRecord // by step ID
	stepByKey map[string]*api.StepRecord // by workflowInstanceID+"\x00"+name
	stepInst  map[string][]*api.StepInstance

	sleeps     map[string]*api.SleepInstance // by ID
	sleepByKey map[string]*api.SleepInstance
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway constructs an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		instances:  make(map[string]*api.WorkflowInstance),
		steps:      make(map[string]*api.StepRecord),
		stepByKey:  make(map[string]*api.StepRecord),
		stepInst:   make(map[string][]*api.StepInstance),
		sleeps:     make(map[string]*api.SleepInstance),
		sleepByKey: make(map[string]*api.SleepInstance),
	}
}

func stepKey(workflowInstanceID, name string) string {
	return workflowInstanceID + "\x00" + name
}

func (g *MemoryGateway) CreateWorkflowInstance(_ context.Context, inst *api.WorkflowInstance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *inst
	g.instances[inst.ID] = &copied
	return nil
}

func (g *MemoryGateway) UpdateWorkflowInstance(_ context.Context, inst *api.WorkflowInstance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.instances[inst.ID]; !ok {
		return ErrWorkflowNotFound
	}
	copied := *inst
	g.instances[inst.ID] = &copied
	return nil
}

func (g *MemoryGateway) GetWorkflowInstance(_ context.Context, id string) (*api.WorkflowInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok := g.instances[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	copied := *inst
	return &copied, nil
}

func (g *MemoryGateway) ListWorkflowInstances(_ context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*api.WorkflowInstance
	for _, inst := range g.instances {
		if filter.WorkflowName != "" && inst.Name != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		copied := *inst
		out = append(out, &copied)
	}
	return out, nil
}

func (g *MemoryGateway) CancelIfNotTerminal(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst, ok := g.instances[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if isTerminal(inst.Status) {
		return ErrAlreadyTerminal
	}
	inst.Status = api.StatusCanceled
	return nil
}

func isTerminal(s api.Status) bool {
	switch s {
	case api.StatusCompleted, api.StatusFailed, api.StatusCanceled:
		return true
	default:
		return false
	}
}

func (g *MemoryGateway) GetWorkflowState(_ context.Context, id string) (*api.WorkflowState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst, ok := g.instances[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	state := &api.WorkflowState{Instance: *inst}

	for _, step := range g.steps {
		if step.WorkflowInstanceID != id {
			continue
		}
		var instances []api.StepInstance
		for _, si := range g.stepInst[step.ID] {
			instances = append(instances, *si)
		}
		state.Steps = append(state.Steps, api.StepWithInstances{Step: *step, Instances: instances})
	}

	for _, s := range g.sleeps {
		if s.WorkflowInstanceID != id {
			continue
		}
		state.Sleeps = append(state.Sleeps, *s)
	}

	return state, nil
}

func (g *MemoryGateway) FindOrCreateStep(_ context.Context, workflowInstanceID, name string) (*api.StepRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := stepKey(workflowInstanceID, name)
	if s, ok := g.stepByKey[key]; ok {
		copied := *s
		return &copied, nil
	}

	s := &api.StepRecord{
		ID:                 newID(),
		WorkflowInstanceID: workflowInstanceID,
		Name:               name,
	}
	g.steps[s.ID] = s
	g.stepByKey[key] = s
	copied := *s
	return &copied, nil
}

func (g *MemoryGateway) FindCompletedStepInstance(_ context.Context, stepID string) (*api.StepInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, si := range g.stepInst[stepID] {
		if si.Status == api.StepCompleted {
			copied := *si
			return &copied, nil
		}
	}
	return nil, ErrStepInstanceNotFound
}

func (g *MemoryGateway) FindActiveStepInstance(_ context.Context, stepID string) (*api.StepInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	instances := g.stepInst[stepID]
	for i := len(instances) - 1; i >= 0; i-- {
		si := instances[i]
		if si.Status != api.StepCompleted && si.Status != api.StepFailed {
			copied := *si
			return &copied, nil
		}
	}
	return nil, ErrStepInstanceNotFound
}

func (g *MemoryGateway) CreateStepInstance(_ context.Context, si *api.StepInstance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *si
	g.stepInst[si.StepID] = append(g.stepInst[si.StepID], &copied)
	return nil
}

func (g *MemoryGateway) UpdateStepInstance(_ context.Context, si *api.StepInstance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.stepInst[si.StepID] {
		if existing.ID == si.ID {
			*existing = *si
			return nil
		}
	}
	return ErrStepInstanceNotFound
}

func (g *MemoryGateway) CompleteStepInstance(_ context.Context, si *api.StepInstance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.stepInst[si.StepID] {
		if existing.ID == si.ID {
			*existing = *si
			return nil
		}
	}
	return ErrStepInstanceNotFound
}

func (g *MemoryGateway) FailStepInstanceAndWorkflow(_ context.Context, si *api.StepInstance, workflowInstanceID, workflowFailedReason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	found := false
	for _, existing := range g.stepInst[si.StepID] {
		if existing.ID == si.ID {
			*existing = *si
			found = true
			break
		}
	}
	if !found {
		return ErrStepInstanceNotFound
	}

	inst, ok := g.instances[workflowInstanceID]
	if !ok {
		return ErrWorkflowNotFound
	}
	inst.Status = api.StatusFailed
	inst.FailedReason = workflowFailedReason
	return nil
}

func (g *MemoryGateway) FindSleepInstance(_ context.Context, workflowInstanceID, name string) (*api.SleepInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sleepByKey[stepKey(workflowInstanceID, name)]
	if !ok {
		return nil, ErrSleepInstanceNotFound
	}
	copied := *s
	return &copied, nil
}

func (g *MemoryGateway) StartSleep(_ context.Context, s *api.SleepInstance, workflowInstanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst, ok := g.instances[workflowInstanceID]
	if !ok {
		return ErrWorkflowNotFound
	}

	copied := *s
	g.sleeps[s.ID] = &copied
	g.sleepByKey[stepKey(s.WorkflowInstanceID, s.Name)] = &copied
	inst.Status = api.StatusSleeping
	return nil
}

func (g *MemoryGateway) CompleteSleep(_ context.Context, sleepInstanceID, workflowInstanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sleeps[sleepInstanceID]
	if !ok {
		return ErrSleepInstanceNotFound
	}
	now := nowFunc()
	s.CompletedAt = &now

	inst, ok := g.instances[workflowInstanceID]
	if !ok {
		return ErrWorkflowNotFound
	}
	inst.Status = api.StatusRunning
	return nil
}
