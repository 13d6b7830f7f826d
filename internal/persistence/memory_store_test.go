package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mofax/durolow/pkg/api"
)

func TestMemoryGateway_WorkflowInstanceCRUD(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	inst := &api.WorkflowInstance{ID: "w1", Name: "demo", Status: api.StatusPending, Input: map[string]any{"a": 1.0}, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, gw.CreateWorkflowInstance(ctx, inst))

	got, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)

	got.Status = api.StatusRunning
	require.NoError(t, gw.UpdateWorkflowInstance(ctx, got))

	got2, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, got2.Status)

	_, err = gw.GetWorkflowInstance(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestMemoryGateway_ListWorkflowInstancesFilters(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Name: "a", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w2", Name: "a", Status: api.StatusCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w3", Name: "b", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	all, err := gw.ListWorkflowInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byName, err := gw.ListWorkflowInstances(ctx, InstanceFilter{WorkflowName: "a"})
	require.NoError(t, err)
	require.Len(t, byName, 2)

	byStatus, err := gw.ListWorkflowInstances(ctx, InstanceFilter{WorkflowName: "a", Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "w2", byStatus[0].ID)
}

func TestMemoryGateway_CancelIfNotTerminal(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, gw.CancelIfNotTerminal(ctx, "w1"))

	got, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCanceled, got.Status)

	err = gw.CancelIfNotTerminal(ctx, "w1")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestMemoryGateway_FindOrCreateStepIsIdempotent(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	s1, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)
	s2, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)
}

func TestMemoryGateway_FailStepInstanceAndWorkflowIsAtomic(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	step, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)

	si := &api.StepInstance{ID: "si1", StepID: step.ID, Status: api.StepRunning, StartedAt: time.Now()}
	require.NoError(t, gw.CreateStepInstance(ctx, si))

	si.Status = api.StepFailed
	si.FailedReason = "boom"
	require.NoError(t, gw.FailStepInstanceAndWorkflow(ctx, si, "w1", `Step "a" failed: boom`))

	completedSi, err := gw.FindCompletedStepInstance(ctx, step.ID)
	require.ErrorIs(t, err, ErrStepInstanceNotFound)
	require.Nil(t, completedSi)

	inst, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, inst.Status)
	require.Equal(t, `Step "a" failed: boom`, inst.FailedReason)
}

func TestMemoryGateway_SleepLifecycle(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	_, err := gw.FindSleepInstance(ctx, "w1", "nap")
	require.ErrorIs(t, err, ErrSleepInstanceNotFound)

	s := &api.SleepInstance{ID: "s1", WorkflowInstanceID: "w1", Name: "nap", DurationMillis: 100, StartedAt: time.Now()}
	require.NoError(t, gw.StartSleep(ctx, s, "w1"))

	inst, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusSleeping, inst.Status)

	require.NoError(t, gw.CompleteSleep(ctx, "s1", "w1"))

	inst, err = gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, inst.Status)

	found, err := gw.FindSleepInstance(ctx, "w1", "nap")
	require.NoError(t, err)
	require.NotNil(t, found.CompletedAt)
}
