package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/mofax/durolow/pkg/api"
)

func newSQLiteGateway(t *testing.T) *SQLiteGateway {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw, err := NewSQLiteGateway(context.Background(), db)
	require.NoError(t, err)
	return gw
}

func TestSQLiteGateway_WorkflowInstanceCRUD(t *testing.T) {
	gw := newSQLiteGateway(t)
	ctx := context.Background()

	inst := &api.WorkflowInstance{
		ID:        "w1",
		Name:      "demo",
		Status:    api.StatusPending,
		Input:     map[string]any{"a": 1.0},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, gw.CreateWorkflowInstance(ctx, inst))

	got, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)
	require.Equal(t, api.StatusPending, got.Status)
	require.EqualValues(t, map[string]any{"a": 1.0}, got.Input)

	got.Status = api.StatusCompleted
	now := time.Now()
	got.CompletedAt = &now
	got.Output = "done"
	require.NoError(t, gw.UpdateWorkflowInstance(ctx, got))

	got2, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got2.Status)
	require.NotNil(t, got2.CompletedAt)
	require.Equal(t, "done", got2.Output)

	_, err = gw.GetWorkflowInstance(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestSQLiteGateway_CancelIfNotTerminal(t *testing.T) {
	gw := newSQLiteGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	require.NoError(t, gw.CancelIfNotTerminal(ctx, "w1"))
	got, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCanceled, got.Status)

	require.ErrorIs(t, gw.CancelIfNotTerminal(ctx, "w1"), ErrAlreadyTerminal)
}

func TestSQLiteGateway_StepUniqueConstraint(t *testing.T) {
	gw := newSQLiteGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	s1, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)
	s2, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)

	state, err := gw.GetWorkflowState(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, state.Steps, 1)
}

func TestSQLiteGateway_FailStepInstanceAndWorkflowIsAtomic(t *testing.T) {
	gw := newSQLiteGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	step, err := gw.FindOrCreateStep(ctx, "w1", "a")
	require.NoError(t, err)

	si := &api.StepInstance{ID: "si1", StepID: step.ID, Status: api.StepRunning, StartedAt: time.Now()}
	require.NoError(t, gw.CreateStepInstance(ctx, si))

	si.Status = api.StepFailed
	si.FailedReason = "boom"
	require.NoError(t, gw.FailStepInstanceAndWorkflow(ctx, si, "w1", `Step "a" failed: boom`))

	inst, err := gw.GetWorkflowInstance(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, inst.Status)
	require.Equal(t, `Step "a" failed: boom`, inst.FailedReason)

	_, err = gw.FindCompletedStepInstance(ctx, step.ID)
	require.ErrorIs(t, err, ErrStepInstanceNotFound)
}

func TestSQLiteGateway_SleepLifecycle(t *testing.T) {
	gw := newSQLiteGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.CreateWorkflowInstance(ctx, &api.WorkflowInstance{ID: "w1", Status: api.StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

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
