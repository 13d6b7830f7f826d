package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mofax/durolow/pkg/api"
)

// sqlGateway implements Gateway against any database/sql driver that
// speaks enough standard SQL for the statements below. SQLiteGateway and
// PostgresGateway each just supply a placeholder style and schema DDL;
// the query logic itself is shared, since the two dialects otherwise agree
// on everything durolow needs.
type sqlGateway struct {
	db *sql.DB
	ph func(n int) string // nth placeholder, 1-based
}

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (g *sqlGateway) CreateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO workflow_instances (id, name, status, input, output, failed_reason, created_at, updated_at, completed_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7), g.ph(8), g.ph(9))

	_, err = g.db.ExecContext(ctx, q,
		inst.ID, inst.Name, string(inst.Status), input, output, inst.FailedReason,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt), formatTimePtr(inst.CompletedAt),
	)
	return err
}

func (g *sqlGateway) UpdateWorkflowInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		UPDATE workflow_instances
		SET status = %s, input = %s, output = %s, failed_reason = %s, updated_at = %s, completed_at = %s
		WHERE id = %s`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7))

	res, err := g.db.ExecContext(ctx, q,
		string(inst.Status), input, output, inst.FailedReason, formatTime(inst.UpdatedAt), formatTimePtr(inst.CompletedAt),
		inst.ID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrWorkflowNotFound)
}

func (g *sqlGateway) GetWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	q := fmt.Sprintf(`
		SELECT id, name, status, input, output, failed_reason, created_at, updated_at, completed_at
		FROM workflow_instances WHERE id = %s`, g.ph(1))
	row := g.db.QueryRowContext(ctx, q, id)
	return scanWorkflowInstance(row)
}

func (g *sqlGateway) ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	q := `SELECT id, name, status, input, output, failed_reason, created_at, updated_at, completed_at FROM workflow_instances`
	var args []any
	var clauses []string
	if filter.WorkflowName != "" {
		args = append(args, filter.WorkflowName)
		clauses = append(clauses, fmt.Sprintf("name = %s", g.ph(len(args))))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = %s", g.ph(len(args))))
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (g *sqlGateway) CancelIfNotTerminal(ctx context.Context, id string) error {
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`SELECT status FROM workflow_instances WHERE id = %s`, g.ph(1))
		var status string
		if err := tx.QueryRowContext(ctx, q, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrWorkflowNotFound
			}
			return err
		}
		if isTerminal(api.Status(status)) {
			return ErrAlreadyTerminal
		}
		upd := fmt.Sprintf(`UPDATE workflow_instances SET status = %s, updated_at = %s WHERE id = %s`, g.ph(1), g.ph(2), g.ph(3))
		_, err := tx.ExecContext(ctx, upd, string(api.StatusCanceled), formatTime(nowFunc()), id)
		return err
	})
}

func (g *sqlGateway) GetWorkflowState(ctx context.Context, id string) (*api.WorkflowState, error) {
	inst, err := g.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	state := &api.WorkflowState{Instance: *inst}

	stepRows, err := g.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, workflow_instance_id, name FROM steps WHERE workflow_instance_id = %s`, g.ph(1)), id)
	if err != nil {
		return nil, err
	}
	defer stepRows.Close()

	var steps []api.StepRecord
	for stepRows.Next() {
		var s api.StepRecord
		if err := stepRows.Scan(&s.ID, &s.WorkflowInstanceID, &s.Name); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := stepRows.Err(); err != nil {
		return nil, err
	}

	for _, s := range steps {
		siRows, err := g.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, step_id, status, output, retries, failed_reason, started_at, completed_at
			 FROM step_instances WHERE step_id = %s ORDER BY started_at ASC`, g.ph(1)), s.ID)
		if err != nil {
			return nil, err
		}
		var instances []api.StepInstance
		for siRows.Next() {
			si, err := scanStepInstance(siRows)
			if err != nil {
				siRows.Close()
				return nil, err
			}
			instances = append(instances, *si)
		}
		err = siRows.Err()
		siRows.Close()
		if err != nil {
			return nil, err
		}
		state.Steps = append(state.Steps, api.StepWithInstances{Step: s, Instances: instances})
	}

	sleepRows, err := g.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, workflow_instance_id, name, duration_millis, started_at, completed_at
		 FROM sleep_instances WHERE workflow_instance_id = %s`, g.ph(1)), id)
	if err != nil {
		return nil, err
	}
	defer sleepRows.Close()
	for sleepRows.Next() {
		s, err := scanSleepInstance(sleepRows)
		if err != nil {
			return nil, err
		}
		state.Sleeps = append(state.Sleeps, *s)
	}
	if err := sleepRows.Err(); err != nil {
		return nil, err
	}

	return state, nil
}

func (g *sqlGateway) FindOrCreateStep(ctx context.Context, workflowInstanceID, name string) (*api.StepRecord, error) {
	var out *api.StepRecord
	err := withTx(ctx, g.db, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`SELECT id, workflow_instance_id, name FROM steps WHERE workflow_instance_id = %s AND name = %s`, g.ph(1), g.ph(2))
		var s api.StepRecord
		err := tx.QueryRowContext(ctx, q, workflowInstanceID, name).Scan(&s.ID, &s.WorkflowInstanceID, &s.Name)
		if err == nil {
			out = &s
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		s = api.StepRecord{ID: newID(), WorkflowInstanceID: workflowInstanceID, Name: name}
		ins := fmt.Sprintf(`INSERT INTO steps (id, workflow_instance_id, name) VALUES (%s, %s, %s)`, g.ph(1), g.ph(2), g.ph(3))
		if _, err := tx.ExecContext(ctx, ins, s.ID, s.WorkflowInstanceID, s.Name); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *sqlGateway) FindCompletedStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	q := fmt.Sprintf(`
		SELECT id, step_id, status, output, retries, failed_reason, started_at, completed_at
		FROM step_instances WHERE step_id = %s AND status = %s
		ORDER BY started_at DESC LIMIT 1`, g.ph(1), g.ph(2))
	row := g.db.QueryRowContext(ctx, q, stepID, string(api.StepCompleted))
	si, err := scanStepInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepInstanceNotFound
		}
		return nil, err
	}
	return si, nil
}

func (g *sqlGateway) FindActiveStepInstance(ctx context.Context, stepID string) (*api.StepInstance, error) {
	q := fmt.Sprintf(`
		SELECT id, step_id, status, output, retries, failed_reason, started_at, completed_at
		FROM step_instances
		WHERE step_id = %s AND status NOT IN (%s, %s)
		ORDER BY started_at DESC LIMIT 1`, g.ph(1), g.ph(2), g.ph(3))
	row := g.db.QueryRowContext(ctx, q, stepID, string(api.StepCompleted), string(api.StepFailed))
	si, err := scanStepInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepInstanceNotFound
		}
		return nil, err
	}
	return si, nil
}

func (g *sqlGateway) CreateStepInstance(ctx context.Context, si *api.StepInstance) error {
	output, err := EncodeValue(si.Output)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
		INSERT INTO step_instances (id, step_id, status, output, retries, failed_reason, started_at, completed_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6), g.ph(7), g.ph(8))
	_, err = g.db.ExecContext(ctx, q, si.ID, si.StepID, string(si.Status), output, si.Retries, si.FailedReason,
		formatTime(si.StartedAt), formatTimePtr(si.CompletedAt))
	return err
}

func (g *sqlGateway) updateStepInstanceTx(ctx context.Context, tx *sql.Tx, si *api.StepInstance) error {
	output, err := EncodeValue(si.Output)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
		UPDATE step_instances
		SET status = %s, output = %s, retries = %s, failed_reason = %s, completed_at = %s
		WHERE id = %s`, g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6))
	res, err := tx.ExecContext(ctx, q, string(si.Status), output, si.Retries, si.FailedReason, formatTimePtr(si.CompletedAt), si.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrStepInstanceNotFound)
}

func (g *sqlGateway) UpdateStepInstance(ctx context.Context, si *api.StepInstance) error {
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		return g.updateStepInstanceTx(ctx, tx, si)
	})
}

func (g *sqlGateway) CompleteStepInstance(ctx context.Context, si *api.StepInstance) error {
	return g.UpdateStepInstance(ctx, si)
}

func (g *sqlGateway) FailStepInstanceAndWorkflow(ctx context.Context, si *api.StepInstance, workflowInstanceID, workflowFailedReason string) error {
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		if err := g.updateStepInstanceTx(ctx, tx, si); err != nil {
			return err
		}
		q := fmt.Sprintf(`UPDATE workflow_instances SET status = %s, failed_reason = %s, updated_at = %s WHERE id = %s`,
			g.ph(1), g.ph(2), g.ph(3), g.ph(4))
		res, err := tx.ExecContext(ctx, q, string(api.StatusFailed), workflowFailedReason, formatTime(nowFunc()), workflowInstanceID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res, ErrWorkflowNotFound)
	})
}

func (g *sqlGateway) FindSleepInstance(ctx context.Context, workflowInstanceID, name string) (*api.SleepInstance, error) {
	q := fmt.Sprintf(`
		SELECT id, workflow_instance_id, name, duration_millis, started_at, completed_at
		FROM sleep_instances WHERE workflow_instance_id = %s AND name = %s`, g.ph(1), g.ph(2))
	row := g.db.QueryRowContext(ctx, q, workflowInstanceID, name)
	s, err := scanSleepInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSleepInstanceNotFound
		}
		return nil, err
	}
	return s, nil
}

func (g *sqlGateway) StartSleep(ctx context.Context, s *api.SleepInstance, workflowInstanceID string) error {
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		ins := fmt.Sprintf(`
			INSERT INTO sleep_instances (id, workflow_instance_id, name, duration_millis, started_at, completed_at)
			VALUES (%s, %s, %s, %s, %s, %s)`, g.ph(1), g.ph(2), g.ph(3), g.ph(4), g.ph(5), g.ph(6))
		if _, err := tx.ExecContext(ctx, ins, s.ID, s.WorkflowInstanceID, s.Name, s.DurationMillis, formatTime(s.StartedAt), formatTimePtr(s.CompletedAt)); err != nil {
			return err
		}
		upd := fmt.Sprintf(`UPDATE workflow_instances SET status = %s, updated_at = %s WHERE id = %s`, g.ph(1), g.ph(2), g.ph(3))
		res, err := tx.ExecContext(ctx, upd, string(api.StatusSleeping), formatTime(nowFunc()), workflowInstanceID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res, ErrWorkflowNotFound)
	})
}

func (g *sqlGateway) CompleteSleep(ctx context.Context, sleepInstanceID, workflowInstanceID string) error {
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		upd := fmt.Sprintf(`UPDATE sleep_instances SET completed_at = %s WHERE id = %s`, g.ph(1), g.ph(2))
		res, err := tx.ExecContext(ctx, upd, formatTime(nowFunc()), sleepInstanceID)
		if err != nil {
			return err
		}
		if err := requireRowsAffected(res, ErrSleepInstanceNotFound); err != nil {
			return err
		}
		upd2 := fmt.Sprintf(`UPDATE workflow_instances SET status = %s, updated_at = %s WHERE id = %s`, g.ph(1), g.ph(2), g.ph(3))
		res2, err := tx.ExecContext(ctx, upd2, string(api.StatusRunning), formatTime(nowFunc()), workflowInstanceID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res2, ErrWorkflowNotFound)
	})
}

// --- scanning & small helpers shared by both dialects ---

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflowInstance(row scanner) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var status string
	var input, output []byte
	var failedReason sql.NullString
	var createdAt, updatedAt string
	var completedAt sql.NullString

	if err := row.Scan(&inst.ID, &inst.Name, &status, &input, &output, &failedReason, &createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}

	inst.Status = api.Status(status)
	inst.FailedReason = failedReason.String

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	inst.Input = inVal

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	inst.Output = outVal

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	inst.CreatedAt = t

	t, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	inst.UpdatedAt = t

	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		inst.CompletedAt = &t
	}

	return &inst, nil
}

func scanStepInstance(row scanner) (*api.StepInstance, error) {
	var si api.StepInstance
	var status string
	var output []byte
	var failedReason sql.NullString
	var startedAt string
	var completedAt sql.NullString

	if err := row.Scan(&si.ID, &si.StepID, &status, &output, &si.Retries, &failedReason, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	si.Status = api.StepStatus(status)
	si.FailedReason = failedReason.String

	outVal, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	si.Output = outVal

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	si.StartedAt = t

	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		si.CompletedAt = &t
	}

	return &si, nil
}

func scanSleepInstance(row scanner) (*api.SleepInstance, error) {
	var s api.SleepInstance
	var startedAt string
	var completedAt sql.NullString

	if err := row.Scan(&s.ID, &s.WorkflowInstanceID, &s.Name, &s.DurationMillis, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	s.StartedAt = t

	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		s.CompletedAt = &t
	}

	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func requireRowsAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
