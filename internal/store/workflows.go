package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jobcore/jobcore/internal/coreerr"
)

const workflowSelectCols = `SELECT id, name, dag, policy, status, created_at, started_at, ended_at`
const workflowStepSelectCols = `SELECT id, workflow_id, name, kind, params, predecessors, gate_kind, job_id, status`

// CreateWorkflow persists a workflow definition together with its steps in
// a single transaction: a workflow either has all of its steps or none of
// them, never a partial set left over from a mid-insert failure.
func (s *Store) CreateWorkflow(ctx context.Context, name, dag string, policy ErrorPolicy, steps []WorkflowStep) (int64, error) {
	if !jobNameAllow.MatchString(name) {
		return 0, coreerr.NewValidationError("name", fmt.Sprintf("workflow name %q contains characters outside [A-Za-z0-9._-]", name))
	}
	if policy == "" {
		policy = PolicyFailFast
	}

	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, coreerr.NewStorageError("create_workflow", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (name, dag, policy, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, dag, policy, WorkflowRunning, s.nowUTC())
	if err != nil {
		return 0, coreerr.NewStorageError("create_workflow", err)
	}
	workflowID, err := res.LastInsertId()
	if err != nil {
		return 0, coreerr.NewStorageError("create_workflow", err)
	}

	for _, step := range steps {
		predecessors, err := json.Marshal(step.Predecessors)
		if err != nil {
			return 0, coreerr.NewValidationError("predecessors", err.Error())
		}
		if step.Params == "" {
			step.Params = "{}"
		}
		if step.Gate == "" {
			step.Gate = GateAfterSuccess
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_id, name, kind, params, predecessors, gate_kind, status)
			VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
			workflowID, step.Name, step.Kind, step.Params, string(predecessors), step.Gate); err != nil {
			if isUniqueConstraint(err) {
				return 0, coreerr.NewConflictError(fmt.Sprintf("duplicate step name %q in workflow %q", step.Name, name))
			}
			return 0, coreerr.NewStorageError("create_workflow", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, coreerr.NewStorageError("create_workflow", err)
	}
	return workflowID, nil
}

// GetWorkflow retrieves a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, workflowSelectCols+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("workflow", id)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_workflow", err)
	}
	return wf, nil
}

// GetWorkflowSteps returns every step belonging to a workflow, ordered by
// insertion (which is also DAG-declaration order).
func (s *Store) GetWorkflowSteps(ctx context.Context, workflowID int64) ([]*WorkflowStep, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, workflowStepSelectCols+` FROM workflow_steps WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, coreerr.NewStorageError("get_workflow_steps", err)
	}
	defer rows.Close()

	var out []*WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, coreerr.NewStorageError("get_workflow_steps", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// ListRunningWorkflows returns every workflow not yet in a terminal
// status, for the orchestrator's driver loop to advance on each tick.
func (s *Store) ListRunningWorkflows(ctx context.Context) ([]*Workflow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, workflowSelectCols+` FROM workflows WHERE status = ?`, WorkflowRunning)
	if err != nil {
		return nil, coreerr.NewStorageError("list_running_workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, coreerr.NewStorageError("list_running_workflows", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// GetWorkflowStepByJobID finds the step a job materialised from, for the
// queue manager's terminal-state notification path. Returns a NotFound
// error for a job that was submitted directly (not via a workflow).
func (s *Store) GetWorkflowStepByJobID(ctx context.Context, jobID int64) (*WorkflowStep, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, workflowStepSelectCols+` FROM workflow_steps WHERE job_id = ?`, jobID)
	step, err := scanWorkflowStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("workflow_step_for_job", jobID)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_workflow_step_by_job_id", err)
	}
	return step, nil
}

// UpdateWorkflowStepStatus transitions a step's status and, when it has
// materialised into a job, binds jobID to it.
func (s *Store) UpdateWorkflowStepStatus(ctx context.Context, stepID int64, status string, jobID *int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var res sql.Result
	var err error
	if jobID != nil {
		res, err = s.db.ExecContext(ctx, `UPDATE workflow_steps SET status = ?, job_id = ? WHERE id = ?`, status, *jobID, stepID)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE workflow_steps SET status = ? WHERE id = ?`, status, stepID)
	}
	if err != nil {
		return coreerr.NewStorageError("update_workflow_step_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("workflow_step", stepID)
	}
	return nil
}

// UpdateWorkflowStatus sets the workflow's derived status and, on entry to
// a terminal status, stamps ended_at. Entry to running stamps started_at
// the first time it is observed.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id int64, status WorkflowStatus) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	now := s.nowUTC()
	terminal := status == WorkflowCompleted || status == WorkflowFailed || status == WorkflowCancelled || status == WorkflowPartial

	var res sql.Result
	var err error
	if terminal {
		res, err = s.db.ExecContext(ctx, `UPDATE workflows SET status = ?, ended_at = ? WHERE id = ?`, status, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE workflows SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`, status, now, id)
	}
	if err != nil {
		return coreerr.NewStorageError("update_workflow_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("workflow", id)
	}
	return nil
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var startedAt, endedAt sql.NullTime
	if err := row.Scan(&wf.ID, &wf.Name, &wf.DAG, &wf.Policy, &wf.Status, &wf.CreatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		wf.EndedAt = &endedAt.Time
	}
	return &wf, nil
}

func scanWorkflowStep(row rowScanner) (*WorkflowStep, error) {
	var step WorkflowStep
	var predecessorsJSON string
	var jobID sql.NullInt64
	if err := row.Scan(&step.ID, &step.WorkflowID, &step.Name, &step.Kind, &step.Params, &predecessorsJSON, &step.Gate, &jobID, &step.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(predecessorsJSON), &step.Predecessors); err != nil {
		return nil, err
	}
	if jobID.Valid {
		step.JobID = &jobID.Int64
	}
	return &step, nil
}
