package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jobcore/jobcore/internal/coreerr"
)

var jobNameAllow = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// allowedTransitions is the job's closed state machine. A transition not
// present here is rejected with a typed ValidationError.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending:   {JobReady: true, JobScheduled: true, JobCancelled: true},
	JobReady:     {JobScheduled: true, JobCancelled: true},
	JobScheduled: {JobRunning: true, JobCancelled: true, JobFailed: true},
	JobRunning:   {JobCompleted: true, JobFailed: true, JobCancelled: true},
}

// CreateJob persists a new job in status pending. The name is checked
// against the allowlist [A-Za-z0-9._-] before insertion.
func (s *Store) CreateJob(ctx context.Context, attrs JobAttrs) (int64, error) {
	if !jobNameAllow.MatchString(attrs.Name) {
		return 0, coreerr.NewValidationError("name", fmt.Sprintf("job name %q contains characters outside [A-Za-z0-9._-]", attrs.Name))
	}
	if attrs.Parallelism == "" {
		attrs.Parallelism = "{}"
	}

	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (name, work_dir, status, code_kind, runner_kind, cluster_id, parallelism, created_at, input, results, results_kv, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '{}', '')`,
		attrs.Name, attrs.WorkDir, JobPending, attrs.CodeKind, attrs.RunnerKind, attrs.ClusterID, attrs.Parallelism, s.nowUTC(), attrs.Input)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, coreerr.NewConflictError(fmt.Sprintf("job name %q already exists", attrs.Name))
		}
		return 0, coreerr.NewStorageError("create_job", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, coreerr.NewStorageError("create_job", err)
	}
	return id, nil
}

// GetJob retrieves a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, jobSelectCols+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("job", id)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_job", err)
	}
	return job, nil
}

// GetJobsByStatus returns every job currently in status.
func (s *Store) GetJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, jobSelectCols+` FROM jobs WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, coreerr.NewStorageError("get_jobs_by_status", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetJobsByCluster returns every job bound to clusterID regardless of status.
func (s *Store) GetJobsByCluster(ctx context.Context, clusterID int64) ([]*Job, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx, jobSelectCols+` FROM jobs WHERE cluster_id = ? ORDER BY id`, clusterID)
	if err != nil {
		return nil, coreerr.NewStorageError("get_jobs_by_cluster", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateStatus transitions a job to newStatus, recording started_at on
// entry to running and ended_at on entry to any terminal state. pid, when
// non-empty, overwrites the job's handle (the Queue Manager's dispatch
// passes the runner's handle on the move to running). Illegal transitions are
// rejected with a *coreerr.ValidationError and leave the row untouched.
func (s *Store) UpdateStatus(ctx context.Context, id int64, newStatus JobStatus, pid string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.NewStorageError("update_status", err)
	}
	defer tx.Rollback()

	var current JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coreerr.NewNotFound("job", id)
		}
		return coreerr.NewStorageError("update_status", err)
	}

	if !allowedTransitions[current][newStatus] {
		return coreerr.NewValidationError("status",
			fmt.Sprintf("illegal transition for job %d: %s -> %s", id, current, newStatus))
	}

	now := s.nowUTC()
	setClauses := []string{"status = ?"}
	args := []any{newStatus}

	if newStatus == JobRunning {
		setClauses = append(setClauses, "started_at = ?")
		args = append(args, now)
	}
	if newStatus.Terminal() {
		setClauses = append(setClauses, "ended_at = ?")
		args = append(args, now)
	}
	if pid != "" {
		setClauses = append(setClauses, "handle = ?")
		args = append(args, pid)
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return coreerr.NewStorageError("update_status", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, ts, from_status, to_status, detail) VALUES (?, ?, ?, ?, '')`,
		id, now, current, newStatus); err != nil {
		return coreerr.NewStorageError("update_status", err)
	}

	if err := tx.Commit(); err != nil {
		return coreerr.NewStorageError("update_status", err)
	}
	return nil
}

// UpdateResults records the parsed output of a terminal job: resultsJSON
// into results and keyIndexJSON ("{}" when empty) into results_kv.
// finalEnergy is not stored by this method; the default output parser's
// key index already carries a final_energy entry when the output has one.
func (s *Store) UpdateResults(ctx context.Context, id int64, finalEnergy string, resultsJSON string, keyIndexJSON string) error {
	if keyIndexJSON == "" {
		keyIndexJSON = "{}"
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET results = ?, results_kv = ? WHERE id = ?`,
		resultsJSON, keyIndexJSON, id)
	if err != nil {
		return coreerr.NewStorageError("update_results", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("job", id)
	}
	_ = finalEnergy // folded into resultsJSON/keyIndexJSON by the output-parser collaborator
	return nil
}

// RecordError stores a human-readable error string alongside a job without
// changing its status — used when a terminal transition to failed needs an
// accompanying message.
func (s *Store) RecordError(ctx context.Context, id int64, message string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET error = ? WHERE id = ?`, message, id); err != nil {
		return coreerr.NewStorageError("record_error", err)
	}
	return nil
}

// GetStatusBatch fetches the status of every id in one query, eliminating
// the N+1 pattern the scheduler would otherwise hit once per dependency.
func (s *Store) GetStatusBatch(ctx context.Context, ids []int64) (map[int64]JobStatus, error) {
	result := make(map[int64]JobStatus, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	query, args := inClauseQuery(`SELECT id, status FROM jobs WHERE id IN (%s)`, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.NewStorageError("get_status_batch", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status JobStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, coreerr.NewStorageError("get_status_batch", err)
		}
		result[id] = status
	}
	return result, rows.Err()
}

// JobExistsBatch reports, in one query, which of ids exist.
func (s *Store) JobExistsBatch(ctx context.Context, ids []int64) (map[int64]bool, error) {
	result := make(map[int64]bool, len(ids))
	for _, id := range ids {
		result[id] = false
	}
	if len(ids) == 0 {
		return result, nil
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	query, args := inClauseQuery(`SELECT id FROM jobs WHERE id IN (%s)`, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.NewStorageError("job_exists_batch", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, coreerr.NewStorageError("job_exists_batch", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}

// DeleteJob removes a job. Only a terminal job may be deleted.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var status JobStatus
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coreerr.NewNotFound("job", id)
		}
		return coreerr.NewStorageError("delete_job", err)
	}
	if !status.Terminal() {
		return coreerr.NewValidationError("status", fmt.Sprintf("job %d is not terminal (%s)", id, status))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return coreerr.NewStorageError("delete_job", err)
	}
	return nil
}

const jobSelectCols = `SELECT id, name, work_dir, status, code_kind, runner_kind, cluster_id, parallelism, created_at, started_at, ended_at, handle, input, results, results_kv, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var clusterID sql.NullInt64
	var startedAt, endedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.Name, &j.WorkDir, &j.Status, &j.CodeKind, &j.RunnerKind, &clusterID,
		&j.Parallelism, &j.CreatedAt, &startedAt, &endedAt, &j.Handle, &j.Input, &j.Results, &j.ResultsKV, &j.Error); err != nil {
		return nil, err
	}
	if clusterID.Valid {
		j.ClusterID = &clusterID.Int64
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		j.EndedAt = &endedAt.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, coreerr.NewStorageError("scan_job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// inClauseQuery builds a single parameterised IN (...) query for a batch of
// int64 ids, keeping the whole lookup to one round trip.
func inClauseQuery(template string, ids []int64) (string, []any) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(template, placeholders), args
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
