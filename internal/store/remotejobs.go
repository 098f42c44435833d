package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jobcore/jobcore/internal/coreerr"
)

const remoteJobSelectCols = `SELECT id, job_id, cluster_id, remote_handle, submitted_at, queue_name, nodes, remote_work_dir, stdout_path, stderr_path, metadata`

// CreateRemoteJob records the remote-side handle for a job dispatched to the
// ssh or batch runner. A job has at most one remote_jobs row, enforced by
// the UNIQUE constraint on job_id.
func (s *Store) CreateRemoteJob(ctx context.Context, rj RemoteJob) (int64, error) {
	if rj.Nodes == "" {
		rj.Nodes = "[]"
	}
	if rj.Metadata == "" {
		rj.Metadata = "{}"
	}

	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_jobs (job_id, cluster_id, remote_handle, submitted_at, queue_name, nodes, remote_work_dir, stdout_path, stderr_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rj.JobID, rj.ClusterID, rj.RemoteHandle, s.nowUTC(), rj.QueueName, rj.Nodes, rj.RemoteWorkDir, rj.StdoutPath, rj.StderrPath, rj.Metadata)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, coreerr.NewConflictError("job already has a remote handle")
		}
		return 0, coreerr.NewStorageError("create_remote_job", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, coreerr.NewStorageError("create_remote_job", err)
	}
	return id, nil
}

// GetRemoteJobByJobID retrieves the remote handle bound to a job, if any.
func (s *Store) GetRemoteJobByJobID(ctx context.Context, jobID int64) (*RemoteJob, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, remoteJobSelectCols+` FROM remote_jobs WHERE job_id = ?`, jobID)
	rj, err := scanRemoteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("remote_job", jobID)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_remote_job_by_job_id", err)
	}
	return rj, nil
}

// UpdateRemoteJobMetadata overwrites the opaque metadata blob for a remote
// job, used by the batch runner to persist scheduler-reported fields
// (e.g. allocated node list) as they become known.
func (s *Store) UpdateRemoteJobMetadata(ctx context.Context, jobID int64, metadata string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `UPDATE remote_jobs SET metadata = ? WHERE job_id = ?`, metadata, jobID)
	if err != nil {
		return coreerr.NewStorageError("update_remote_job_metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("remote_job", jobID)
	}
	return nil
}

// DeleteRemoteJob removes a remote handle; cascades automatically when its
// parent job row is deleted, but is also callable directly for cleanup.
func (s *Store) DeleteRemoteJob(ctx context.Context, jobID int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM remote_jobs WHERE job_id = ?`, jobID); err != nil {
		return coreerr.NewStorageError("delete_remote_job", err)
	}
	return nil
}

func scanRemoteJob(row rowScanner) (*RemoteJob, error) {
	var rj RemoteJob
	if err := row.Scan(&rj.ID, &rj.JobID, &rj.ClusterID, &rj.RemoteHandle, &rj.SubmittedAt, &rj.QueueName,
		&rj.Nodes, &rj.RemoteWorkDir, &rj.StdoutPath, &rj.StderrPath, &rj.Metadata); err != nil {
		return nil, err
	}
	return &rj, nil
}
