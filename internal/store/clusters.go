package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jobcore/jobcore/internal/coreerr"
)

const clusterSelectCols = `SELECT id, name, kind, hostname, port, username, conn_config, active, max_concurrent`

// CreateCluster registers a new remote execution target, active by default.
func (s *Store) CreateCluster(ctx context.Context, attrs ClusterAttrs) (int64, error) {
	if !jobNameAllow.MatchString(attrs.Name) {
		return 0, coreerr.NewValidationError("name", fmt.Sprintf("cluster name %q contains characters outside [A-Za-z0-9._-]", attrs.Name))
	}
	if attrs.MaxConcurrent <= 0 {
		attrs.MaxConcurrent = 1
	}
	if attrs.ConnConfig == "" {
		attrs.ConnConfig = "{}"
	}

	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (name, kind, hostname, port, username, conn_config, active, max_concurrent)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		attrs.Name, attrs.Kind, attrs.Hostname, attrs.Port, attrs.Username, attrs.ConnConfig, attrs.MaxConcurrent)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, coreerr.NewConflictError(fmt.Sprintf("cluster name %q already exists", attrs.Name))
		}
		return 0, coreerr.NewStorageError("create_cluster", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, coreerr.NewStorageError("create_cluster", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_health (cluster_id, consecutive_failures, last_error) VALUES (?, 0, '')`, id); err != nil {
		return 0, coreerr.NewStorageError("create_cluster", err)
	}

	return id, nil
}

// GetCluster retrieves a single cluster by id.
func (s *Store) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, clusterSelectCols+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("cluster", id)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_cluster", err)
	}
	return c, nil
}

// GetClusterByName retrieves a single cluster by its unique name.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*Cluster, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	row := s.db.QueryRowContext(ctx, clusterSelectCols+` FROM clusters WHERE name = ?`, name)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("cluster", name)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_cluster_by_name", err)
	}
	return c, nil
}

// ListClusters returns every cluster; when activeOnly is true, soft-deleted
// clusters are excluded.
func (s *Store) ListClusters(ctx context.Context, activeOnly bool) ([]*Cluster, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	query := clusterSelectCols + ` FROM clusters`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, coreerr.NewStorageError("list_clusters", err)
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, coreerr.NewStorageError("list_clusters", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeactivateCluster soft-deletes a cluster by clearing its active flag. Jobs
// already bound to it are left untouched; the connection pool and scheduler
// are expected to stop admitting new work to it once active is false.
func (s *Store) DeactivateCluster(ctx context.Context, id int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `UPDATE clusters SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return coreerr.NewStorageError("deactivate_cluster", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("cluster", id)
	}
	return nil
}

// DeleteCluster removes a cluster and, via ON DELETE CASCADE/SET NULL,
// its health row and any remote_jobs rows that reference it.
func (s *Store) DeleteCluster(ctx context.Context, id int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return coreerr.NewStorageError("delete_cluster", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.NewNotFound("cluster", id)
	}
	return nil
}

// GetClusterHealth reads the persisted health snapshot for a cluster.
func (s *Store) GetClusterHealth(ctx context.Context, clusterID int64) (*ClusterHealthRow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var h ClusterHealthRow
	var lastProbe sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT cluster_id, last_probe_at, consecutive_failures, last_error FROM cluster_health WHERE cluster_id = ?`,
		clusterID).Scan(&h.ClusterID, &lastProbe, &h.ConsecutiveFailures, &h.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.NewNotFound("cluster_health", clusterID)
	}
	if err != nil {
		return nil, coreerr.NewStorageError("get_cluster_health", err)
	}
	if lastProbe.Valid {
		h.LastProbeAt = lastProbe.Time
	}
	return &h, nil
}

// RecordProbe updates a cluster's health row after a connection-pool health
// check. A successful probe (ok=true) resets consecutive_failures to 0.
func (s *Store) RecordProbe(ctx context.Context, clusterID int64, ok bool, errMsg string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var query string
	if ok {
		query = `UPDATE cluster_health SET last_probe_at = ?, consecutive_failures = 0, last_error = '' WHERE cluster_id = ?`
		if _, err := s.db.ExecContext(ctx, query, s.nowUTC(), clusterID); err != nil {
			return coreerr.NewStorageError("record_probe", err)
		}
		return nil
	}

	query = `UPDATE cluster_health SET last_probe_at = ?, consecutive_failures = consecutive_failures + 1, last_error = ? WHERE cluster_id = ?`
	if _, err := s.db.ExecContext(ctx, query, s.nowUTC(), errMsg, clusterID); err != nil {
		return coreerr.NewStorageError("record_probe", err)
	}
	return nil
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var c Cluster
	var active int
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.Hostname, &c.Port, &c.Username, &c.ConnConfig, &active, &c.MaxConcurrent); err != nil {
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}
