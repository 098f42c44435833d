package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/graphutil"
)

// AddDependency records a directed edge from fromJobID to toJobID: toJobID
// may not run until fromJobID's terminal status satisfies gate. Adding an
// edge that would close a cycle, including a self-dependency, is rejected
// with a *coreerr.CircularDependency before the row is written.
func (s *Store) AddDependency(ctx context.Context, fromJobID, toJobID int64, gate GateKind) error {
	if fromJobID == toJobID {
		id := strconv.FormatInt(fromJobID, 10)
		return &coreerr.CircularDependency{CyclePath: []string{id, id}, Context: "job dependency graph"}
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	adjacency, err := s.loadDependencyGraph(ctx)
	if err != nil {
		return err
	}
	adjacency[fromJobID] = append(adjacency[fromJobID], toJobID)
	if err := graphutil.AssertAcyclic(adjacency, "job dependency graph"); err != nil {
		var cycle *graphutil.CircularDependencyError[int64]
		if !errors.As(err, &cycle) {
			return err
		}
		path := make([]string, len(cycle.CyclePath))
		for i, n := range cycle.CyclePath {
			path[i] = strconv.FormatInt(n, 10)
		}
		return &coreerr.CircularDependency{CyclePath: path, Context: cycle.Context}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dependency_edges (from_job_id, to_job_id, gate_kind) VALUES (?, ?, ?)`,
		fromJobID, toJobID, gate); err != nil {
		if isUniqueConstraint(err) {
			return coreerr.NewConflictError(fmt.Sprintf("dependency %d -> %d already exists", fromJobID, toJobID))
		}
		return coreerr.NewStorageError("add_dependency", err)
	}
	return nil
}

// RemoveDependency deletes a single edge, if present.
func (s *Store) RemoveDependency(ctx context.Context, fromJobID, toJobID int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dependency_edges WHERE from_job_id = ? AND to_job_id = ?`, fromJobID, toJobID); err != nil {
		return coreerr.NewStorageError("remove_dependency", err)
	}
	return nil
}

// GetDependencies returns every edge whose to_job_id is jobID, i.e. the
// jobs jobID is waiting on.
func (s *Store) GetDependencies(ctx context.Context, jobID int64) ([]DependencyEdge, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_job_id, to_job_id, gate_kind FROM dependency_edges WHERE to_job_id = ?`, jobID)
	if err != nil {
		return nil, coreerr.NewStorageError("get_dependencies", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// CanRun reports whether jobID's predecessors have all satisfied their gate
// and, when false, the unsatisfied predecessor ids as reasons. It issues a
// single batched status lookup rather than one query per predecessor.
func (s *Store) CanRun(ctx context.Context, jobID int64) (bool, []string, error) {
	edges, err := s.GetDependencies(ctx, jobID)
	if err != nil {
		return false, nil, err
	}
	if len(edges) == 0 {
		return true, nil, nil
	}

	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.FromJobID
	}

	statuses, err := s.GetStatusBatch(ctx, ids)
	if err != nil {
		return false, nil, err
	}

	var reasons []string
	for _, e := range edges {
		status, ok := statuses[e.FromJobID]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("job %d: predecessor %d no longer exists", jobID, e.FromJobID))
			continue
		}
		if !gateSatisfied(e.Gate, status) {
			reasons = append(reasons, fmt.Sprintf("job %d: predecessor %d is %s, gate requires %s", jobID, e.FromJobID, status, e.Gate))
		}
	}
	return len(reasons) == 0, reasons, nil
}

func gateSatisfied(gate GateKind, status JobStatus) bool {
	if !status.Terminal() {
		return false
	}
	switch gate {
	case GateAfterSuccess:
		return status == JobCompleted
	case GateAfterFailure:
		return status == JobFailed
	case GateAfterAny:
		return true
	default:
		return false
	}
}

// loadDependencyGraph builds the full job-dependency adjacency map so a
// candidate edge can be cycle-checked before insertion.
func (s *Store) loadDependencyGraph(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_job_id, to_job_id FROM dependency_edges`)
	if err != nil {
		return nil, coreerr.NewStorageError("load_dependency_graph", err)
	}
	defer rows.Close()

	adjacency := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, coreerr.NewStorageError("load_dependency_graph", err)
		}
		adjacency[from] = append(adjacency[from], to)
	}
	return adjacency, rows.Err()
}

func scanEdges(rows *sql.Rows) ([]DependencyEdge, error) {
	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.FromJobID, &e.ToJobID, &e.Gate); err != nil {
			return nil, coreerr.NewStorageError("scan_edge", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
