package store

import "time"

// JobStatus is the fixed, closed state-space for Job.Status. No silent
// mappings to any other value are permitted — callers that receive an
// unrecognized string from the database should treat it as a programmer
// error, not coerce it.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobReady     JobStatus = "ready"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// RunnerKind selects which execution backend a job is bound to.
type RunnerKind string

const (
	RunnerLocal RunnerKind = "local"
	RunnerSSH   RunnerKind = "ssh"
	RunnerBatch RunnerKind = "batch"
)

// ClusterKind distinguishes a plain SSH host from an SSH-to-batch-scheduler
// host.
type ClusterKind string

const (
	ClusterSSH   ClusterKind = "ssh"
	ClusterBatch ClusterKind = "batch"
)

// GateKind is the semantics of a dependency edge.
type GateKind string

const (
	GateAfterSuccess GateKind = "after-success"
	GateAfterAny     GateKind = "after-any"
	GateAfterFailure GateKind = "after-failure"
)

// WorkflowStatus mirrors the derived status computed by the orchestrator
// but is persisted so readers don't need to recompute it from steps.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// StepKind distinguishes a job-producing step from a synchronous
// data-transfer step.
type StepKind string

const (
	StepTemplate     StepKind = "template"
	StepDataTransfer StepKind = "data-transfer"
)

// ErrorPolicy governs how the orchestrator reacts to a failed step.
type ErrorPolicy string

const (
	PolicyFailFast ErrorPolicy = "fail-fast"
	PolicyContinue ErrorPolicy = "continue"
)

// Job is the persisted representation of a single calculation job.
type Job struct {
	ID          int64
	Name        string
	WorkDir     string
	Status      JobStatus
	CodeKind    string
	RunnerKind  RunnerKind
	ClusterID   *int64
	Parallelism string // opaque JSON blob: ranks, threads, nodes
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Handle      string // PID or remote handle string
	Input       string // opaque input blob
	Results     string // opaque parsed-results blob
	ResultsKV   string // JSON key-value index for fast search
	Error       string
}

// JobAttrs is the write-side view used by CreateJob; fields the store
// itself derives (ID, Status, CreatedAt) are not part of it.
type JobAttrs struct {
	Name        string
	WorkDir     string
	CodeKind    string
	RunnerKind  RunnerKind
	ClusterID   *int64
	Parallelism string
	Input       string
}

// Cluster is a named remote execution target.
type Cluster struct {
	ID            int64
	Name          string
	Kind          ClusterKind
	Hostname      string
	Port          int
	Username      string
	ConnConfig    string // opaque JSON blob
	Active        bool
	MaxConcurrent int
}

// ClusterAttrs is the write-side view used by CreateCluster.
type ClusterAttrs struct {
	Name          string
	Kind          ClusterKind
	Hostname      string
	Port          int
	Username      string
	ConnConfig    string
	MaxConcurrent int
}

// RemoteJob records the remote-side handle for a non-local job.
type RemoteJob struct {
	ID            int64
	JobID         int64
	ClusterID     int64
	RemoteHandle  string
	SubmittedAt   time.Time
	QueueName     string
	Nodes         string // opaque JSON list
	RemoteWorkDir string
	StdoutPath    string
	StderrPath    string
	Metadata      string // opaque JSON blob
}

// DependencyEdge is a directed edge from job A to job B gated by Gate.
type DependencyEdge struct {
	FromJobID int64
	ToJobID   int64
	Gate      GateKind
}

// Workflow is the persisted workflow definition and its derived status.
type Workflow struct {
	ID        int64
	Name      string
	DAG       string // opaque YAML/JSON blob
	Policy    ErrorPolicy
	Status    WorkflowStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// WorkflowStep is a named node in a workflow's DAG.
type WorkflowStep struct {
	ID           int64
	WorkflowID   int64
	Name         string
	Kind         StepKind
	Params       string // opaque JSON blob
	Predecessors []string
	Gate         GateKind
	JobID        *int64 // set once a template step materialises as a Job
	Status       string // pending | running | completed | failed | skipped | cancelled
}

// ClusterHealthRow is the persisted view of connection-pool health used by
// readers that don't have access to the live pool.
type ClusterHealthRow struct {
	ClusterID           int64
	LastProbeAt         time.Time
	ConsecutiveFailures int
	LastError           string
}
