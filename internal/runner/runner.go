// Package runner defines the uniform execution-backend contract and the
// opaque handle format shared by the local, SSH, and batch-scheduler
// implementations in its subpackages.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/store"
)

// Status is the closed result space status() may return. unknown is a
// legitimate terminal-for-this-poll answer, never a guess promoted to
// something more specific.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// SubmitSpec is what a runner needs to start a job: its attributes plus
// the local work directory assigned to it by the caller.
type SubmitSpec struct {
	Job     *store.Job
	WorkDir string
}

// Runner is the uniform contract every execution backend satisfies.
// submit must be non-blocking on slow I/O — implementations fire off the
// remote/local process and return as soon as a handle exists, they do not
// wait for completion.
type Runner interface {
	Kind() store.RunnerKind
	Submit(ctx context.Context, spec SubmitSpec) (handle string, err error)
	Status(ctx context.Context, handle string) (Status, error)
	Cancel(ctx context.Context, handle string) (issued bool, err error)
	FetchOutputs(ctx context.Context, handle string, destDir string) error
	Cleanup(ctx context.Context, handle string) error
}

// Handle is the parsed form of the opaque handle shape
// "{runner_kind}:{cluster_id?}:{remote_id}:{work_dir}". Format joins the
// fields as they are, without validating them; ParseHandle splits on the
// first three colons, so only WorkDir may itself contain a colon.
type Handle struct {
	RunnerKind store.RunnerKind
	ClusterID  string // empty for the local runner
	RemoteID   string // PID for local/ssh, scheduler job id for batch
	WorkDir    string
}

// Format re-joins a Handle into its canonical opaque string form.
func (h Handle) Format() string {
	return fmt.Sprintf("%s:%s:%s:%s", h.RunnerKind, h.ClusterID, h.RemoteID, h.WorkDir)
}

// ParseHandle splits a handle string back into its fields. Handles with
// the wrong field count are rejected as malformed rather than partially
// parsed.
func ParseHandle(handle string) (Handle, error) {
	parts := strings.SplitN(handle, ":", 4)
	if len(parts) != 4 {
		return Handle{}, coreerr.NewValidationError("handle", fmt.Sprintf("malformed runner handle %q", handle))
	}
	return Handle{
		RunnerKind: store.RunnerKind(parts[0]),
		ClusterID:  parts[1],
		RemoteID:   parts[2],
		WorkDir:    parts[3],
	}, nil
}

// DefaultProbeTimeout bounds every liveness/status probe a runner issues.
const DefaultProbeTimeout = 5 * time.Second

// DefaultSubmitTimeout bounds remote submit-side round trips; local
// submission is non-blocking by construction and does not use this.
const DefaultSubmitTimeout = 30 * time.Second

// DefaultCancelGrace is how long the local runner waits between a graceful
// termination signal and a force-kill.
const DefaultCancelGrace = 10 * time.Second

// ValidateOutputFilename rejects an empty filename and any filename
// containing a path separator or a '.' character anywhere — this is what
// stops a malicious or malformed remote filename from writing outside
// dest_dir.
func ValidateOutputFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return coreerr.NewValidationError("filename", fmt.Sprintf("output filename %q is not a bare name", name))
	}
	if strings.Contains(name, ".") {
		return coreerr.NewValidationError("filename", fmt.Sprintf("output filename %q must not contain '.'", name))
	}
	return nil
}
