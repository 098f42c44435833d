// Package batch implements the runner.Runner contract against a
// SLURM-family batch scheduler reached through the connection pool.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/pool"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/shellquote"
	"github.com/jobcore/jobcore/internal/store"
)

// Spec is the batch-specific submission parameters a template step's
// rendered params resolve to, validated against an allowlist of typed
// fields before any value is interpolated into the batch script.
type Spec struct {
	Partition   string
	Account     string
	QOS         string
	Nodes       int
	TimeLimit   string // "HH:MM:SS" or "DD-HH:MM:SS"
	Modules     []string
	MailUser    string
	DependsOn   string // digits only, scheduler job id
	ArraySpec   string
}

var (
	partitionAllow = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	moduleAllow    = regexp.MustCompile(`^[A-Za-z0-9/._-]+$`)
	acctQOSAllow   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	emailAllow     = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	timeLimitAllow = regexp.MustCompile(`^(\d{1,2}-)?\d{1,2}:\d{2}:\d{2}$`)
	dependsOnAllow = regexp.MustCompile(`^[0-9]+$`)
	arraySpecAllow = regexp.MustCompile(`^[0-9,:-]+$`)
)

func (s Spec) validate() error {
	if s.Partition != "" && !partitionAllow.MatchString(s.Partition) {
		return coreerr.NewValidationError("partition", fmt.Sprintf("invalid partition %q", s.Partition))
	}
	if s.Account != "" && !acctQOSAllow.MatchString(s.Account) {
		return coreerr.NewValidationError("account", fmt.Sprintf("invalid account %q", s.Account))
	}
	if s.QOS != "" && !acctQOSAllow.MatchString(s.QOS) {
		return coreerr.NewValidationError("qos", fmt.Sprintf("invalid qos %q", s.QOS))
	}
	if s.TimeLimit != "" && !timeLimitAllow.MatchString(s.TimeLimit) {
		return coreerr.NewValidationError("time_limit", fmt.Sprintf("invalid time limit %q", s.TimeLimit))
	}
	if s.MailUser != "" && !emailAllow.MatchString(s.MailUser) {
		return coreerr.NewValidationError("mail_user", fmt.Sprintf("invalid email %q", s.MailUser))
	}
	if s.DependsOn != "" && !dependsOnAllow.MatchString(s.DependsOn) {
		return coreerr.NewValidationError("depends_on", fmt.Sprintf("invalid job dependency %q", s.DependsOn))
	}
	if s.ArraySpec != "" && !arraySpecAllow.MatchString(s.ArraySpec) {
		return coreerr.NewValidationError("array_spec", fmt.Sprintf("invalid array spec %q", s.ArraySpec))
	}
	for _, m := range s.Modules {
		if !moduleAllow.MatchString(m) {
			return coreerr.NewValidationError("modules", fmt.Sprintf("invalid module name %q", m))
		}
	}
	return nil
}

// scheduler states map SLURM's squeue/sacct state codes onto the five
// uniform runner statuses.
var runningStates = map[string]bool{"RUNNING": true, "CONFIGURING": true, "COMPLETING": true}
var pendingStates = map[string]bool{"PENDING": true, "REQUEUED": true, "RESIZING": true, "SUSPENDED": true}
var completedStates = map[string]bool{"COMPLETED": true}
var failedStates = map[string]bool{"FAILED": true, "CANCELLED": true, "TIMEOUT": true, "NODE_FAIL": true, "OUT_OF_MEMORY": true, "BOOT_FAIL": true}

// Runner drives jobs on a SLURM-family scheduler.
type Runner struct {
	pool  *pool.Pool
	store *store.Store
}

// New constructs a batch Runner.
func New(p *pool.Pool, st *store.Store) *Runner {
	return &Runner{pool: p, store: st}
}

// Kind reports store.RunnerBatch.
func (r *Runner) Kind() store.RunnerKind { return store.RunnerBatch }

func (r *Runner) cluster(ctx context.Context, clusterID int64) (*store.Cluster, error) {
	return r.store.GetCluster(ctx, clusterID)
}

// Submit uploads the job input and a generated sbatch script, then submits
// it, parsing the scheduler-assigned job id out of sbatch's output.
func (r *Runner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	if spec.Job.ClusterID == nil {
		return "", coreerr.NewValidationError("cluster_id", "batch runner requires a cluster id")
	}
	clusterID := *spec.Job.ClusterID

	var batchSpec Spec
	if spec.Job.Parallelism != "" {
		parsed, err := ParseSpec(spec.Job.Parallelism)
		if err != nil {
			return "", err
		}
		batchSpec = parsed
	}
	if err := batchSpec.validate(); err != nil {
		return "", err
	}

	cl, err := r.cluster(ctx, clusterID)
	if err != nil {
		return "", err
	}

	conn, err := r.pool.Acquire(ctx, cl)
	if err != nil {
		return "", err
	}
	defer r.pool.Release(conn)

	remoteDir := spec.WorkDir
	if err := r.mkdirRemote(ctx, conn, remoteDir); err != nil {
		return "", err
	}

	inputPath := remoteDir + "/input"
	if err := r.pool.Upload(ctx, conn, strings.NewReader(spec.Job.Input), inputPath, runner.DefaultSubmitTimeout); err != nil {
		return "", err
	}

	script, err := buildBatchScript(spec.Job.Name, spec.Job.CodeKind, inputPath, remoteDir, batchSpec)
	if err != nil {
		return "", err
	}
	scriptPath := remoteDir + "/job.sbatch"
	if err := r.pool.Upload(ctx, conn, strings.NewReader(script), scriptPath, runner.DefaultSubmitTimeout); err != nil {
		return "", err
	}

	submitCmd, err := shellquote.Command{
		Program: "sbatch",
		Args: []shellquote.Arg{
			{Kind: shellquote.KindLiteral, Value: "--parsable"},
			{Kind: shellquote.KindLiteral, Value: "-D"},
			{Kind: shellquote.KindPath, Value: remoteDir},
			{Kind: shellquote.KindPath, Value: scriptPath},
		},
	}.Build()
	if err != nil {
		return "", coreerr.NewValidationError("command", err.Error())
	}

	stdout, stderr, exitCode, err := r.pool.Run(ctx, conn, submitCmd, runner.DefaultSubmitTimeout)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", coreerr.NewRunnerErrorWithExit("batch", exitCode, fmt.Sprintf("sbatch failed: %s", stderr))
	}

	schedulerID := strings.TrimSpace(strings.Split(stdout, ";")[0])
	if !dependsOnAllow.MatchString(schedulerID) {
		return "", coreerr.NewRunnerErrorf("batch", "sbatch did not return a numeric job id: %q", stdout)
	}

	handle := runner.Handle{RunnerKind: store.RunnerBatch, ClusterID: strconv.FormatInt(clusterID, 10), RemoteID: schedulerID, WorkDir: remoteDir}
	return handle.Format(), nil
}

func (r *Runner) mkdirRemote(ctx context.Context, conn *pool.Connection, dir string) error {
	built, err := shellquote.Command{
		Program: "mkdir",
		Args:    []shellquote.Arg{{Kind: shellquote.KindLiteral, Value: "-p"}, {Kind: shellquote.KindPath, Value: dir}},
	}.Build()
	if err != nil {
		return coreerr.NewValidationError("command", err.Error())
	}
	_, stderr, exitCode, err := r.pool.Run(ctx, conn, built, runner.DefaultSubmitTimeout)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return coreerr.NewRunnerErrorWithExit("batch", exitCode, stderr)
	}
	return nil
}

// buildBatchScript renders the #SBATCH directive block plus module loads
// and the binary invocation. Module names, the code kind and the input
// path are shell-quoted. The #SBATCH directive values are written
// unquoted; they are guarded only by the allowlist checks in Spec.validate
// and the name checks below (the work directory is path-checked earlier,
// by mkdirRemote during Submit).
func buildBatchScript(jobName, codeKind, inputPath, workDir string, spec Spec) (string, error) {
	if err := shellquote.ValidateName(jobName); err != nil {
		return "", coreerr.NewValidationError("job_name", err.Error())
	}
	if err := shellquote.ValidateName(codeKind); err != nil {
		return "", coreerr.NewValidationError("code_kind", err.Error())
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", jobName)
	fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", workDir)
	fmt.Fprintf(&b, "#SBATCH --output=%s/stdout.log\n", workDir)
	fmt.Fprintf(&b, "#SBATCH --error=%s/stderr.log\n", workDir)
	if spec.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", spec.Partition)
	}
	if spec.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", spec.Account)
	}
	if spec.QOS != "" {
		fmt.Fprintf(&b, "#SBATCH --qos=%s\n", spec.QOS)
	}
	if spec.Nodes > 0 {
		fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", spec.Nodes)
	}
	if spec.TimeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", spec.TimeLimit)
	}
	if spec.MailUser != "" {
		fmt.Fprintf(&b, "#SBATCH --mail-user=%s\n#SBATCH --mail-type=END,FAIL\n", spec.MailUser)
	}
	if spec.DependsOn != "" {
		fmt.Fprintf(&b, "#SBATCH --dependency=afterok:%s\n", spec.DependsOn)
	}
	if spec.ArraySpec != "" {
		fmt.Fprintf(&b, "#SBATCH --array=%s\n", spec.ArraySpec)
	}
	b.WriteString("\n")
	for _, m := range spec.Modules {
		fmt.Fprintf(&b, "module load %s\n", shellquote.Quote(m))
	}
	fmt.Fprintf(&b, "%s %s\n", shellquote.Quote(codeKind), shellquote.Quote(inputPath))
	return b.String(), nil
}

// Status polls squeue first (the job is still scheduler-resident), falling
// back to sacct once the job has left the live queue.
func (r *Runner) Status(ctx context.Context, handle string) (runner.Status, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return runner.StatusUnknown, err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return runner.StatusUnknown, coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}
	if !dependsOnAllow.MatchString(h.RemoteID) {
		return runner.StatusUnknown, coreerr.NewValidationError("handle", fmt.Sprintf("bad scheduler id in handle: %q", h.RemoteID))
	}

	cl, err := r.cluster(ctx, clusterID)
	if err != nil {
		return runner.StatusUnknown, err
	}
	conn, err := r.pool.Acquire(ctx, cl)
	if err != nil {
		return runner.StatusUnknown, err
	}
	defer r.pool.Release(conn)

	squeue := fmt.Sprintf("squeue -j %s -h -o %%T", h.RemoteID)
	stdout, _, exitCode, err := r.pool.Run(ctx, conn, squeue, runner.DefaultProbeTimeout)
	if err == nil && exitCode == 0 {
		state := strings.TrimSpace(stdout)
		if state != "" {
			return mapState(state), nil
		}
	}

	sacct := fmt.Sprintf("sacct -j %s -n -o State -X", h.RemoteID)
	stdout, _, exitCode, err = r.pool.Run(ctx, conn, sacct, runner.DefaultProbeTimeout)
	if err != nil || exitCode != 0 {
		return runner.StatusUnknown, nil
	}
	state := strings.Fields(strings.TrimSpace(stdout))
	if len(state) == 0 {
		return runner.StatusUnknown, nil
	}
	return mapState(state[0]), nil
}

func mapState(slurmState string) runner.Status {
	slurmState = strings.TrimSuffix(slurmState, "+")
	switch {
	case runningStates[slurmState]:
		return runner.StatusRunning
	case pendingStates[slurmState]:
		return runner.StatusPending
	case completedStates[slurmState]:
		return runner.StatusCompleted
	case failedStates[slurmState]:
		return runner.StatusFailed
	default:
		return runner.StatusUnknown
	}
}

// Cancel issues scancel for the scheduler job id.
func (r *Runner) Cancel(ctx context.Context, handle string) (bool, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return false, err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return false, coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}
	if !dependsOnAllow.MatchString(h.RemoteID) {
		return false, coreerr.NewValidationError("handle", fmt.Sprintf("bad scheduler id in handle: %q", h.RemoteID))
	}

	cl, err := r.cluster(ctx, clusterID)
	if err != nil {
		return false, err
	}
	conn, err := r.pool.Acquire(ctx, cl)
	if err != nil {
		return false, err
	}
	defer r.pool.Release(conn)

	_, _, exitCode, err := r.pool.Run(ctx, conn, "scancel "+h.RemoteID, runner.DefaultProbeTimeout)
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// FetchOutputs downloads every validated output filename from the remote
// work directory.
func (r *Runner) FetchOutputs(ctx context.Context, handle string, destDir string) error {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}

	cl, err := r.cluster(ctx, clusterID)
	if err != nil {
		return err
	}
	conn, err := r.pool.Acquire(ctx, cl)
	if err != nil {
		return err
	}
	defer r.pool.Release(conn)

	names, err := r.pool.ListDir(ctx, conn, h.WorkDir, runner.DefaultProbeTimeout)
	if err != nil {
		return err
	}
	for _, name := range names {
		if runner.ValidateOutputFilename(name) != nil {
			continue
		}
		var buf bytes.Buffer
		if err := r.pool.Download(ctx, conn, h.WorkDir+"/"+name, &buf, runner.DefaultProbeTimeout); err != nil {
			continue
		}
		if err := writeLocalFile(destDir, name, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes the remote work directory.
func (r *Runner) Cleanup(ctx context.Context, handle string) error {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}

	cl, err := r.cluster(ctx, clusterID)
	if err != nil {
		return err
	}
	conn, err := r.pool.Acquire(ctx, cl)
	if err != nil {
		return err
	}
	defer r.pool.Release(conn)

	built, err := shellquote.Command{
		Program: "rm",
		Args:    []shellquote.Arg{{Kind: shellquote.KindLiteral, Value: "-rf"}, {Kind: shellquote.KindPath, Value: h.WorkDir}},
	}.Build()
	if err != nil {
		return coreerr.NewValidationError("command", err.Error())
	}
	_, _, _, err = r.pool.Run(ctx, conn, built, runner.DefaultSubmitTimeout)
	return err
}
