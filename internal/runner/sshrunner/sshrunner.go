// Package sshrunner implements the runner.Runner contract over a plain SSH
// host via the connection pool: it stages inputs, launches a detached
// wrapper script, and polls status using a PID-liveness plus exit-code-file
// signal chain.
package sshrunner

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/pool"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/shellquote"
	"github.com/jobcore/jobcore/internal/store"
)

// successMarkers and errorMarkers are scanned for in the stdout log when
// neither liveness nor the exit-code file can decide a job's status.
// Error markers are checked first so a partially-flushed "success" banner
// written before a later crash cannot outrank the crash.
var errorMarkers = []string{"ERROR", "FATAL", "Segmentation fault", "core dumped"}
var successMarkers = []string{"SUCCESS", "CALCULATION COMPLETE"}

// Runner drives jobs on a single SSH-reachable host (no batch scheduler).
type Runner struct {
	pool     *pool.Pool
	clusters *store.Store
}

// New constructs an SSH Runner backed by p for connections and st to look
// up the Cluster a handle's ClusterID refers to.
func New(p *pool.Pool, st *store.Store) *Runner {
	return &Runner{pool: p, clusters: st}
}

// Kind reports store.RunnerSSH.
func (r *Runner) Kind() store.RunnerKind { return store.RunnerSSH }

func (r *Runner) cluster(ctx context.Context, clusterID int64) (*store.Cluster, error) {
	return r.clusters.GetCluster(ctx, clusterID)
}

// Submit creates a remote work directory, uploads the job's input, writes
// and chmods an execution wrapper script, then launches it detached from
// the controlling shell. The returned handle carries the remote PID.
func (r *Runner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	if spec.Job.ClusterID == nil {
		return "", coreerr.NewValidationError("cluster_id", "ssh runner requires a cluster id")
	}
	clusterID := *spec.Job.ClusterID

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
	if err := r.validateAndRun(ctx, conn, shellquote.Command{
		Program: "mkdir",
		Args:    []shellquote.Arg{{Kind: shellquote.KindLiteral, Value: "-p"}, {Kind: shellquote.KindPath, Value: remoteDir}},
	}); err != nil {
		return "", err
	}

	inputPath := remoteDir + "/input"
	if err := r.pool.Upload(ctx, conn, strings.NewReader(spec.Job.Input), inputPath, runner.DefaultSubmitTimeout); err != nil {
		return "", err
	}

	script, err := buildWrapperScript(spec.Job.CodeKind, inputPath, remoteDir)
	if err != nil {
		return "", err
	}
	scriptPath := remoteDir + "/run.sh"
	if err := r.pool.Upload(ctx, conn, strings.NewReader(script), scriptPath, runner.DefaultSubmitTimeout); err != nil {
		return "", err
	}

	if err := r.validateAndRun(ctx, conn, shellquote.Command{
		Program: "chmod",
		Args:    []shellquote.Arg{{Kind: shellquote.KindLiteral, Value: "+x"}, {Kind: shellquote.KindPath, Value: scriptPath}},
	}); err != nil {
		return "", err
	}

	quotedScript := shellquote.Quote(scriptPath)
	launch := fmt.Sprintf("cd %s && nohup %s > %s/stdout.log 2> %s/stderr.log < /dev/null & echo $! && disown",
		shellquote.Quote(remoteDir), quotedScript, shellquote.Quote(remoteDir), shellquote.Quote(remoteDir))

	stdout, stderr, exitCode, err := r.pool.Run(ctx, conn, launch, runner.DefaultSubmitTimeout)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", coreerr.NewRunnerErrorWithExit("ssh", exitCode, fmt.Sprintf("launch failed: %s", stderr))
	}

	pid := strings.TrimSpace(stdout)
	if _, err := shellquote.ValidatePositiveIntString(pid); err != nil {
		return "", coreerr.NewRunnerErrorf("ssh", "launch did not report a PID: %q", stdout)
	}

	handle := runner.Handle{RunnerKind: store.RunnerSSH, ClusterID: strconv.FormatInt(clusterID, 10), RemoteID: pid, WorkDir: remoteDir}
	return handle.Format(), nil
}

// buildWrapperScript produces the shell script run.sh uploads: it runs the
// job binary, then atomically captures $? into .exit_code so status()'s
// exit-code-file signal has something authoritative to read.
func buildWrapperScript(codeKind, inputPath, workDir string) (string, error) {
	if err := shellquote.ValidateName(codeKind); err != nil {
		return "", coreerr.NewValidationError("code_kind", err.Error())
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "cd %s\n", shellquote.Quote(workDir))
	fmt.Fprintf(&b, "%s %s\n", shellquote.Quote(codeKind), shellquote.Quote(inputPath))
	b.WriteString("rc=$?\n")
	fmt.Fprintf(&b, "printf '%%d' \"$rc\" > %s.tmp && mv %s.tmp %s\n",
		shellquote.Quote(workDir+"/.exit_code"), shellquote.Quote(workDir+"/.exit_code"), shellquote.Quote(workDir+"/.exit_code"))
	b.WriteString("exit $rc\n")
	return b.String(), nil
}

func (r *Runner) validateAndRun(ctx context.Context, conn *pool.Connection, cmd shellquote.Command) error {
	built, err := cmd.Build()
	if err != nil {
		return coreerr.NewValidationError("command", err.Error())
	}
	_, stderr, exitCode, err := r.pool.Run(ctx, conn, built, runner.DefaultSubmitTimeout)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return coreerr.NewRunnerErrorWithExit("ssh", exitCode, stderr)
	}
	return nil
}

// Status implements the multi-signal chain: liveness via ps, then the
// exit-code file, then output-marker scanning, defaulting to unknown
// rather than guessing.
func (r *Runner) Status(ctx context.Context, handle string) (runner.Status, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return runner.StatusUnknown, err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return runner.StatusUnknown, coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}
	pid, err := shellquote.ValidatePositiveIntString(h.RemoteID)
	if err != nil {
		return runner.StatusUnknown, coreerr.NewValidationError("handle", err.Error())
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

	// 1. Liveness.
	_, _, exitCode, err := r.pool.Run(ctx, conn, fmt.Sprintf("ps -p %d", pid), runner.DefaultProbeTimeout)
	if err == nil && exitCode == 0 {
		return runner.StatusRunning, nil
	}

	// 2. Exit-code file.
	exitCodePath := h.WorkDir + "/.exit_code"
	var buf bytes.Buffer
	if dlErr := r.pool.Download(ctx, conn, exitCodePath, &buf, runner.DefaultProbeTimeout); dlErr == nil {
		if code, perr := strconv.Atoi(strings.TrimSpace(buf.String())); perr == nil {
			if code == 0 {
				return runner.StatusCompleted, nil
			}
			return runner.StatusFailed, nil
		}
	}

	// 3. Output-marker fallback.
	var outBuf bytes.Buffer
	if dlErr := r.pool.Download(ctx, conn, h.WorkDir+"/stdout.log", &outBuf, runner.DefaultProbeTimeout); dlErr == nil {
		text := outBuf.String()
		for _, marker := range errorMarkers {
			if strings.Contains(text, marker) {
				return runner.StatusFailed, nil
			}
		}
		for _, marker := range successMarkers {
			if strings.Contains(text, marker) {
				return runner.StatusCompleted, nil
			}
		}
	}

	// 4. No signal decides.
	return runner.StatusUnknown, nil
}

// Cancel issues a best-effort SIGTERM to the remote PID.
func (r *Runner) Cancel(ctx context.Context, handle string) (bool, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return false, err
	}
	clusterID, err := strconv.ParseInt(h.ClusterID, 10, 64)
	if err != nil {
		return false, coreerr.NewValidationError("handle", fmt.Sprintf("bad cluster id in handle: %q", h.ClusterID))
	}
	pid, err := shellquote.ValidatePositiveIntString(h.RemoteID)
	if err != nil {
		return false, coreerr.NewValidationError("handle", err.Error())
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

	_, _, exitCode, err := r.pool.Run(ctx, conn, fmt.Sprintf("kill -TERM %d", pid), runner.DefaultProbeTimeout)
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// FetchOutputs downloads into destDir every file in the remote work
// directory whose name passes runner.ValidateOutputFilename. That check
// rejects any name containing '.', so stdout.log and stderr.log are not
// downloaded.
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

	return r.validateAndRun(ctx, conn, shellquote.Command{
		Program: "rm",
		Args:    []shellquote.Arg{{Kind: shellquote.KindLiteral, Value: "-rf"}, {Kind: shellquote.KindPath, Value: h.WorkDir}},
	})
}
