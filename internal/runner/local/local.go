// Package local implements the runner.Runner contract as a subprocess
// running directly on the host jobcored is running on.
package local

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/shellquote"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/sirupsen/logrus"
)

// Runner executes jobs as local subprocesses. It owns every subprocess for
// its lifetime: cancel, cleanup, and process-exit bookkeeping all go
// through the same in-memory table, keyed by PID.
type Runner struct {
	mu        sync.Mutex
	processes map[int]*process
	cancelGrace time.Duration
	logger    *logrus.Logger
}

type process struct {
	cmd     *exec.Cmd
	workDir string
	done    chan struct{}
	exitErr error
}

// New constructs a local Runner. cancelGrace defaults to
// runner.DefaultCancelGrace when zero.
func New(cancelGrace time.Duration, logger *logrus.Logger) *Runner {
	if cancelGrace <= 0 {
		cancelGrace = runner.DefaultCancelGrace
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{processes: make(map[int]*process), cancelGrace: cancelGrace, logger: logger}
}

// Kind reports store.RunnerLocal.
func (r *Runner) Kind() store.RunnerKind { return store.RunnerLocal }

// Submit stages the job's input into workDir (callers have already created
// it) and starts the job's command line, recording the subprocess's PID
// for later polling. It does not wait for the subprocess to exit.
func (r *Runner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	if err := shellquote.ValidatePath(spec.WorkDir); err != nil {
		return "", coreerr.NewValidationError("work_dir", err.Error())
	}

	inputPath := filepath.Join(spec.WorkDir, "input")
	if err := os.WriteFile(inputPath, []byte(spec.Job.Input), 0o644); err != nil {
		return "", coreerr.NewStorageError("local_submit_stage_input", err)
	}

	stdoutPath := filepath.Join(spec.WorkDir, "stdout.log")
	stderrPath := filepath.Join(spec.WorkDir, "stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return "", coreerr.NewStorageError("local_submit_open_stdout", err)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return "", coreerr.NewStorageError("local_submit_open_stderr", err)
	}

	cmd := exec.Command(spec.Job.CodeKind, inputPath)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", coreerr.NewRunnerErrorf("local", "starting subprocess: %v", err)
	}

	pid := cmd.Process.Pid
	p := &process{cmd: cmd, workDir: spec.WorkDir, done: make(chan struct{})}

	r.mu.Lock()
	r.processes[pid] = p
	r.mu.Unlock()

	go func() {
		defer stdout.Close()
		defer stderr.Close()
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	handle := runner.Handle{RunnerKind: store.RunnerLocal, ClusterID: "", RemoteID: fmt.Sprintf("%d", pid), WorkDir: spec.WorkDir}
	return handle.Format(), nil
}

// Status reports the subprocess's liveness, then its exit code once
// reaped. Unlike the SSH runner there is no exit-code file: the in-process
// exec.Cmd state is authoritative.
func (r *Runner) Status(ctx context.Context, handle string) (runner.Status, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return runner.StatusUnknown, err
	}
	pid, err := shellquote.ValidatePositiveIntString(h.RemoteID)
	if err != nil {
		return runner.StatusUnknown, coreerr.NewValidationError("handle", err.Error())
	}

	r.mu.Lock()
	p, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return runner.StatusUnknown, nil
	}

	select {
	case <-p.done:
		if p.exitErr == nil {
			return runner.StatusCompleted, nil
		}
		return runner.StatusFailed, nil
	default:
		return runner.StatusRunning, nil
	}
}

// Cancel sends SIGTERM to the process group, waits up to cancelGrace, then
// sends SIGKILL if it has not exited.
func (r *Runner) Cancel(ctx context.Context, handle string) (bool, error) {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return false, err
	}
	pid, err := shellquote.ValidatePositiveIntString(h.RemoteID)
	if err != nil {
		return false, coreerr.NewValidationError("handle", err.Error())
	}

	r.mu.Lock()
	p, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	select {
	case <-p.done:
		return false, nil
	default:
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return false, coreerr.NewRunnerErrorf("local", "sending SIGTERM to pid %d: %v", pid, err)
	}

	select {
	case <-p.done:
		return true, nil
	case <-time.After(r.cancelGrace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// FetchOutputs copies stdout.log and stderr.log from the job's work
// directory into destDir. The two names are fixed here and are not passed
// through runner.ValidateOutputFilename, which would reject them for
// containing '.'.
func (r *Runner) FetchOutputs(ctx context.Context, handle string, destDir string) error {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return coreerr.NewStorageError("local_fetch_outputs_mkdir", err)
	}

	for _, name := range []string{"stdout", "stderr"} {
		src := filepath.Join(h.WorkDir, name+".log")
		dst := filepath.Join(destDir, name+".log")
		if err := copyFile(src, dst); err != nil && !os.IsNotExist(err) {
			return coreerr.NewStorageError("local_fetch_outputs_copy", err)
		}
	}
	return nil
}

// Cleanup removes the job's local work directory.
func (r *Runner) Cleanup(ctx context.Context, handle string) error {
	h, err := runner.ParseHandle(handle)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(h.WorkDir); err != nil {
		return coreerr.NewStorageError("local_cleanup", err)
	}

	if h.RemoteID != "" {
		if pid, perr := shellquote.ValidatePositiveIntString(h.RemoteID); perr == nil {
			r.mu.Lock()
			delete(r.processes, pid)
			r.mu.Unlock()
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if _, err := w.ReadFrom(in); err != nil {
		return err
	}
	return w.Flush()
}
