package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/queue"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/jobcore/jobcore/internal/template"
	"github.com/sirupsen/logrus"
)

// DefaultTickInterval is how often Run sweeps every running workflow when
// no override is configured.
const DefaultTickInterval = 2 * time.Second

// Orchestrator drives every workflow from creation to terminal state. One
// Orchestrator instance serves every workflow in the Store; there is no
// per-workflow goroutine, only a periodic Tick over all non-terminal rows.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Manager
	renderer template.Renderer
	scratch  string
	logger   *logrus.Logger
}

// New constructs an Orchestrator. scratch is the base directory under
// which per-job work directories for template steps are created.
func New(st *store.Store, qm *queue.Manager, renderer template.Renderer, scratch string, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{store: st, queue: qm, renderer: renderer, scratch: scratch, logger: logger}
}

// Submit parses and validates dag, persists the workflow and its steps,
// and returns the new workflow id.
func (o *Orchestrator) Submit(ctx context.Context, name, dag string) (int64, error) {
	def, err := ParseDefinition(dag)
	if err != nil {
		return 0, err
	}
	if def.Name == "" {
		def.Name = name
	}
	return o.store.CreateWorkflow(ctx, name, dag, def.policy(), def.toStoreSteps())
}

// Run sweeps every running workflow on each tick of interval until ctx is
// cancelled. It is the orchestrator's fallback driver for workflows whose
// steps are data-transfer-only, or whose job completion event was missed;
// OnJobTerminal remains the fast path for advancing immediately.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var iteration int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iteration++
			o.runSweep(ctx, iteration)
		}
	}
}

// runSweep runs one sweep iteration with panic recovery, so a panic while
// ticking one workflow (a nil deref, a malformed DAG) logs with context and
// lets the worker keep sweeping the rest instead of taking the daemon down.
func (o *Orchestrator) runSweep(ctx context.Context, iteration int64) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"iteration": iteration,
				"elapsed":   time.Since(start),
			}).WithField("panic", r).Error("orchestrator: sweep panicked, recovered")
		}
	}()
	o.sweep(ctx)
}

func (o *Orchestrator) sweep(ctx context.Context) {
	workflows, err := o.store.ListRunningWorkflows(ctx)
	if err != nil {
		o.logger.WithError(err).Error("listing running workflows failed")
		return
	}
	for _, wf := range workflows {
		if err := o.Tick(ctx, wf.ID); err != nil {
			o.logger.WithError(err).WithField("workflow_id", wf.ID).Error("workflow tick failed")
		}
	}
}

// Tick advances workflowID by one step: it enumerates steps whose
// predecessors are all satisfied and not yet enqueued, dispatches each,
// and recomputes the workflow's derived status.
func (o *Orchestrator) Tick(ctx context.Context, workflowID int64) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != store.WorkflowRunning {
		return nil
	}

	steps, err := o.store.GetWorkflowSteps(ctx, workflowID)
	if err != nil {
		return err
	}

	completed, failed, skipped, cancelled := classify(steps)
	failFast := wf.Policy == store.PolicyFailFast

	if failFast && len(failed) > 0 {
		return o.finalizeFailFast(ctx, wf, steps, completed, failed, skipped)
	}

	for _, s := range steps {
		if s.Status != "pending" {
			continue
		}
		if !gatesSatisfied(s, completed, failed, skipped, cancelled) {
			continue
		}
		if err := o.runStep(ctx, wf, s); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{"workflow_id": workflowID, "step": s.Name}).
				Error("step dispatch failed")
		}
	}

	return o.recomputeStatus(ctx, workflowID)
}

// classify buckets every step by its persisted status. A cancelled
// predecessor is kept separate from failed: it satisfies neither an
// after-success nor an after-failure gate on its successors, only
// after-any, matching cancellation's "neither success nor failure" meaning.
func classify(steps []*store.WorkflowStep) (completed, failed, skipped, cancelled map[string]bool) {
	completed, failed, skipped, cancelled = map[string]bool{}, map[string]bool{}, map[string]bool{}, map[string]bool{}
	for _, s := range steps {
		switch s.Status {
		case "completed":
			completed[s.Name] = true
		case "failed":
			failed[s.Name] = true
		case "skipped":
			skipped[s.Name] = true
		case "cancelled":
			cancelled[s.Name] = true
		}
	}
	return
}

// gatesSatisfied reports whether every predecessor of s has reached the
// set that its own gate kind requires.
func gatesSatisfied(s *store.WorkflowStep, completed, failed, skipped, cancelled map[string]bool) bool {
	for _, pred := range s.Predecessors {
		switch s.Gate {
		case store.GateAfterSuccess:
			if !completed[pred] {
				return false
			}
		case store.GateAfterAny:
			if !completed[pred] && !failed[pred] && !skipped[pred] && !cancelled[pred] {
				return false
			}
		case store.GateAfterFailure:
			if !failed[pred] {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (o *Orchestrator) runStep(ctx context.Context, wf *store.Workflow, s *store.WorkflowStep) error {
	switch s.Kind {
	case store.StepTemplate:
		return o.runTemplateStep(ctx, wf, s)
	case store.StepDataTransfer:
		return o.runDataTransferStep(ctx, wf, s)
	default:
		return coreerr.NewValidationError("kind", fmt.Sprintf("step %q has unrecognized kind %q", s.Name, s.Kind))
	}
}

// runTemplateStep renders the step's input template, creates its job work
// directory, and submits it to the Queue Manager with no store-level
// dependencies — the orchestrator itself already enforced DAG ordering by
// only calling this once gatesSatisfied is true.
func (o *Orchestrator) runTemplateStep(ctx context.Context, wf *store.Workflow, s *store.WorkflowStep) error {
	if err := o.store.UpdateWorkflowStepStatus(ctx, s.ID, "running", nil); err != nil {
		return err
	}

	params, err := paramsFromJSON(s.Params)
	if err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("malformed step params: %v", err))
	}

	templateID := params["template_id"]
	codeKind := params["code_kind"]
	rendered, err := o.renderer.Render(templateID, params)
	if err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("template render failed: %v", err))
	}

	workDir := filepath.Join(o.scratch, fmt.Sprintf("wf-%d", wf.ID), s.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("creating work directory failed: %v", err))
	}

	jobName := fmt.Sprintf("wf-%d-%s", wf.ID, s.Name)
	jobID, err := o.queue.Submit(ctx, store.JobAttrs{
		Name:        jobName,
		WorkDir:     workDir,
		CodeKind:    codeKind,
		RunnerKind:  store.RunnerKind(params["runner_kind"]),
		Parallelism: params["parallelism"],
		Input:       rendered,
	}, nil, 0)
	if err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("job submission failed: %v", err))
	}

	return o.store.UpdateWorkflowStepStatus(ctx, s.ID, "running", &jobID)
}

// runDataTransferStep runs synchronously: it copies declared files from a
// predecessor step's job work directory to a declared destination. Its
// success or failure is known immediately, unlike a template step which
// only starts a job this call.
func (o *Orchestrator) runDataTransferStep(ctx context.Context, wf *store.Workflow, s *store.WorkflowStep) error {
	if err := o.store.UpdateWorkflowStepStatus(ctx, s.ID, "running", nil); err != nil {
		return err
	}

	params, err := paramsFromJSON(s.Params)
	if err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("malformed step params: %v", err))
	}

	srcStepName := params["src_step"]
	srcFile := params["src_file"]
	destPath := params["dest_path"]

	srcStep, err := o.findStep(ctx, wf.ID, srcStepName)
	if err != nil {
		return o.failStep(ctx, s, err.Error())
	}
	if srcStep.JobID == nil {
		return o.failStep(ctx, s, fmt.Sprintf("predecessor step %q has no materialised job", srcStepName))
	}
	srcJob, err := o.store.GetJob(ctx, *srcStep.JobID)
	if err != nil {
		return o.failStep(ctx, s, err.Error())
	}

	srcPath := filepath.Join(srcJob.WorkDir, srcFile)
	if err := copyFile(srcPath, destPath); err != nil {
		return o.failStep(ctx, s, fmt.Sprintf("data transfer failed: %v", err))
	}

	return o.store.UpdateWorkflowStepStatus(ctx, s.ID, "completed", nil)
}

func (o *Orchestrator) findStep(ctx context.Context, workflowID int64, name string) (*store.WorkflowStep, error) {
	steps, err := o.store.GetWorkflowSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, coreerr.NewNotFound("workflow_step", name)
}

func (o *Orchestrator) failStep(ctx context.Context, s *store.WorkflowStep, reason string) error {
	o.logger.WithFields(logrus.Fields{"step": s.Name, "reason": reason}).Warn("workflow step failed")
	return o.store.UpdateWorkflowStepStatus(ctx, s.ID, "failed", nil)
}

// finalizeFailFast marks every still-pending/running step skipped and the
// workflow failed, once policy is fail-fast and at least one step failed.
func (o *Orchestrator) finalizeFailFast(ctx context.Context, wf *store.Workflow, steps []*store.WorkflowStep, completed, failed, skipped map[string]bool) error {
	for _, s := range steps {
		if s.Status == "pending" || s.Status == "running" {
			if err := o.store.UpdateWorkflowStepStatus(ctx, s.ID, "skipped", nil); err != nil {
				return err
			}
		}
	}
	return o.store.UpdateWorkflowStatus(ctx, wf.ID, store.WorkflowFailed)
}

// recomputeStatus derives and persists the workflow's status: running
// while any step is non-terminal, completed if every step completed,
// failed if any step failed under fail-fast, otherwise partial.
func (o *Orchestrator) recomputeStatus(ctx context.Context, workflowID int64) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	steps, err := o.store.GetWorkflowSteps(ctx, workflowID)
	if err != nil {
		return err
	}

	allCompleted, anyFailed, anyNonTerminal := true, false, false
	for _, s := range steps {
		switch s.Status {
		case "completed":
		case "failed":
			anyFailed = true
			allCompleted = false
		case "skipped", "cancelled":
			allCompleted = false
		default:
			allCompleted = false
			anyNonTerminal = true
		}
	}

	var status store.WorkflowStatus
	switch {
	case anyNonTerminal:
		status = store.WorkflowRunning
	case allCompleted:
		status = store.WorkflowCompleted
	case anyFailed && wf.Policy == store.PolicyFailFast:
		status = store.WorkflowFailed
	default:
		status = store.WorkflowPartial
	}

	if status == wf.Status {
		return nil
	}
	return o.store.UpdateWorkflowStatus(ctx, workflowID, status)
}

// OnJobTerminal is called when a step's job reaches a terminal state (the
// Queue Manager's poller reaches it through NotifyJobTerminal) to drive a
// workflow forward immediately rather than waiting for the next scheduled
// Tick.
func (o *Orchestrator) OnJobTerminal(ctx context.Context, workflowID int64, stepName string, jobStatus store.JobStatus) error {
	step, err := o.findStep(ctx, workflowID, stepName)
	if err != nil {
		return err
	}

	var status string
	switch jobStatus {
	case store.JobCompleted:
		status = "completed"
	case store.JobFailed:
		status = "failed"
	case store.JobCancelled:
		// Cancellation is neither success nor failure: it must not let an
		// after-failure gate fire for downstream steps the way a genuine
		// failure does.
		status = "cancelled"
	default:
		return nil
	}
	if err := o.store.UpdateWorkflowStepStatus(ctx, step.ID, status, step.JobID); err != nil {
		return err
	}
	return o.Tick(ctx, workflowID)
}

// NotifyJobTerminal implements queue.TerminalNotifier: the Queue Manager
// calls this once it observes a job reach a terminal runner status, and the
// orchestrator routes it to the workflow step that job materialised from,
// if any. A job submitted outside a workflow has no matching step and is
// silently ignored — this is the expected case for the common path.
func (o *Orchestrator) NotifyJobTerminal(ctx context.Context, jobID int64, jobStatus store.JobStatus) error {
	step, err := o.store.GetWorkflowStepByJobID(ctx, jobID)
	if err != nil {
		var notFound *coreerr.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return o.OnJobTerminal(ctx, step.WorkflowID, step.Name, jobStatus)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
