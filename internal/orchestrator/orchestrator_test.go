package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobcore/jobcore/internal/queue"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct{}

func (fakeRenderer) Render(templateID string, params map[string]string) (string, error) {
	return "rendered:" + templateID, nil
}

type fakeRunner struct {
	kind store.RunnerKind
}

func (f *fakeRunner) Kind() store.RunnerKind { return f.kind }
func (f *fakeRunner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	h := runner.Handle{RunnerKind: f.kind, RemoteID: "1", WorkDir: spec.WorkDir}
	return h.Format(), nil
}
func (f *fakeRunner) Status(ctx context.Context, handle string) (runner.Status, error) {
	return runner.StatusCompleted, nil
}
func (f *fakeRunner) Cancel(ctx context.Context, handle string) (bool, error) { return true, nil }
func (f *fakeRunner) FetchOutputs(ctx context.Context, handle, destDir string) error { return nil }
func (f *fakeRunner) Cleanup(ctx context.Context, handle string) error               { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *queue.Manager) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "jobcore.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qm := queue.New(queue.Options{
		Store:              s,
		Runners:            map[store.RunnerKind]runner.Runner{store.RunnerLocal: &fakeRunner{kind: store.RunnerLocal}},
		SchedulingInterval: 10 * time.Millisecond,
	})

	o := New(s, qm, fakeRenderer{}, t.TempDir(), nil)
	qm.SetNotifier(o)
	return o, s, qm
}

const linearDAG = `
name: linear
steps:
  - name: step-a
    kind: template
    params:
      template_id: a.tmpl
      code_kind: demo
      runner_kind: local
  - name: step-b
    kind: template
    needs: [step-a]
    gate: after-success
    params:
      template_id: b.tmpl
      code_kind: demo
      runner_kind: local
`

func TestSubmit_PersistsWorkflowAndSteps(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)

	wf, err := s.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowRunning, wf.Status)

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
}

func TestSubmit_RejectsCyclicDAG(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	cyclic := `
name: cyclic
steps:
  - name: a
    kind: template
    needs: [b]
  - name: b
    kind: template
    needs: [a]
`
	_, err := o.Submit(context.Background(), "cyclic", cyclic)
	require.Error(t, err)
}

func TestTick_DispatchesFirstStepOnly(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	byName := map[string]*store.WorkflowStep{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	assert.Equal(t, "running", byName["step-a"].Status)
	assert.Equal(t, "pending", byName["step-b"].Status)

	wf, err := s.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowRunning, wf.Status)
}

func TestOnJobTerminal_AdvancesToNextStep(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	require.NoError(t, o.OnJobTerminal(ctx, id, "step-a", store.JobCompleted))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	byName := map[string]*store.WorkflowStep{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	assert.Equal(t, "completed", byName["step-a"].Status)
	assert.Equal(t, "running", byName["step-b"].Status)
}

func TestQueuePoller_DrivesWorkflowWithoutManualNotification(t *testing.T) {
	o, s, qm := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	go qm.Run(ctx)

	require.Eventually(t, func() bool {
		steps, err := s.GetWorkflowSteps(ctx, id)
		if err != nil {
			return false
		}
		for _, step := range steps {
			if step.Name == "step-b" && step.Status == "running" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "queue poller must notify the orchestrator and advance past step-a on its own")
}

func TestOnJobTerminal_CancelledUpstreamDoesNotSatisfyAfterFailureGate(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	dag := `
name: gated
steps:
  - name: step-a
    kind: template
    params:
      template_id: a.tmpl
      code_kind: demo
      runner_kind: local
  - name: step-b
    kind: template
    needs: [step-a]
    gate: after-failure
    params:
      template_id: b.tmpl
      code_kind: demo
      runner_kind: local
`
	id, err := o.Submit(ctx, "gated", dag)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	require.NoError(t, o.OnJobTerminal(ctx, id, "step-a", store.JobCancelled))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	byName := map[string]*store.WorkflowStep{}
	for _, step := range steps {
		byName[step.Name] = step
	}
	assert.Equal(t, "cancelled", byName["step-a"].Status)
	assert.Equal(t, "pending", byName["step-b"].Status, "a cancelled predecessor must not satisfy an after-failure gate")
}

type panicRenderer struct{}

func (panicRenderer) Render(templateID string, params map[string]string) (string, error) {
	panic("simulated renderer fault")
}

func TestRunSweep_RecoversFromPanicDuringTick(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "jobcore.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qm := queue.New(queue.Options{
		Store:              s,
		Runners:            map[store.RunnerKind]runner.Runner{store.RunnerLocal: &fakeRunner{kind: store.RunnerLocal}},
		SchedulingInterval: 10 * time.Millisecond,
	})
	o := New(s, qm, panicRenderer{}, t.TempDir(), nil)

	ctx := context.Background()
	_, err = o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		o.runSweep(ctx, 1)
	}, "a panic while ticking one workflow must be recovered, not crash the sweep worker")
}

func TestFailFastSkipsDownstreamSteps(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "linear", linearDAG)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	require.NoError(t, o.OnJobTerminal(ctx, id, "step-a", store.JobFailed))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	byName := map[string]*store.WorkflowStep{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	assert.Equal(t, "failed", byName["step-a"].Status)
	assert.Equal(t, "skipped", byName["step-b"].Status)

	wf, err := s.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, wf.Status)
}

const fanOutFanInDAG = `
name: fan
steps:
  - name: split
    kind: template
    params: {template_id: s.tmpl, code_kind: demo, runner_kind: local}
  - name: left
    kind: template
    needs: [split]
    gate: after-success
    params: {template_id: l.tmpl, code_kind: demo, runner_kind: local}
  - name: right
    kind: template
    needs: [split]
    gate: after-success
    params: {template_id: r.tmpl, code_kind: demo, runner_kind: local}
  - name: join
    kind: template
    needs: [left, right]
    gate: after-success
    params: {template_id: j.tmpl, code_kind: demo, runner_kind: local}
`

func TestFanOutFanIn_JoinWaitsForBothBranches(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "fan", fanOutFanInDAG)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))
	require.NoError(t, o.OnJobTerminal(ctx, id, "split", store.JobCompleted))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	byName := func() map[string]*store.WorkflowStep {
		m := map[string]*store.WorkflowStep{}
		for _, s := range steps {
			m[s.Name] = s
		}
		return m
	}
	assert.Equal(t, "running", byName()["left"].Status)
	assert.Equal(t, "running", byName()["right"].Status)
	assert.Equal(t, "pending", byName()["join"].Status)

	require.NoError(t, o.OnJobTerminal(ctx, id, "left", store.JobCompleted))
	steps, err = s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	m := map[string]*store.WorkflowStep{}
	for _, s := range steps {
		m[s.Name] = s
	}
	assert.Equal(t, "pending", m["join"].Status, "join must wait on the right branch too")

	require.NoError(t, o.OnJobTerminal(ctx, id, "right", store.JobCompleted))
	steps, err = s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	m = map[string]*store.WorkflowStep{}
	for _, s := range steps {
		m[s.Name] = s
	}
	assert.Equal(t, "running", m["join"].Status)
}

func TestDataTransferStep_CopiesFileBetweenWorkDirs(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	dag := `
name: transfer
steps:
  - name: produce
    kind: template
    params: {template_id: p.tmpl, code_kind: demo, runner_kind: local}
  - name: move
    kind: data-transfer
    needs: [produce]
    gate: after-success
    params:
      src_step: produce
      src_file: results.txt
      dest_path: ` + filepath.Join(t.TempDir(), "moved.txt") + `
`
	id, err := o.Submit(ctx, "transfer", dag)
	require.NoError(t, err)
	require.NoError(t, o.Tick(ctx, id))

	steps, err := s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	var produceStep *store.WorkflowStep
	for _, s := range steps {
		if s.Name == "produce" {
			produceStep = s
		}
	}
	require.NotNil(t, produceStep)
	require.NotNil(t, produceStep.JobID)

	job, err := s.GetJob(ctx, *produceStep.JobID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(job.WorkDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(job.WorkDir, "results.txt"), []byte("final_energy = -1.0\n"), 0o644))

	require.NoError(t, o.OnJobTerminal(ctx, id, "produce", store.JobCompleted))

	steps, err = s.GetWorkflowSteps(ctx, id)
	require.NoError(t, err)
	var moveStep *store.WorkflowStep
	for _, s := range steps {
		if s.Name == "move" {
			moveStep = s
		}
	}
	require.NotNil(t, moveStep)
	assert.Equal(t, "completed", moveStep.Status)
}
