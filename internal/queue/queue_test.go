package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	kind         store.RunnerKind
	submitted    []int64
	fail         bool
	status       runner.Status
	fetchCalled  int
	cleanupCalls int
}

func (f *fakeRunner) Kind() store.RunnerKind { return f.kind }

func (f *fakeRunner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	f.submitted = append(f.submitted, spec.Job.ID)
	if f.fail {
		return "", assertErr{}
	}
	h := runner.Handle{RunnerKind: f.kind, RemoteID: "1", WorkDir: spec.WorkDir}
	return h.Format(), nil
}

func (f *fakeRunner) Status(ctx context.Context, handle string) (runner.Status, error) {
	if f.status == "" {
		return runner.StatusRunning, nil
	}
	return f.status, nil
}
func (f *fakeRunner) Cancel(ctx context.Context, handle string) (bool, error) { return true, nil }
func (f *fakeRunner) FetchOutputs(ctx context.Context, handle, destDir string) error {
	f.fetchCalled++
	return nil
}
func (f *fakeRunner) Cleanup(ctx context.Context, handle string) error {
	f.cleanupCalls++
	return nil
}

type fakeNotifier struct {
	calls []store.JobStatus
}

func (n *fakeNotifier) NotifyJobTerminal(ctx context.Context, jobID int64, status store.JobStatus) error {
	n.calls = append(n.calls, status)
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated submit failure" }

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "jobcore.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fr := &fakeRunner{kind: store.RunnerLocal}
	m := New(Options{
		Store:              s,
		Runners:            map[store.RunnerKind]runner.Runner{store.RunnerLocal: fr},
		SchedulingInterval: 10 * time.Millisecond,
	})
	return m, s, fr
}

type panicRunner struct {
	kind store.RunnerKind
}

func (p *panicRunner) Kind() store.RunnerKind { return p.kind }
func (p *panicRunner) Submit(ctx context.Context, spec runner.SubmitSpec) (string, error) {
	h := runner.Handle{RunnerKind: p.kind, RemoteID: "1", WorkDir: spec.WorkDir}
	return h.Format(), nil
}
func (p *panicRunner) Status(ctx context.Context, handle string) (runner.Status, error) {
	panic("simulated nil deref inside a runner")
}
func (p *panicRunner) Cancel(ctx context.Context, handle string) (bool, error)      { return true, nil }
func (p *panicRunner) FetchOutputs(ctx context.Context, handle, destDir string) error { return nil }
func (p *panicRunner) Cleanup(ctx context.Context, handle string) error             { return nil }

func TestRunTick_RecoversFromPanicInRunnerCall(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "jobcore.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	pr := &panicRunner{kind: store.RunnerLocal}
	m := New(Options{
		Store:              s,
		Runners:            map[store.RunnerKind]runner.Runner{store.RunnerLocal: pr},
		SchedulingInterval: 10 * time.Millisecond,
	})

	id, err := m.Submit(ctx, store.JobAttrs{Name: "panics", RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, store.JobScheduled, ""))
	require.NoError(t, s.UpdateStatus(ctx, id, store.JobRunning, "handle"))
	m.mu.Lock()
	m.jobs[id].Status = store.JobRunning
	m.mu.Unlock()

	require.NotPanics(t, func() {
		m.runTick(ctx, 1)
	}, "a panic inside a runner call must be recovered, not crash the scheduler worker")
}

func TestSubmit_RejectsMissingDependency(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Submit(context.Background(), store.JobAttrs{Name: "a", RunnerKind: store.RunnerLocal}, []int64{999}, 0)
	require.Error(t, err)
}

func TestSubmit_TracksJobInMemory(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, err := m.Submit(context.Background(), store.JobAttrs{Name: "a", RunnerKind: store.RunnerLocal}, nil, 5)
	require.NoError(t, err)

	m.mu.Lock()
	q, ok := m.jobs[id]
	m.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 5, q.Priority)
}

func TestTick_DispatchesReadyJob(t *testing.T) {
	m, s, fr := newTestManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, store.JobAttrs{Name: "a", WorkDir: t.TempDir(), RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)

	m.tick(ctx)

	assert.Contains(t, fr.submitted, id)
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)
}

func TestTick_WaitsOnUnsatisfiedDependency(t *testing.T) {
	m, s, fr := newTestManager(t)
	ctx := context.Background()

	upstreamID, err := m.Submit(ctx, store.JobAttrs{Name: "upstream", RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)
	downstreamID, err := m.Submit(ctx, store.JobAttrs{Name: "downstream", WorkDir: t.TempDir(), RunnerKind: store.RunnerLocal}, []int64{upstreamID}, 0)
	require.NoError(t, err)

	m.tick(ctx)
	assert.NotContains(t, fr.submitted, downstreamID, "downstream must not dispatch before upstream completes")

	upstream, err := s.GetJob(ctx, upstreamID)
	require.NoError(t, err)
	require.Equal(t, store.JobRunning, upstream.Status, "upstream has no dependencies, so the first tick dispatches it")
	require.NoError(t, s.UpdateStatus(ctx, upstreamID, store.JobCompleted, ""))
	m.mu.Lock()
	delete(m.jobs, upstreamID)
	m.mu.Unlock()

	m.tick(ctx)
	assert.Contains(t, fr.submitted, downstreamID)
}

func TestApplyClusterCaps_RespectsBudgetAndPriority(t *testing.T) {
	cluster := int64(1)
	ready := []*QueuedJob{
		{JobID: 1, ClusterID: &cluster, Priority: 1},
		{JobID: 2, ClusterID: &cluster, Priority: 10},
		{JobID: 3, ClusterID: &cluster, Priority: 5},
	}
	selected := applyClusterCaps(ready, map[int64]int{1: 2}, map[int64]int{1: 0})
	require.Len(t, selected, 2)
	assert.Equal(t, int64(2), selected[0].JobID)
	assert.Equal(t, int64(3), selected[1].JobID)
}

func TestPollRunning_CompletesJobAndNotifies(t *testing.T) {
	m, s, fr := newTestManager(t)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	m.SetNotifier(notifier)

	id, err := m.Submit(ctx, store.JobAttrs{Name: "a", WorkDir: t.TempDir(), RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)
	m.tick(ctx)
	require.Contains(t, fr.submitted, id)

	fr.status = runner.StatusCompleted
	m.pollRunning(ctx)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Equal(t, 1, fr.fetchCalled)
	assert.Equal(t, 1, fr.cleanupCalls)
	assert.Equal(t, []store.JobStatus{store.JobCompleted}, notifier.calls)

	m.mu.Lock()
	_, tracked := m.jobs[id]
	m.mu.Unlock()
	assert.False(t, tracked)
}

func TestPollRunning_MarksFailedOnFailedStatus(t *testing.T) {
	m, s, fr := newTestManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, store.JobAttrs{Name: "a", WorkDir: t.TempDir(), RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)
	m.tick(ctx)

	fr.status = runner.StatusFailed
	m.pollRunning(ctx)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestPollRunning_LeavesJobInPlaceWhileStillRunning(t *testing.T) {
	m, s, fr := newTestManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, store.JobAttrs{Name: "a", WorkDir: t.TempDir(), RunnerKind: store.RunnerLocal}, nil, 0)
	require.NoError(t, err)
	m.tick(ctx)

	fr.status = runner.StatusRunning
	m.pollRunning(ctx)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)
}

func TestMarkCompleted_ReleasesClusterSlot(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	cluster, err := s.CreateCluster(ctx, store.ClusterAttrs{Name: "c42", Kind: store.ClusterBatch, Hostname: "c42", Port: 22, Username: "svc"})
	require.NoError(t, err)

	id, err := m.Submit(ctx, store.JobAttrs{Name: "a", RunnerKind: store.RunnerLocal, ClusterID: &cluster}, nil, 0)
	require.NoError(t, err)

	m.mu.Lock()
	m.jobs[id].Status = store.JobRunning
	m.clusterRunning[cluster] = 1
	m.mu.Unlock()

	require.NoError(t, s.UpdateStatus(ctx, id, store.JobReady, ""))
	require.NoError(t, s.UpdateStatus(ctx, id, store.JobScheduled, ""))
	require.NoError(t, s.UpdateStatus(ctx, id, store.JobRunning, ""))

	require.NoError(t, m.MarkCompleted(ctx, id))

	m.mu.Lock()
	running := m.clusterRunning[cluster]
	_, tracked := m.jobs[id]
	m.mu.Unlock()
	assert.Equal(t, 0, running)
	assert.False(t, tracked)
}
