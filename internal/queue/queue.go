// Package queue implements the Queue Manager: an in-memory model of every
// non-terminal job plus the scheduler worker that advances jobs from
// pending through running by calling out to a Runner.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jobcore/jobcore/internal/clock"
	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/outputparser"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/sirupsen/logrus"
)

// TerminalNotifier is implemented by collaborators that need to react the
// moment a job reaches a terminal state — currently only the Workflow
// Orchestrator, which advances a workflow the instant one of its steps'
// jobs finishes rather than waiting for its own next sweep.
type TerminalNotifier interface {
	NotifyJobTerminal(ctx context.Context, jobID int64, status store.JobStatus) error
}

// DefaultSchedulingInterval is how often the scheduler worker ticks when
// no override is configured.
const DefaultSchedulingInterval = 1 * time.Second

// QueuedJob is the in-memory view of one non-terminal job. It exists
// alongside the Store's row so the scheduler never needs a query to learn
// a job's dependency set or priority while computing the ready set.
type QueuedJob struct {
	JobID      int64
	Priority   int
	ClusterID  *int64
	RunnerKind store.RunnerKind
	DependsOn  []int64
	Status     store.JobStatus
}

// Manager owns the in-memory queued-jobs map, the per-cluster admission
// caps, and the scheduler worker loop. Every exported method that touches
// the map or caps holds mu only for in-memory work; runner calls and store
// writes always happen outside it.
type Manager struct {
	mu             sync.Mutex
	jobs           map[int64]*QueuedJob
	clusterCaps    map[int64]int
	clusterRunning map[int64]int

	store              *store.Store
	runners            map[store.RunnerKind]runner.Runner
	clock              clock.Clock
	logger             *logrus.Logger
	schedulingInterval time.Duration
	parser             outputparser.Parser
	notifier           TerminalNotifier
}

// Options configures a Manager.
type Options struct {
	Store              *store.Store
	Runners            map[store.RunnerKind]runner.Runner
	Clock              clock.Clock
	Logger             *logrus.Logger
	SchedulingInterval time.Duration
	// Parser extracts structured results from a terminal job's work
	// directory. Defaults to outputparser.KeyValueParser.
	Parser outputparser.Parser
	// Notifier, when set, is told about every job that reaches a terminal
	// state — used by the orchestrator to advance a workflow immediately.
	Notifier TerminalNotifier
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.SchedulingInterval <= 0 {
		o.SchedulingInterval = DefaultSchedulingInterval
	}
	if o.Parser == nil {
		o.Parser = outputparser.KeyValueParser{}
	}
}

// New constructs a Manager. The in-memory map starts empty; callers
// restarting a process with jobs already pending/ready/scheduled/running
// in the Store should call Rehydrate before starting the scheduler.
func New(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		jobs:               make(map[int64]*QueuedJob),
		clusterCaps:        make(map[int64]int),
		clusterRunning:     make(map[int64]int),
		store:              opts.Store,
		runners:            opts.Runners,
		clock:              opts.Clock,
		logger:             opts.Logger,
		schedulingInterval: opts.SchedulingInterval,
		parser:             opts.Parser,
		notifier:           opts.Notifier,
	}
}

// SetNotifier registers n to be told about every job reaching a terminal
// state from this point on. It exists because the orchestrator is
// constructed after its Manager (it needs a live *Manager to submit
// template-step jobs to), so the notifier can't be supplied via Options.
func (m *Manager) SetNotifier(n TerminalNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// SetClusterCap sets the max-concurrent admission cap for a cluster.
func (m *Manager) SetClusterCap(clusterID int64, maxConcurrent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusterCaps[clusterID] = maxConcurrent
}

// Rehydrate loads every non-terminal job from the Store into the
// in-memory map, for use after a process restart.
func (m *Manager) Rehydrate(ctx context.Context) error {
	var all []*store.Job
	for _, status := range []store.JobStatus{store.JobPending, store.JobReady, store.JobScheduled, store.JobRunning} {
		jobs, err := m.store.GetJobsByStatus(ctx, status)
		if err != nil {
			return err
		}
		all = append(all, jobs...)
	}

	queued := make([]*QueuedJob, 0, len(all))
	for _, j := range all {
		deps, err := m.store.GetDependencies(ctx, j.ID)
		if err != nil {
			return err
		}
		ids := make([]int64, len(deps))
		for i, d := range deps {
			ids[i] = d.FromJobID
		}
		queued = append(queued, &QueuedJob{JobID: j.ID, ClusterID: j.ClusterID, RunnerKind: j.RunnerKind, DependsOn: ids, Status: j.Status})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queued {
		m.jobs[q.JobID] = q
		if q.Status == store.JobRunning && q.ClusterID != nil {
			m.clusterRunning[*q.ClusterID]++
		}
	}
	return nil
}

// Submit persists a new job, validates that every declared dependency
// exists with a single batch check, records the dependency edges (each
// checked for cycles against the full graph by the Store), and adds the
// job to the in-memory map — all as one logical unit of work guarded by
// mu for the in-memory half.
func (m *Manager) Submit(ctx context.Context, attrs store.JobAttrs, dependencies []int64, priority int) (int64, error) {
	if len(dependencies) > 0 {
		exists, err := m.store.JobExistsBatch(ctx, dependencies)
		if err != nil {
			return 0, err
		}
		for _, dep := range dependencies {
			if !exists[dep] {
				return 0, coreerr.NewValidationError("dependencies", fmt.Sprintf("dependency job %d does not exist", dep))
			}
		}
	}

	jobID, err := m.store.CreateJob(ctx, attrs)
	if err != nil {
		return 0, err
	}

	for _, dep := range dependencies {
		if err := m.store.AddDependency(ctx, dep, jobID, store.GateAfterSuccess); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	m.jobs[jobID] = &QueuedJob{
		JobID:      jobID,
		Priority:   priority,
		ClusterID:  attrs.ClusterID,
		RunnerKind: attrs.RunnerKind,
		DependsOn:  append([]int64(nil), dependencies...),
		Status:     store.JobPending,
	}
	m.mu.Unlock()

	return jobID, nil
}

// Cancel marks jobID cancelled. If it is currently running, the bound
// runner's Cancel is invoked first (best-effort) before the store
// transition; a runner that reports it could not issue cancellation does
// not block the status update, since cancellation here is advisory.
func (m *Manager) Cancel(ctx context.Context, jobID int64) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return coreerr.NewValidationError("status", fmt.Sprintf("job %d is already terminal (%s)", jobID, job.Status))
	}

	if job.Status == store.JobRunning && job.Handle != "" {
		if r, ok := m.runners[job.RunnerKind]; ok {
			if _, err := r.Cancel(ctx, job.Handle); err != nil {
				m.logger.WithError(err).WithField("job_id", jobID).Warn("best-effort runner cancel failed")
			}
		}
	}

	if err := m.store.UpdateStatus(ctx, jobID, store.JobCancelled, ""); err != nil {
		return err
	}

	m.mu.Lock()
	if q, ok := m.jobs[jobID]; ok {
		if job.Status == store.JobRunning && q.ClusterID != nil {
			m.clusterRunning[*q.ClusterID]--
		}
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	return nil
}

// Reprioritise updates a queued job's priority. It returns a
// *coreerr.NotFound if the job is no longer tracked in memory (already
// terminal).
func (m *Manager) Reprioritise(jobID int64, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.jobs[jobID]
	if !ok {
		return coreerr.NewNotFound("queued_job", jobID)
	}
	q.Priority = priority
	return nil
}

// MarkCompleted transitions jobID to completed and releases its cluster
// admission slot.
func (m *Manager) MarkCompleted(ctx context.Context, jobID int64) error {
	return m.markTerminal(ctx, jobID, store.JobCompleted, "")
}

// MarkFailed transitions jobID to failed, recording reason, and releases
// its cluster admission slot.
func (m *Manager) MarkFailed(ctx context.Context, jobID int64, reason string) error {
	if reason != "" {
		if err := m.store.RecordError(ctx, jobID, reason); err != nil {
			return err
		}
	}
	return m.markTerminal(ctx, jobID, store.JobFailed, reason)
}

func (m *Manager) markTerminal(ctx context.Context, jobID int64, status store.JobStatus, _ string) error {
	if err := m.store.UpdateStatus(ctx, jobID, status, ""); err != nil {
		return err
	}

	m.mu.Lock()
	if q, ok := m.jobs[jobID]; ok {
		if q.Status == store.JobRunning && q.ClusterID != nil {
			m.clusterRunning[*q.ClusterID]--
		}
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	return nil
}

// Run starts the scheduler worker's tick loop; it blocks until ctx is
// cancelled. Each tick both advances pending jobs toward running (tick)
// and polls every in-flight job's live runner status (pollRunning), so a
// single worker drives a job through its entire lifecycle.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.schedulingInterval)
	defer ticker.Stop()
	var iteration int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iteration++
			m.runTick(ctx, iteration)
		}
	}
}

// runTick runs one scheduler iteration with panic recovery, so a panic deep
// in a runner call (a nil deref, an out-of-range index) logs with context
// and lets the worker keep ticking instead of taking the daemon down.
func (m *Manager) runTick(ctx context.Context, iteration int64) {
	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"iteration": iteration,
				"elapsed":   m.clock.Now().Sub(start),
			}).WithField("panic", r).Error("scheduler: tick panicked, recovered")
		}
	}()
	m.tick(ctx)
	m.pollRunning(ctx)
}

// pollRunning checks every job this Manager currently believes is running
// against its bound runner's live status, advancing it to a terminal state
// the moment the runner reports one. This is the "poller updates job
// status" half of the lifecycle that dispatch's Submit-and-move-on half
// does not cover.
func (m *Manager) pollRunning(ctx context.Context) {
	m.mu.Lock()
	running := make([]int64, 0, len(m.jobs))
	for id, q := range m.jobs {
		if q.Status == store.JobRunning {
			running = append(running, id)
		}
	}
	m.mu.Unlock()

	for _, id := range running {
		m.pollOne(ctx, id)
	}
}

func (m *Manager) pollOne(ctx context.Context, jobID int64) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", jobID).Error("poller: re-reading job failed")
		return
	}
	if job.Status != store.JobRunning {
		return // finished or cancelled since the snapshot was taken
	}

	r, ok := m.runners[job.RunnerKind]
	if !ok {
		return
	}

	status, err := r.Status(ctx, job.Handle)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", jobID).Warn("poller: runner status probe failed")
		return
	}

	switch status {
	case runner.StatusCompleted:
		m.finishJob(ctx, job, r, store.JobCompleted, "")
	case runner.StatusFailed:
		m.finishJob(ctx, job, r, store.JobFailed, "runner reported a failed status")
	default:
		// pending, running, or unknown: leave it in place for the next poll.
	}
}

// finishJob fetches and parses the job's outputs, persists its results and
// terminal status, and — if it materialised from a workflow step —
// notifies the orchestrator so the workflow advances immediately rather
// than waiting for its own next sweep.
func (m *Manager) finishJob(ctx context.Context, job *store.Job, r runner.Runner, status store.JobStatus, reason string) {
	if err := r.FetchOutputs(ctx, job.Handle, job.WorkDir); err != nil {
		m.logger.WithError(err).WithField("job_id", job.ID).Warn("poller: fetching outputs failed")
	} else if m.parser != nil {
		result, err := m.parser.Parse(job.WorkDir, job.CodeKind)
		if err != nil {
			m.logger.WithError(err).WithField("job_id", job.ID).Warn("poller: output parse failed")
			if uerr := m.store.UpdateResults(ctx, job.ID, "", fmt.Sprintf("output parse failed: %v", err), ""); uerr != nil {
				m.logger.WithError(uerr).WithField("job_id", job.ID).Warn("poller: recording parse failure failed")
			}
		} else {
			kvJSON, err := outputparser.MarshalResultsKV(result.KeyValues)
			if err != nil {
				m.logger.WithError(err).WithField("job_id", job.ID).Warn("poller: marshalling results failed")
			} else {
				finalEnergy := ""
				if result.FinalEnergy != nil {
					finalEnergy = strconv.FormatFloat(*result.FinalEnergy, 'g', -1, 64)
				}
				if err := m.store.UpdateResults(ctx, job.ID, finalEnergy, result.Raw, kvJSON); err != nil {
					m.logger.WithError(err).WithField("job_id", job.ID).Warn("poller: recording results failed")
				}
			}
		}
	}

	var err error
	if status == store.JobCompleted {
		err = m.MarkCompleted(ctx, job.ID)
	} else {
		err = m.MarkFailed(ctx, job.ID, reason)
	}
	if err != nil {
		m.logger.WithError(err).WithField("job_id", job.ID).Error("poller: terminal status transition failed")
		return
	}

	m.mu.Lock()
	notifier := m.notifier
	m.mu.Unlock()
	if notifier != nil {
		if err := notifier.NotifyJobTerminal(ctx, job.ID, status); err != nil {
			m.logger.WithError(err).WithField("job_id", job.ID).Warn("poller: workflow notification failed")
		}
	}

	if err := r.Cleanup(ctx, job.Handle); err != nil {
		m.logger.WithError(err).WithField("job_id", job.ID).Debug("poller: runner cleanup failed")
	}
}

// snapshot is the under-lock read step of the tick algorithm: pending jobs
// plus per-cluster caps/running-counts, copied out so the rest of the tick
// never holds mu.
type snapshot struct {
	pending     []*QueuedJob
	caps        map[int64]int
	running     map[int64]int
}

func (m *Manager) snapshotForTick() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := snapshot{caps: make(map[int64]int, len(m.clusterCaps)), running: make(map[int64]int, len(m.clusterRunning))}
	for id, v := range m.clusterCaps {
		s.caps[id] = v
	}
	for id, v := range m.clusterRunning {
		s.running[id] = v
	}
	for _, q := range m.jobs {
		if q.Status == store.JobPending {
			s.pending = append(s.pending, q)
		}
	}
	return s
}

func (m *Manager) tick(ctx context.Context) {
	snap := m.snapshotForTick()
	if len(snap.pending) == 0 {
		return
	}

	depIDs := collectDependencyIDs(snap.pending)
	statuses, err := m.store.GetStatusBatch(ctx, depIDs)
	if err != nil {
		m.logger.WithError(err).Error("scheduler: batched dependency status fetch failed")
		return
	}

	ready := m.readySet(snap.pending, statuses)
	selected := applyClusterCaps(ready, snap.caps, snap.running)

	for _, q := range selected {
		m.dispatch(ctx, q)
	}
}

func collectDependencyIDs(jobs []*QueuedJob) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				ids = append(ids, dep)
			}
		}
	}
	return ids
}

// readySet is the lock-free dependency-satisfaction helper: it consults
// only the snapshot and the batched status map, never re-acquiring mu, so
// it is safe to call from within a tick that already took the lock once
// to build the snapshot.
func (m *Manager) readySet(pending []*QueuedJob, statuses map[int64]store.JobStatus) []*QueuedJob {
	var ready []*QueuedJob
	for _, j := range pending {
		allSatisfied := true
		for _, dep := range j.DependsOn {
			status, ok := statuses[dep]
			if !ok || status != store.JobCompleted {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, j)
		}
	}
	return ready
}

// applyClusterCaps admits jobs in priority order (highest first) up to
// each cluster's max_concurrent - currently-running budget. Jobs with no
// cluster assignment (e.g. local runner) are always admitted.
func applyClusterCaps(ready []*QueuedJob, caps map[int64]int, running map[int64]int) []*QueuedJob {
	budget := make(map[int64]int, len(caps))
	for id, limit := range caps {
		budget[id] = limit - running[id]
	}

	ordered := append([]*QueuedJob(nil), ready...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority > ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	var selected []*QueuedJob
	for _, j := range ordered {
		if j.ClusterID == nil {
			selected = append(selected, j)
			continue
		}
		if budget[*j.ClusterID] > 0 {
			budget[*j.ClusterID]--
			selected = append(selected, j)
		}
	}
	return selected
}

// dispatch re-reads the job's live status (it may have been cancelled
// mid-tick), transitions it to scheduled, and — only after releasing the
// lock — calls the runner's Submit. Success moves it to running; failure
// moves it to failed. Both transitions happen without the lock held, since
// they are store I/O.
func (m *Manager) dispatch(ctx context.Context, q *QueuedJob) {
	current, err := m.store.GetJob(ctx, q.JobID)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", q.JobID).Error("scheduler: re-read before dispatch failed")
		return
	}
	if current.Status != store.JobPending {
		return // cancelled, or already moved on, between snapshot and now
	}

	if err := m.store.UpdateStatus(ctx, q.JobID, store.JobScheduled, ""); err != nil {
		m.logger.WithError(err).WithField("job_id", q.JobID).Error("scheduler: transition to scheduled failed")
		return
	}

	m.mu.Lock()
	if tracked, ok := m.jobs[q.JobID]; ok {
		tracked.Status = store.JobScheduled
	}
	m.mu.Unlock()

	r, ok := m.runners[q.RunnerKind]
	if !ok {
		m.failDispatch(ctx, q, fmt.Sprintf("no runner registered for kind %q", q.RunnerKind))
		return
	}

	handle, err := r.Submit(ctx, runner.SubmitSpec{Job: current, WorkDir: current.WorkDir})
	if err != nil {
		m.failDispatch(ctx, q, err.Error())
		return
	}

	// The job may have been cancelled by the caller while Submit was
	// in flight; re-check before claiming it as running.
	latest, err := m.store.GetJob(ctx, q.JobID)
	if err == nil && latest.Status == store.JobCancelled {
		if r2, ok := m.runners[q.RunnerKind]; ok {
			_, _ = r2.Cancel(ctx, handle)
		}
		return
	}

	if err := m.store.UpdateStatus(ctx, q.JobID, store.JobRunning, handle); err != nil {
		m.logger.WithError(err).WithField("job_id", q.JobID).Error("scheduler: transition to running failed")
		return
	}

	m.mu.Lock()
	if tracked, ok := m.jobs[q.JobID]; ok {
		tracked.Status = store.JobRunning
	}
	if q.ClusterID != nil {
		m.clusterRunning[*q.ClusterID]++
	}
	m.mu.Unlock()
}

func (m *Manager) failDispatch(ctx context.Context, q *QueuedJob, reason string) {
	if err := m.store.RecordError(ctx, q.JobID, reason); err != nil {
		m.logger.WithError(err).WithField("job_id", q.JobID).Error("scheduler: recording dispatch failure reason failed")
	}
	if err := m.store.UpdateStatus(ctx, q.JobID, store.JobFailed, ""); err != nil {
		m.logger.WithError(err).WithField("job_id", q.JobID).Error("scheduler: transition to failed after dispatch error failed")
		return
	}
	m.mu.Lock()
	delete(m.jobs, q.JobID)
	m.mu.Unlock()
}
