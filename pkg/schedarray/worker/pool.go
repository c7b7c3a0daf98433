// Package worker runs queued jobs as local subprocesses. A Pool hosts a
// fixed set of workers; each worker claims one pending job at a time,
// spawns its command through the system shell in a fresh process group,
// and supervises the child until it exits, times out, or a cancellation
// mark appears on the row. Every state change flows through the scheduler
// so worker writes obey the same transition rules as everyone else's.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// cancelPollInterval is how often a supervising worker re-reads its job's
// row to notice a cancellation mark placed by another process.
const cancelPollInterval = time.Second

// Config controls the pool size and supervision timing.
type Config struct {
	// MaxWorkers is the number of concurrent workers. Defaults to the
	// machine's CPU count when zero.
	MaxWorkers int

	// PollInterval is how long an idle worker sleeps between claim
	// attempts. Defaults to 1 second.
	PollInterval time.Duration

	// LogsDir receives per-job stdout/stderr files for jobs that do not
	// name their own paths. Defaults to a schedarray/logs directory under
	// the system temp dir; the service points it at <db-dir>/logs.
	LogsDir string

	// KillGrace is how long a terminated process group gets between the
	// polite signal and the forced kill. Defaults to 2 seconds.
	KillGrace time.Duration
}

// WorkerStatus describes one worker slot.
type WorkerStatus struct {
	// WorkerID is the slot's stable identifier, also written into the
	// worker_id column of any job it holds.
	WorkerID string `json:"worker_id"`

	// State is "idle" or "running".
	State string `json:"state"`

	// CurrentJob is the id of the job being executed, if any.
	CurrentJob string `json:"current_job,omitempty"`
}

// workerState is the pool's private bookkeeping for one slot, guarded by
// the pool mutex.
type workerState struct {
	id         string
	currentJob string
}

// Pool supervises a fixed set of job-running workers.
type Pool struct {
	sched  *scheduler.Scheduler
	cfg    Config
	logger *slog.Logger

	// workers holds one entry per slot, in launch order.
	workers []*workerState

	// killCh is closed when Stop gives up on draining; supervisors kill
	// their children and record them cancelled.
	killCh chan struct{}

	running bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a worker pool over the given scheduler. Zero config fields
// take their documented defaults.
func New(sched *scheduler.Scheduler, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(os.TempDir(), "schedarray", "logs")
	}

	return &Pool{
		sched:  sched,
		cfg:    cfg,
		logger: logger.With("component", "worker_pool"),
	}
}

// Start sweeps orphaned jobs and launches the workers. It returns once
// every worker goroutine is running; the pool then claims jobs until Stop
// is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.killCh = make(chan struct{})
	p.workers = make([]*workerState, 0, p.cfg.MaxWorkers)
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		id := fmt.Sprintf("worker_%d_%s", i+1, uuid.NewString()[:8])
		p.workers = append(p.workers, &workerState{id: id})
	}
	workers := p.workers
	p.mu.Unlock()

	// Jobs still marked running at this point belong to a previous
	// process that never finished them.
	n, err := p.sched.FailOrphans()
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.cancel()
		p.mu.Unlock()
		return fmt.Errorf("orphan sweep: %w", err)
	}
	if n > 0 {
		p.logger.Warn("failed orphaned jobs from a previous run", "count", n)
	}

	for _, ws := range workers {
		p.wg.Add(1)
		go p.runWorker(ws)
	}

	p.logger.Info("worker pool started",
		"workers", len(workers),
		"poll_interval", p.cfg.PollInterval,
		"logs_dir", p.cfg.LogsDir,
	)
	return nil
}

// Stop shuts the pool down. With drain true, workers keep supervising
// their current jobs for up to timeout before the pool kills whatever is
// left; with drain false, running jobs are killed immediately. A job
// killed by Stop ends up cancelled. Idle workers exit right away either
// way, and Stop returns only after every worker has.
func (p *Pool) Stop(drain bool, timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	killCh := p.killCh
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", "drain", drain, "timeout", timeout)
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if drain {
		select {
		case <-done:
			p.logger.Info("worker pool stopped")
			return
		case <-time.After(timeout):
			p.logger.Warn("drain timed out, killing remaining jobs", "timeout", timeout)
		}
	}

	close(killCh)
	<-done
	p.logger.Info("worker pool stopped")
}

// Running reports whether the pool has been started and not yet stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status reports each worker slot and the job it currently holds.
func (p *Pool) Status() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStatus, 0, len(p.workers))
	for _, ws := range p.workers {
		st := WorkerStatus{WorkerID: ws.id, State: "idle"}
		if ws.currentJob != "" {
			st.State = "running"
			st.CurrentJob = ws.currentJob
		}
		out = append(out, st)
	}
	return out
}

// ---------- Internal ----------

// runWorker is one slot's claim loop: claim, execute, repeat, sleeping a
// poll interval whenever the queue is empty or the store misbehaves.
func (p *Pool) runWorker(ws *workerState) {
	defer p.wg.Done()

	ctx := p.ctx
	logger := p.logger.With("worker_id", ws.id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.sched.ClaimNext(ws.id)
		if err != nil {
			// Back off one interval so a broken store does not turn
			// the loop hot.
			logger.Error("claim failed, backing off", "error", err)
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		p.setCurrentJob(ws, job.JobID)
		p.runJob(logger, job)
		p.setCurrentJob(ws, "")
	}
}

// idle sleeps one poll interval, waking early when the pool stops.
func (p *Pool) idle(ctx context.Context) {
	select {
	case <-time.After(p.cfg.PollInterval):
	case <-ctx.Done():
	}
}

func (p *Pool) setCurrentJob(ws *workerState, jobID string) {
	p.mu.Lock()
	ws.currentJob = jobID
	p.mu.Unlock()
}

// runJob takes a freshly claimed job through spawn, supervision and the
// terminal write. Per-job failures never escape: every path ends with the
// job in a terminal state.
func (p *Pool) runJob(logger *slog.Logger, job *scheduler.Job) {
	logger = logger.With("job_id", job.JobID)
	logger.Info("job claimed", "job_name", job.JobName, "priority", job.Priority)

	stdoutPath, stderrPath := p.streamPaths(job)
	stdout, stderr, err := openStreams(stdoutPath, stderrPath)
	if err != nil {
		p.failSpawn(logger, job, err)
		return
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := newShellCommand(job.Command, job.WorkingDir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		p.failSpawn(logger, job, err)
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	pid := cmd.Process.Pid
	err = p.sched.UpdateJobState(job.JobID, scheduler.StateRunning, scheduler.StateUpdate{
		PID:        &pid,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrIllegalTransition) {
			// Cancelled between claim and spawn. Kill and confirm.
			logger.Info("job cancelled before spawn completed, killing")
			p.stopProcess(cmd, done)
			p.confirmCancelled(logger, job.JobID)
			return
		}
		// The process is already alive, so supervise it anyway; only the
		// pid and stream paths are missing from the row.
		logger.Error("failed to record pid", "error", err)
	}

	p.supervise(logger, job, cmd, done)
}

// supervise waits for whichever comes first: child exit, the job's
// timeout, a cancellation mark on the row, or a pool-wide kill.
func (p *Pool) supervise(logger *slog.Logger, job *scheduler.Job, cmd *exec.Cmd, done chan error) {
	started := time.Now()
	if job.StartTime != nil {
		started = *job.StartTime
	}

	// A nil channel never fires, which is exactly what a job without a
	// timeout needs.
	var timeoutC <-chan time.Time
	if job.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Until(started.Add(time.Duration(job.TimeoutSeconds) * time.Second)))
		defer timer.Stop()
		timeoutC = timer.C
	}

	cancelTick := time.NewTicker(cancelPollInterval)
	defer cancelTick.Stop()

	for {
		select {
		case waitErr := <-done:
			p.recordExit(logger, job, cmd, waitErr, started)
			return

		case <-timeoutC:
			logger.Warn("job timed out, killing", "timeout_seconds", job.TimeoutSeconds)
			p.stopProcess(cmd, done)
			msg := fmt.Sprintf("timed out after %d seconds", job.TimeoutSeconds)
			if err := p.sched.UpdateJobState(job.JobID, scheduler.StateTimeout, scheduler.StateUpdate{ErrorMessage: msg}); err != nil {
				p.resolveLostFinish(logger, job.JobID, err)
			}
			return

		case <-cancelTick.C:
			cancelled, err := p.cancelRequested(job.JobID)
			if err != nil {
				logger.Error("cancel check failed", "error", err)
				continue
			}
			if !cancelled {
				continue
			}
			logger.Info("cancellation requested, killing job")
			p.stopProcess(cmd, done)
			p.confirmCancelled(logger, job.JobID)
			return

		case <-p.killCh:
			logger.Info("pool stopping, killing job")
			p.stopProcess(cmd, done)
			p.confirmCancelled(logger, job.JobID)
			return
		}
	}
}

// stopProcess kills the job's process group: a polite terminate first,
// then a hard kill once the grace period passes. Returns after the child
// has been reaped.
func (p *Pool) stopProcess(cmd *exec.Cmd, done chan error) {
	terminate(cmd)
	select {
	case <-done:
		return
	case <-time.After(p.cfg.KillGrace):
	}
	forceKill(cmd)
	<-done
}

// recordExit writes the terminal state for a child that exited on its own.
func (p *Pool) recordExit(logger *slog.Logger, job *scheduler.Job, cmd *exec.Cmd, waitErr error, started time.Time) {
	rc := exitStatus(cmd)
	state := scheduler.StateCompleted
	msg := ""
	if rc != 0 {
		state = scheduler.StateFailed
		if waitErr != nil {
			msg = waitErr.Error()
		}
	}

	err := p.sched.UpdateJobState(job.JobID, state, scheduler.StateUpdate{ReturnCode: &rc, ErrorMessage: msg})
	if err != nil {
		p.resolveLostFinish(logger, job.JobID, err)
		return
	}
	logger.Info("job finished",
		"state", state,
		"return_code", rc,
		"duration", time.Since(started).Round(time.Millisecond),
	)
}

// failSpawn records a job whose command never reached a live process.
func (p *Pool) failSpawn(logger *slog.Logger, job *scheduler.Job, spawnErr error) {
	logger.Error("job spawn failed", "error", spawnErr)
	rc := -1
	err := p.sched.UpdateJobState(job.JobID, scheduler.StateFailed, scheduler.StateUpdate{
		ReturnCode:   &rc,
		ErrorMessage: fmt.Sprintf("spawn failed: %v", spawnErr),
	})
	if err != nil {
		p.resolveLostFinish(logger, job.JobID, err)
	}
}

// confirmCancelled writes the terminal cancelled state for a job whose
// process has just been killed. Covers both rows already marked cancelled
// (only end_time is owed) and rows still running (pool-initiated kill).
func (p *Pool) confirmCancelled(logger *slog.Logger, jobID string) {
	if err := p.sched.UpdateJobState(jobID, scheduler.StateCancelled, scheduler.StateUpdate{}); err != nil {
		logger.Error("failed to record cancellation", "job_id", jobID, "error", err)
	}
}

// resolveLostFinish handles a terminal write refused because a cancel mark
// got there first. The cancelled state stands; the worker still owes the
// row its end_time.
func (p *Pool) resolveLostFinish(logger *slog.Logger, jobID string, err error) {
	if errors.Is(err, scheduler.ErrIllegalTransition) {
		p.confirmCancelled(logger, jobID)
		return
	}
	logger.Error("failed to record job outcome", "job_id", jobID, "error", err)
}

// cancelRequested reports whether the job's row has been marked cancelled
// by another process.
func (p *Pool) cancelRequested(jobID string) (bool, error) {
	job, err := p.sched.GetJobStatus(jobID)
	if err != nil {
		return false, err
	}
	return job != nil && job.State == scheduler.StateCancelled, nil
}

// streamPaths resolves where the job's stdout and stderr go. Jobs that
// name their own paths keep them; everything else lands under LogsDir.
func (p *Pool) streamPaths(job *scheduler.Job) (string, string) {
	stdoutPath := job.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(p.cfg.LogsDir, job.JobID+".out")
	}
	stderrPath := job.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(p.cfg.LogsDir, job.JobID+".err")
	}
	return stdoutPath, stderrPath
}

// openStreams creates both stream files, making parent directories as
// needed.
func openStreams(stdoutPath, stderrPath string) (*os.File, *os.File, error) {
	stdout, err := createStream(stdoutPath)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := createStream(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func createStream(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file %q: %w", path, err)
	}
	return f, nil
}
