// Package service runs one scheduler and one worker pool over a single
// database file, guarded by a pid lock so only one service owns a queue
// at a time. It handles signal-driven draining shutdown, the optional
// retention janitor, and the cross-process status and stop operations the
// CLI uses from other processes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
	"github.com/mxflask/schedarray/pkg/schedarray/worker"
)

// Config describes one service instance.
type Config struct {
	// DBPath is the SQLite database file backing the queue.
	DBPath string

	// LogsDir receives per-job stdout/stderr files for jobs without
	// explicit paths. Empty means a logs directory beside the database.
	LogsDir string

	// MaxWorkers is the pool size. Zero means the machine's CPU count.
	MaxWorkers int

	// PollInterval is the idle claim cadence. Zero means 1 second.
	PollInterval time.Duration

	// DrainTimeout bounds how long a stopping service waits for running
	// jobs before killing them. Zero means 30 seconds.
	DrainTimeout time.Duration

	// CleanupSchedule is a cron expression for the retention janitor.
	// Empty disables it.
	CleanupSchedule string

	// CleanupStates lists the terminal states the janitor deletes.
	// Empty means completed, failed and cancelled.
	CleanupStates []string

	// CleanupOlderThanDays keeps jobs that ended within the window.
	// Zero deletes matching jobs regardless of age.
	CleanupOlderThanDays int
}

// Status is the service report: liveness, lease holders and queue depth.
type Status struct {
	// Running reports whether a live service holds the pid lock.
	Running bool `json:"running"`

	// PID is the service process id.
	PID int `json:"pid,omitempty"`

	// MaxWorkers is the configured pool size.
	MaxWorkers int `json:"max_workers,omitempty"`

	// StartedAt is when the service came up, UTC.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Workers is the per-slot status, available in-process only.
	Workers []worker.WorkerStatus `json:"workers,omitempty"`

	// Counts maps every job state to its row count.
	Counts map[scheduler.JobState]int `json:"counts,omitempty"`

	// RunningJobs lists jobs currently leased, with their worker ids.
	RunningJobs []*scheduler.Job `json:"running_jobs,omitempty"`
}

// Service owns the scheduler, the worker pool, the pid lock and the
// janitor for one database.
type Service struct {
	cfg    Config
	logger *slog.Logger

	store *scheduler.SQLiteJobStore
	sched *scheduler.Scheduler
	pool  *worker.Pool
	lock  *PIDLock
	cron  *cron.Cron

	startedAt time.Time
	running   bool
	mu        sync.Mutex
}

// New creates a service. Zero config fields take their documented
// defaults; DBPath is required.
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(filepath.Dir(cfg.DBPath), "logs")
	}

	return &Service{
		cfg:    cfg,
		logger: logger.With("component", "service"),
	}
}

// Run brings the service up and blocks until SIGTERM/SIGINT or ctx
// cancellation, then drains the pool and shuts down. The returned error
// covers startup failures only; shutdown problems are logged.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.DBPath == "" {
		return fmt.Errorf("service requires a database path")
	}

	// Arm the signal handler before the pid lock makes this instance
	// discoverable, so a stop that races startup still lands in the
	// channel below.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	pidPath := PIDFilePath(s.cfg.DBPath)
	lock, err := AcquirePIDLock(pidPath, PIDRecord{
		PID:        os.Getpid(),
		MaxWorkers: s.cfg.MaxWorkers,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.lock = lock
	defer s.releaseLock()

	store, err := scheduler.OpenSQLiteJobStore(s.cfg.DBPath)
	if err != nil {
		return err
	}
	s.store = store
	defer store.Close()

	s.sched = scheduler.New(store, s.logger)
	scheduler.SetDefault(s.sched)

	s.pool = worker.New(s.sched, worker.Config{
		MaxWorkers:   s.cfg.MaxWorkers,
		PollInterval: s.cfg.PollInterval,
		LogsDir:      s.cfg.LogsDir,
	}, s.logger)
	if err := s.pool.Start(ctx); err != nil {
		return err
	}

	if err := s.startJanitor(); err != nil {
		s.pool.Stop(false, 0)
		return err
	}

	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("service started",
		"db_path", s.cfg.DBPath,
		"pid", os.Getpid(),
		"max_workers", s.cfg.MaxWorkers,
		"drain_timeout", s.cfg.DrainTimeout,
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	s.shutdown()
	return nil
}

// Status reports on this service instance. Worker detail is only
// meaningful while Run is active; other processes use ReadStatus.
func (s *Service) Status() *Status {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	st := &Status{Running: running, PID: os.Getpid(), MaxWorkers: s.cfg.MaxWorkers}
	if !running {
		return st
	}

	st.StartedAt = &startedAt
	st.Workers = s.pool.Status()
	if counts, err := s.sched.CountByState(); err == nil {
		st.Counts = counts
	}
	return st
}

// ReadStatus reports on whatever service owns dbPath, from outside its
// process: liveness and sizing from the pid file, queue counts and
// running leases from the store.
func ReadStatus(dbPath string) (*Status, error) {
	st := &Status{}

	pidPath := PIDFilePath(dbPath)
	rec, err := ReadPIDRecord(pidPath)
	if err != nil {
		return nil, err
	}
	if rec != nil && LockHeld(pidPath) {
		st.Running = true
		st.PID = rec.PID
		st.MaxWorkers = rec.MaxWorkers
		started := rec.StartedAt
		st.StartedAt = &started
	}

	store, err := scheduler.OpenSQLiteJobStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	sched := scheduler.New(store, nil)

	counts, err := sched.CountByState()
	if err != nil {
		return nil, err
	}
	st.Counts = counts

	running, err := sched.ListJobs(scheduler.StateRunning, "", 0)
	if err != nil {
		return nil, err
	}
	st.RunningJobs = running
	return st, nil
}

// StopRunning signals the service holding dbPath's pid lock and waits up
// to wait for the lock to clear. It returns false when no live service
// holds the lock.
func StopRunning(dbPath string, wait time.Duration) (bool, error) {
	pidPath := PIDFilePath(dbPath)
	rec, err := ReadPIDRecord(pidPath)
	if err != nil {
		return false, err
	}
	if rec == nil || !LockHeld(pidPath) {
		return false, nil
	}

	if err := signalStop(rec.PID); err != nil {
		return false, fmt.Errorf("signal service pid %d: %w", rec.PID, err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !LockHeld(pidPath) {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true, fmt.Errorf("service pid %d did not stop within %s", rec.PID, wait)
}

// ---------- Internal ----------

func (s *Service) shutdown() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.stopJanitor()
	s.pool.Stop(true, s.cfg.DrainTimeout)
	s.logger.Info("service stopped")
}

func (s *Service) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Error("failed to release pid lock", "error", err)
	}
	s.lock = nil
}
