// Package scheduler – scheduler.go is the public API over the JobStore:
// submit, query, cancel, delete, cleanup, the worker-facing claim and the
// state-transition gate. All mutations go through here; the CLI and the
// worker pool never touch the store directly.
package scheduler

import (
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"
)

// OrphanMessage is recorded on running rows swept at pool start.
const OrphanMessage = "orphaned by restart"

// Scheduler exposes the job queue operations. It is safe for concurrent use
// from any number of goroutines and processes: every mutation is one guarded
// store write.
type Scheduler struct {
	store  JobStore
	logger *slog.Logger
}

// New creates a Scheduler over the given store.
func New(store JobStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		logger: logger.With("component", "scheduler"),
	}
}

// StateUpdate carries the optional fields of a state transition.
type StateUpdate struct {
	// ReturnCode is the subprocess exit code; nil means -1 for the states
	// that require one.
	ReturnCode *int

	// ErrorMessage explains failed and timeout transitions.
	ErrorMessage string

	// PID is the spawned subprocess id, recorded while the job stays running.
	PID *int

	// StdoutPath and StderrPath are the resolved stream files, recorded
	// together with the pid.
	StdoutPath string
	StderrPath string
}

// SubmitJob validates the request, fills defaults and inserts a pending job.
// Returns the assigned job id.
func (s *Scheduler) SubmitJob(req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", validationf("command must not be empty")
	}
	if req.CPUs == 0 {
		req.CPUs = 1
	}
	if req.CPUs < 1 {
		return "", validationf("cpus must be at least 1, got %d", req.CPUs)
	}
	if req.TimeoutSeconds < 0 {
		return "", validationf("timeout must be positive, got %d", req.TimeoutSeconds)
	}

	now := time.Now().UTC()
	job := &Job{
		JobName:        req.JobName,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		CPUs:           req.CPUs,
		Memory:         req.Memory,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		User:           currentUser(),
		State:          StatePending,
		StdoutPath:     req.StdoutPath,
		StderrPath:     req.StderrPath,
		SubmitTime:     now,
	}
	if job.JobName == "" {
		job.JobName = defaultJobName(now)
	}
	if job.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			job.WorkingDir = wd
		}
	}

	id, err := s.store.Insert(job)
	if err != nil {
		return "", storeErr("submit job", err)
	}

	s.logger.Info("job submitted",
		"job_id", id,
		"job_name", job.JobName,
		"priority", job.Priority,
		"user", job.User,
	)
	return id, nil
}

// GetJobStatus returns the full job record, or nil when the id is unknown.
func (s *Scheduler) GetJobStatus(id string) (*Job, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return job, nil
}

// CancelJob requests cancellation. A pending job is cancelled outright; a
// running job is marked and its worker confirms after killing the process.
// Returns false when the job is unknown or already terminal.
func (s *Scheduler) CancelJob(id string) (bool, error) {
	applied, err := s.store.CancelPending(id)
	if err != nil {
		return false, storeErr("cancel job", err)
	}
	if applied {
		s.logger.Info("pending job cancelled", "job_id", id)
		return true, nil
	}

	applied, err = s.store.MarkCancelRunning(id)
	if err != nil {
		return false, storeErr("cancel job", err)
	}
	if applied {
		s.logger.Info("running job marked cancelled", "job_id", id)
		return true, nil
	}
	return false, nil
}

// ListJobs returns jobs matching the optional state and user filters,
// newest submit first. Zero limit means no limit.
func (s *Scheduler) ListJobs(state JobState, user string, limit int) ([]*Job, error) {
	if state != "" {
		if _, err := ParseJobState(string(state)); err != nil {
			return nil, err
		}
	}
	if limit < 0 {
		return nil, validationf("limit must not be negative, got %d", limit)
	}
	jobs, err := s.store.List(ListFilter{State: state, User: user, Limit: limit})
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	return jobs, nil
}

// CountByState returns a count for every state, including zeroes.
func (s *Scheduler) CountByState() (map[JobState]int, error) {
	counts, err := s.store.CountByState()
	if err != nil {
		return nil, storeErr("count jobs", err)
	}
	return counts, nil
}

// DeleteJob removes a terminal job. Unknown ids return false; pending and
// running jobs are refused with an IllegalTransition error.
func (s *Scheduler) DeleteJob(id string) (bool, error) {
	applied, err := s.store.Delete(id)
	if err != nil {
		return false, storeErr("delete job", err)
	}
	if applied {
		s.logger.Info("job deleted", "job_id", id)
		return true, nil
	}

	job, err := s.store.Get(id)
	if err != nil {
		return false, storeErr("get job", err)
	}
	if job == nil {
		return false, nil
	}
	return false, &Error{
		Kind:    KindIllegalTransition,
		Message: "job " + id + " is " + string(job.State) + "; only terminal jobs can be deleted",
	}
}

// Cleanup bulk-deletes terminal jobs in the given states, optionally only
// those that ended olderThanDays or more ago. Returns the number deleted.
func (s *Scheduler) Cleanup(states []JobState, olderThanDays *int) (int64, error) {
	if len(states) == 0 {
		return 0, validationf("cleanup requires at least one state")
	}
	for _, st := range states {
		if _, err := ParseJobState(string(st)); err != nil {
			return 0, err
		}
		if !st.IsTerminal() {
			return 0, validationf("cleanup of non-terminal state %q refused", st)
		}
	}

	var cutoff *time.Time
	if olderThanDays != nil {
		if *olderThanDays < 0 {
			return 0, validationf("older-than-days must not be negative, got %d", *olderThanDays)
		}
		t := time.Now().UTC().AddDate(0, 0, -*olderThanDays)
		cutoff = &t
	}

	n, err := s.store.DeleteOlder(states, cutoff)
	if err != nil {
		return 0, storeErr("cleanup", err)
	}
	if n > 0 {
		s.logger.Info("cleanup removed jobs", "count", n, "states", states)
	}
	return n, nil
}

// ClaimNext leases the best pending job to workerID, or returns nil when
// the queue has nothing pending. Worker pool use only.
func (s *Scheduler) ClaimNext(workerID string) (*Job, error) {
	if workerID == "" {
		return nil, validationf("worker id must not be empty")
	}
	job, err := s.store.Claim(workerID)
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	if job != nil {
		s.logger.Debug("job claimed", "job_id", job.JobID, "worker_id", workerID)
	}
	return job, nil
}

// UpdateJobState applies a worker-side transition. Legal moves are
// pending→cancelled and running→{completed, failed, cancelled, timeout};
// a running target only records the spawned pid on an already-running job.
// Terminal states are absorbing: transitions out of them are rejected.
func (s *Scheduler) UpdateJobState(id string, newState JobState, upd StateUpdate) error {
	switch newState {
	case StateRunning:
		// Claim is the only road into running; this arm records the pid
		// and stream paths while the job stays running.
		if upd.PID == nil {
			return validationf("running update requires a pid")
		}
		applied, err := s.store.RecordSpawn(id, *upd.PID, upd.StdoutPath, upd.StderrPath)
		if err != nil {
			return storeErr("record spawn", err)
		}
		if !applied {
			return s.transitionRefused(id, StateRunning)
		}
		return nil

	case StateCompleted, StateFailed, StateTimeout:
		rc := -1
		if upd.ReturnCode != nil {
			rc = *upd.ReturnCode
		}
		applied, err := s.store.Finish(id, newState, rc, upd.ErrorMessage)
		if err != nil {
			return storeErr("finish job", err)
		}
		if !applied {
			return s.transitionRefused(id, newState)
		}
		s.logger.Info("job finished",
			"job_id", id, "state", newState, "return_code", rc)
		return nil

	case StateCancelled:
		// Running rows finalize in one step; rows the CLI already marked
		// get their end_time confirmed.
		applied, err := s.store.CancelRunning(id)
		if err != nil {
			return storeErr("cancel job", err)
		}
		if !applied {
			applied, err = s.store.CancelPending(id)
			if err != nil {
				return storeErr("cancel job", err)
			}
		}
		if !applied {
			applied, err = s.store.ConfirmCancel(id)
			if err != nil {
				return storeErr("confirm cancel", err)
			}
		}
		if !applied {
			job, err := s.store.Get(id)
			if err != nil {
				return storeErr("get job", err)
			}
			if job == nil {
				return notFound(id)
			}
			if job.State == StateCancelled {
				// Already confirmed; the transition is idempotent.
				return nil
			}
			return illegalTransition(id, job.State, StateCancelled)
		}
		s.logger.Info("job cancelled", "job_id", id)
		return nil

	case StatePending:
		return validationf("cannot transition a job back to pending")

	default:
		return validationf("unknown job state %q", newState)
	}
}

// FailOrphans sweeps every running row into failed with OrphanMessage.
// Called by the worker pool before its workers start.
func (s *Scheduler) FailOrphans() (int64, error) {
	n, err := s.store.FailOrphans(OrphanMessage)
	if err != nil {
		return 0, storeErr("fail orphans", err)
	}
	if n > 0 {
		s.logger.Warn("orphaned jobs failed", "count", n)
	}
	return n, nil
}

// transitionRefused reads the row to tell a missing job apart from an
// illegal transition.
func (s *Scheduler) transitionRefused(id string, to JobState) error {
	job, err := s.store.Get(id)
	if err != nil {
		return storeErr("get job", err)
	}
	if job == nil {
		return notFound(id)
	}
	return illegalTransition(id, job.State, to)
}

// ---------- Default instance ----------

var (
	defaultMu    sync.RWMutex
	defaultSched *Scheduler
)

// SetDefault installs the process-wide scheduler returned by Default.
// The service sets it on start; library callers may set their own.
func SetDefault(s *Scheduler) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSched = s
}

// Default returns the process-wide scheduler, or nil when none is set.
func Default() *Scheduler {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSched
}
