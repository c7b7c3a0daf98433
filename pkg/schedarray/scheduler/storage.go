// Package scheduler – storage.go defines the JobStore contract implemented
// by the SQLite store. Any store with linearizable claim semantics can back
// the scheduler.
package scheduler

import "time"

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	State JobState
	User  string
	Limit int
}

// JobStore is the persistence contract for the job queue. Every mutation is
// a single guarded write; the store's own transactional locking is the only
// concurrency control in the system.
type JobStore interface {
	// Insert adds a pending job and assigns its id.
	Insert(job *Job) (string, error)

	// Get returns a job by id, or nil when absent.
	Get(id string) (*Job, error)

	// Claim atomically leases the best pending job to workerID: highest
	// priority first, earliest submit time within a priority class. The
	// selected row flips to running with start_time set and is returned.
	// Returns nil when nothing is pending. Concurrent callers never
	// receive the same row.
	Claim(workerID string) (*Job, error)

	// RecordSpawn stores the subprocess pid and resolved stream paths on a
	// running job. Reports whether the row was still running.
	RecordSpawn(id string, pid int, stdoutPath, stderrPath string) (bool, error)

	// Finish moves a running job to completed, failed or timeout, setting
	// return_code, error_message and end_time and clearing the lease, all
	// in one write.
	Finish(id string, state JobState, returnCode int, errorMessage string) (bool, error)

	// CancelPending moves a pending job to cancelled with end_time set.
	CancelPending(id string) (bool, error)

	// MarkCancelRunning flips a running job to cancelled and clears the
	// lease; end_time stays null until the owning worker confirms the kill.
	MarkCancelRunning(id string) (bool, error)

	// CancelRunning flips a running job to cancelled with end_time set in
	// one step. Used when the killing worker itself initiates the cancel.
	CancelRunning(id string) (bool, error)

	// ConfirmCancel sets end_time on a cancelled job that lacks one.
	ConfirmCancel(id string) (bool, error)

	// FailOrphans moves every running row to failed with the given message
	// and return_code -1. Returns the number of rows swept.
	FailOrphans(message string) (int64, error)

	// Delete removes a job in a terminal state.
	Delete(id string) (bool, error)

	// DeleteOlder removes jobs whose state is in states and whose end_time
	// is at or before cutoff; rows without an end_time always match. A nil
	// cutoff matches any age. Returns the number of rows deleted.
	DeleteOlder(states []JobState, cutoff *time.Time) (int64, error)

	// List returns jobs matching the filter, newest submit first.
	List(filter ListFilter) ([]*Job, error)

	// CountByState returns a count for every state, including zeroes.
	CountByState() (map[JobState]int, error)

	Close() error
}
