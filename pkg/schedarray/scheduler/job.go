// Package scheduler implements the persistent job queue at the heart of
// SchedArray: a SQLite-backed table of shell-command jobs, the atomic claim
// protocol workers use to lease them, and the state machine that moves every
// job from pending to exactly one terminal state.
package scheduler

import (
	"fmt"
	"os"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

// Job lifecycle states. Pending and running are live; the other four are
// terminal and absorbing.
const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateTimeout   JobState = "timeout"
)

// AllStates lists every job state in display order.
var AllStates = []JobState{
	StatePending, StateRunning, StateCompleted,
	StateFailed, StateCancelled, StateTimeout,
}

// TerminalStates lists the absorbing states.
var TerminalStates = []JobState{
	StateCompleted, StateFailed, StateCancelled, StateTimeout,
}

// ParseJobState validates a state name coming from user input.
func ParseJobState(s string) (JobState, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", validationf("unknown job state %q", s)
}

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Job is one persisted unit of work: a shell command plus scheduling
// metadata and execution results.
type Job struct {
	// JobID is the store-assigned identity, unique and monotonically
	// increasing within one database.
	JobID string `json:"job_id"`

	// JobName is a user label; defaults to job_<unix-seconds> at submit.
	JobName string `json:"job_name,omitempty"`

	// Command is the shell command line, parsed by the system shell at
	// execution time.
	Command string `json:"command"`

	// WorkingDir is the directory the command runs in; defaults to the
	// submitter's working directory.
	WorkingDir string `json:"working_dir,omitempty"`

	// CPUs is the advisory CPU request. Recorded, not enforced.
	CPUs int `json:"cpus"`

	// Memory is the advisory memory request, e.g. "4G". Recorded, not parsed.
	Memory string `json:"memory,omitempty"`

	// TimeoutSeconds is the wall-clock kill deadline; zero means none.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Priority orders the queue: a higher value dequeues first.
	Priority int `json:"priority"`

	// User is the system username captured at submit.
	User string `json:"user,omitempty"`

	// State is the current lifecycle state.
	State JobState `json:"state"`

	// ReturnCode is the subprocess exit code. Set only on completed,
	// failed and timeout (-1 when no real exit code exists).
	ReturnCode *int `json:"return_code,omitempty"`

	// StdoutPath and StderrPath are the files the subprocess streams are
	// redirected to. Filled in by the worker when not set at submit.
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	// SubmitTime is set on insert, StartTime on claim, EndTime on the
	// terminal transition. All UTC.
	SubmitTime time.Time  `json:"submit_time"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`

	// WorkerID identifies the worker holding the lease while running.
	WorkerID string `json:"worker_id,omitempty"`

	// PID is the OS process id of the spawned subprocess while running.
	PID *int `json:"pid,omitempty"`

	// ErrorMessage explains failed and timeout outcomes.
	ErrorMessage string `json:"error_message,omitempty"`
}

// SubmitRequest carries the user-settable fields of a new job.
type SubmitRequest struct {
	Command        string
	JobName        string
	WorkingDir     string
	CPUs           int // zero means 1
	Memory         string
	TimeoutSeconds int // zero means no timeout
	Priority       int
	StdoutPath     string
	StderrPath     string
}

// currentUser resolves the submitting username: $USER, then $USERNAME,
// then "unknown".
func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}

// defaultJobName names unnamed jobs after their submit time.
func defaultJobName(t time.Time) string {
	return fmt.Sprintf("job_%d", t.Unix())
}
