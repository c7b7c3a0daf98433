package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

func newTestPool(t *testing.T, maxWorkers int) (*Pool, *scheduler.Scheduler, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("pool tests need a POSIX shell")
	}

	tmpDir, err := os.MkdirTemp("", "schedarray-worker-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := scheduler.OpenSQLiteJobStore(filepath.Join(tmpDir, "schedarray.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store, nil)
	logsDir := filepath.Join(tmpDir, "logs")
	pool := New(sched, Config{
		MaxWorkers:   maxWorkers,
		PollInterval: 25 * time.Millisecond,
		LogsDir:      logsDir,
		KillGrace:    200 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { pool.Stop(false, 0) })
	return pool, sched, logsDir
}

func startPool(t *testing.T, pool *Pool) {
	t.Helper()
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
}

func waitForState(t *testing.T, sched *scheduler.Scheduler, id string, want scheduler.JobState) *scheduler.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := sched.GetJobStatus(id)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if job != nil && job.State == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", id, want)
	return nil
}

func waitForJob(t *testing.T, sched *scheduler.Scheduler, id string, cond func(*scheduler.Job) bool) *scheduler.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := sched.GetJobStatus(id)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if job != nil && cond(job) {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never satisfied the condition", id)
	return nil
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateCompleted)
	if job.ReturnCode == nil || *job.ReturnCode != 0 {
		t.Errorf("return_code = %v, want 0", job.ReturnCode)
	}
	if job.StartTime == nil || job.EndTime == nil {
		t.Error("completed job missing start_time or end_time")
	}
	if job.WorkerID != "" || job.PID != nil {
		t.Errorf("completed job still leased: worker_id=%q pid=%v", job.WorkerID, job.PID)
	}

	out, err := os.ReadFile(job.StdoutPath)
	if err != nil {
		t.Fatalf("failed to read stdout file: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}
}

func TestPoolDefaultStreamPaths(t *testing.T) {
	pool, sched, logsDir := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "echo out; echo err >&2"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateCompleted)
	wantOut := filepath.Join(logsDir, id+".out")
	wantErr := filepath.Join(logsDir, id+".err")
	if job.StdoutPath != wantOut {
		t.Errorf("stdout_path = %q, want %q", job.StdoutPath, wantOut)
	}
	if job.StderrPath != wantErr {
		t.Errorf("stderr_path = %q, want %q", job.StderrPath, wantErr)
	}

	errOut, err := os.ReadFile(wantErr)
	if err != nil {
		t.Fatalf("failed to read stderr file: %v", err)
	}
	if string(errOut) != "err\n" {
		t.Errorf("stderr = %q, want %q", errOut, "err\n")
	}
}

func TestPoolExplicitStreamPaths(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	tmpDir, err := os.MkdirTemp("", "schedarray-streams")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	outPath := filepath.Join(tmpDir, "nested", "job.out")
	errPath := filepath.Join(tmpDir, "nested", "job.err")
	id, err := sched.SubmitJob(scheduler.SubmitRequest{
		Command:    "echo custom",
		StdoutPath: outPath,
		StderrPath: errPath,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateCompleted)
	if job.StdoutPath != outPath {
		t.Errorf("stdout_path = %q, want %q", job.StdoutPath, outPath)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read stdout file: %v", err)
	}
	if string(out) != "custom\n" {
		t.Errorf("stdout = %q, want %q", out, "custom\n")
	}
}

func TestPoolRecordsFailure(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "exit 3"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateFailed)
	if job.ReturnCode == nil || *job.ReturnCode != 3 {
		t.Errorf("return_code = %v, want 3", job.ReturnCode)
	}
	if job.ErrorMessage != "exit status 3" {
		t.Errorf("error_message = %q, want %q", job.ErrorMessage, "exit status 3")
	}
}

func TestPoolSpawnFailure(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{
		Command:    "echo unreachable",
		WorkingDir: "/nonexistent/schedarray/cwd",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateFailed)
	if job.ReturnCode == nil || *job.ReturnCode != -1 {
		t.Errorf("return_code = %v, want -1", job.ReturnCode)
	}
	if !strings.Contains(job.ErrorMessage, "spawn failed") {
		t.Errorf("error_message = %q, want a spawn failure", job.ErrorMessage)
	}
}

func TestPoolTimeout(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{
		Command:        "sleep 60",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job := waitForState(t, sched, id, scheduler.StateTimeout)
	if job.ReturnCode == nil || *job.ReturnCode != -1 {
		t.Errorf("return_code = %v, want -1", job.ReturnCode)
	}
	if job.ErrorMessage != "timed out after 1 seconds" {
		t.Errorf("error_message = %q", job.ErrorMessage)
	}
	if job.StartTime == nil || job.EndTime == nil {
		t.Fatal("timeout job missing start_time or end_time")
	}
	elapsed := job.EndTime.Sub(*job.StartTime)
	if elapsed < 900*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("timeout fired after %v, want about 1s plus grace", elapsed)
	}
}

func TestPoolCancelRunningJob(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "sleep 60"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Wait until the worker has recorded the child's pid.
	job := waitForJob(t, sched, id, func(j *scheduler.Job) bool {
		return j.State == scheduler.StateRunning && j.PID != nil
	})
	if *job.PID <= 0 {
		t.Errorf("pid = %d, want a live process id", *job.PID)
	}

	statuses := pool.Status()
	if len(statuses) != 1 || statuses[0].State != "running" || statuses[0].CurrentJob != id {
		t.Errorf("worker status = %+v, want one worker running job %s", statuses, id)
	}

	applied, err := sched.CancelJob(id)
	if err != nil || !applied {
		t.Fatalf("cancel failed: applied=%v err=%v", applied, err)
	}

	// The worker notices the mark on its next supervision tick, kills the
	// process group and writes end_time.
	job = waitForJob(t, sched, id, func(j *scheduler.Job) bool {
		return j.State == scheduler.StateCancelled && j.EndTime != nil
	})
	if job.ReturnCode != nil {
		t.Errorf("cancelled job carries return_code %v", job.ReturnCode)
	}
}

func TestPoolOrphanSweepOnStart(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)

	// A job claimed by a worker that no longer exists.
	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "sleep 60"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := sched.ClaimNext("worker_1_deadbeef"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	startPool(t, pool)

	job := waitForState(t, sched, id, scheduler.StateFailed)
	if job.ErrorMessage != scheduler.OrphanMessage {
		t.Errorf("error_message = %q, want %q", job.ErrorMessage, scheduler.OrphanMessage)
	}
	if job.ReturnCode == nil || *job.ReturnCode != -1 {
		t.Errorf("return_code = %v, want -1", job.ReturnCode)
	}
}

func TestPoolStopKillsRunningJobs(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "sleep 60"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForState(t, sched, id, scheduler.StateRunning)

	pool.Stop(false, 0)

	job, err := sched.GetJobStatus(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.State != scheduler.StateCancelled {
		t.Errorf("state after stop = %s, want cancelled", job.State)
	}
	if job.EndTime == nil {
		t.Error("killed job missing end_time")
	}
	if pool.Running() {
		t.Error("pool still reports running after stop")
	}
}

func TestPoolDrainStopWaitsForJobs(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)
	startPool(t, pool)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "sleep 1"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForState(t, sched, id, scheduler.StateRunning)

	pool.Stop(true, 10*time.Second)

	job, err := sched.GetJobStatus(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.State != scheduler.StateCompleted {
		t.Errorf("state after drain = %s, want completed", job.State)
	}
	if job.ReturnCode == nil || *job.ReturnCode != 0 {
		t.Errorf("return_code = %v, want 0", job.ReturnCode)
	}
}

func TestPoolSubmitWhileStopped(t *testing.T) {
	pool, sched, _ := newTestPool(t, 1)

	id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "echo deferred"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job, err := sched.GetJobStatus(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.State != scheduler.StatePending {
		t.Fatalf("state before pool start = %s, want pending", job.State)
	}

	startPool(t, pool)
	waitForState(t, sched, id, scheduler.StateCompleted)
}

func TestPoolStatusSlots(t *testing.T) {
	pool, _, _ := newTestPool(t, 3)
	startPool(t, pool)

	statuses := pool.Status()
	if len(statuses) != 3 {
		t.Fatalf("status reports %d workers, want 3", len(statuses))
	}
	seen := make(map[string]bool)
	for _, st := range statuses {
		if !strings.HasPrefix(st.WorkerID, "worker_") {
			t.Errorf("worker id %q lacks worker_ prefix", st.WorkerID)
		}
		if seen[st.WorkerID] {
			t.Errorf("duplicate worker id %q", st.WorkerID)
		}
		seen[st.WorkerID] = true
		if st.State != "idle" {
			t.Errorf("fresh worker %s state = %q, want idle", st.WorkerID, st.State)
		}
	}

	if err := pool.Start(context.Background()); err == nil {
		t.Error("second start did not fail")
	}
}

func TestPoolParallelJobs(t *testing.T) {
	pool, sched, _ := newTestPool(t, 2)
	startPool(t, pool)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := sched.SubmitJob(scheduler.SubmitRequest{Command: "echo n"})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		job := waitForState(t, sched, id, scheduler.StateCompleted)
		if job.ReturnCode == nil || *job.ReturnCode != 0 {
			t.Errorf("job %s return_code = %v, want 0", id, job.ReturnCode)
		}
	}

	counts, err := sched.CountByState()
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts[scheduler.StateCompleted] != 4 {
		t.Errorf("completed count = %d, want 4", counts[scheduler.StateCompleted])
	}
}
