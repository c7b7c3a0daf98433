package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteJobStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "schedarray-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := OpenSQLiteJobStore(filepath.Join(tmpDir, "schedarray.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertPending(t *testing.T, store *SQLiteJobStore, name string, priority int) string {
	t.Helper()

	id, err := store.Insert(&Job{
		JobName:    name,
		Command:    "echo " + name,
		CPUs:       1,
		Priority:   priority,
		User:       "tester",
		SubmitTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to insert job %s: %v", name, err)
	}
	// Keep submit times strictly increasing at millisecond resolution.
	time.Sleep(2 * time.Millisecond)
	return id
}

func TestOpenSQLiteJobStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "schedarray-open-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Parent directories are created on demand.
	path := filepath.Join(tmpDir, "nested", "dir", "schedarray.db")
	store, err := OpenSQLiteJobStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}
	if err := store.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Reopening applies the schema idempotently.
	store, err = OpenSQLiteJobStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	store.Close()
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	submitted := time.Now().UTC()
	job := &Job{
		JobName:        "render",
		Command:        "render --frame 1",
		WorkingDir:     "/tmp/render",
		CPUs:           4,
		Memory:         "4G",
		TimeoutSeconds: 120,
		Priority:       7,
		User:           "alice",
		StdoutPath:     "/tmp/render.out",
		StderrPath:     "/tmp/render.err",
		SubmitTime:     submitted,
	}
	id, err := store.Insert(job)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id == "" {
		t.Fatal("insert returned empty id")
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("get returned nil for inserted job")
	}
	if got.JobName != job.JobName || got.Command != job.Command ||
		got.WorkingDir != job.WorkingDir || got.CPUs != job.CPUs ||
		got.Memory != job.Memory || got.TimeoutSeconds != job.TimeoutSeconds ||
		got.Priority != job.Priority || got.User != job.User ||
		got.StdoutPath != job.StdoutPath || got.StderrPath != job.StderrPath {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.ReturnCode != nil || got.PID != nil || got.WorkerID != "" {
		t.Errorf("fresh job carries execution fields: %+v", got)
	}
	if got.StartTime != nil || got.EndTime != nil {
		t.Error("fresh job has start or end time")
	}
	if got.SubmitTime.Sub(submitted) > time.Millisecond || submitted.Sub(got.SubmitTime) > time.Millisecond {
		t.Errorf("submit_time drifted: stored %v, want %v", got.SubmitTime, submitted)
	}
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)

	var prev int64
	for i := 0; i < 5; i++ {
		id := insertPending(t, store, "seq", 0)
		n, ok := parseJobID(id)
		if !ok {
			t.Fatalf("id %q is not numeric", id)
		}
		if n <= prev {
			t.Errorf("ids not increasing: %d then %d", prev, n)
		}
		prev = n
	}
}

func TestGetUnknown(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"999", "not-a-number", ""} {
		job, err := store.Get(id)
		if err != nil {
			t.Errorf("get %q returned error: %v", id, err)
		}
		if job != nil {
			t.Errorf("get %q returned a job", id)
		}
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	store := newTestStore(t)

	job, err := store.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job != nil {
		t.Errorf("claim on empty queue returned job %s", job.JobID)
	}
}

func TestClaimOrdering(t *testing.T) {
	store := newTestStore(t)

	idA := insertPending(t, store, "a", 1)
	idB := insertPending(t, store, "b", 5)
	idC := insertPending(t, store, "c", 5)

	want := []string{idB, idC, idA}
	for i, wantID := range want {
		job, err := store.Claim("worker-1")
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if job == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if job.JobID != wantID {
			t.Errorf("claim %d = job %s, want %s", i, job.JobID, wantID)
		}
	}
}

func TestClaimSetsLease(t *testing.T) {
	store := newTestStore(t)
	insertPending(t, store, "leased", 0)

	job, err := store.Claim("worker-42")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil {
		t.Fatal("claim returned nil")
	}
	if job.State != StateRunning {
		t.Errorf("state = %s, want running", job.State)
	}
	if job.WorkerID != "worker-42" {
		t.Errorf("worker_id = %q, want worker-42", job.WorkerID)
	}
	if job.StartTime == nil {
		t.Fatal("start_time not set")
	}
	if job.StartTime.Before(job.SubmitTime) {
		t.Errorf("start_time %v before submit_time %v", job.StartTime, job.SubmitTime)
	}
}

func TestClaimConcurrent(t *testing.T) {
	store := newTestStore(t)

	const pending = 4
	const claimers = 8
	for i := 0; i < pending; i++ {
		insertPending(t, store, "race", 0)
	}

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := store.Claim(fmt.Sprintf("worker-%d", n))
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				claimed = append(claimed, job.JobID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(claimed) != pending {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), pending)
	}
	seen := make(map[string]bool)
	for _, id := range claimed {
		if seen[id] {
			t.Errorf("job %s claimed twice", id)
		}
		seen[id] = true
	}
}

func TestFinishGuards(t *testing.T) {
	store := newTestStore(t)
	id := insertPending(t, store, "finish", 0)

	// Pending rows cannot finish.
	applied, err := store.Finish(id, StateCompleted, 0, "")
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if applied {
		t.Error("finish applied to a pending job")
	}

	if _, err := store.Claim("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	applied, err = store.Finish(id, StateCompleted, 0, "")
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if !applied {
		t.Fatal("finish did not apply to a running job")
	}

	job, err := store.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.State != StateCompleted {
		t.Errorf("state = %s, want completed", job.State)
	}
	if job.ReturnCode == nil || *job.ReturnCode != 0 {
		t.Errorf("return_code = %v, want 0", job.ReturnCode)
	}
	if job.EndTime == nil {
		t.Error("end_time not set")
	}
	if job.WorkerID != "" || job.PID != nil {
		t.Error("lease fields survive terminal transition")
	}

	// Terminal rows never finish again.
	applied, err = store.Finish(id, StateFailed, 1, "late")
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if applied {
		t.Error("finish applied twice")
	}
}

func TestRecordSpawn(t *testing.T) {
	store := newTestStore(t)
	id := insertPending(t, store, "spawn", 0)

	applied, err := store.RecordSpawn(id, 1234, "/logs/1.out", "/logs/1.err")
	if err != nil {
		t.Fatalf("record spawn failed: %v", err)
	}
	if applied {
		t.Error("record spawn applied to a pending job")
	}

	if _, err := store.Claim("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	applied, err = store.RecordSpawn(id, 1234, "/logs/1.out", "/logs/1.err")
	if err != nil {
		t.Fatalf("record spawn failed: %v", err)
	}
	if !applied {
		t.Fatal("record spawn did not apply to a running job")
	}

	job, _ := store.Get(id)
	if job.PID == nil || *job.PID != 1234 {
		t.Errorf("pid = %v, want 1234", job.PID)
	}
	if job.StdoutPath != "/logs/1.out" || job.StderrPath != "/logs/1.err" {
		t.Errorf("stream paths not recorded: %q %q", job.StdoutPath, job.StderrPath)
	}
}

func TestCancelFlows(t *testing.T) {
	store := newTestStore(t)

	t.Run("pending", func(t *testing.T) {
		id := insertPending(t, store, "cp", 0)
		applied, err := store.CancelPending(id)
		if err != nil {
			t.Fatalf("cancel pending failed: %v", err)
		}
		if !applied {
			t.Fatal("cancel pending did not apply")
		}
		job, _ := store.Get(id)
		if job.State != StateCancelled {
			t.Errorf("state = %s, want cancelled", job.State)
		}
		if job.EndTime == nil {
			t.Error("end_time not set on pending cancel")
		}
		if job.StartTime != nil || job.ReturnCode != nil {
			t.Error("pending cancel set start_time or return_code")
		}
	})

	t.Run("running mark then confirm", func(t *testing.T) {
		id := insertPending(t, store, "cr", 0)
		if _, err := store.Claim("worker-1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		applied, err := store.MarkCancelRunning(id)
		if err != nil {
			t.Fatalf("mark cancel failed: %v", err)
		}
		if !applied {
			t.Fatal("mark cancel did not apply")
		}
		job, _ := store.Get(id)
		if job.State != StateCancelled {
			t.Errorf("state = %s, want cancelled", job.State)
		}
		if job.EndTime != nil {
			t.Error("end_time set before worker confirmation")
		}
		if job.WorkerID != "" || job.PID != nil {
			t.Error("lease fields survive cancel mark")
		}

		applied, err = store.ConfirmCancel(id)
		if err != nil {
			t.Fatalf("confirm cancel failed: %v", err)
		}
		if !applied {
			t.Fatal("confirm cancel did not apply")
		}
		job, _ = store.Get(id)
		if job.EndTime == nil {
			t.Error("end_time not set after confirmation")
		}

		// Confirming twice is a no-op.
		applied, err = store.ConfirmCancel(id)
		if err != nil {
			t.Fatalf("confirm cancel failed: %v", err)
		}
		if applied {
			t.Error("confirm cancel applied twice")
		}
	})

	t.Run("one-step running cancel", func(t *testing.T) {
		id := insertPending(t, store, "cs", 0)
		if _, err := store.Claim("worker-1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		applied, err := store.CancelRunning(id)
		if err != nil {
			t.Fatalf("cancel running failed: %v", err)
		}
		if !applied {
			t.Fatal("cancel running did not apply")
		}
		job, _ := store.Get(id)
		if job.State != StateCancelled || job.EndTime == nil {
			t.Errorf("state = %s end_time = %v, want cancelled with end_time", job.State, job.EndTime)
		}
	})
}

func TestFailOrphans(t *testing.T) {
	store := newTestStore(t)

	insertPending(t, store, "stays", 0)
	idX := insertPending(t, store, "x", 5)
	idY := insertPending(t, store, "y", 5)
	if _, err := store.Claim("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Claim("worker-2"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	n, err := store.FailOrphans(OrphanMessage)
	if err != nil {
		t.Fatalf("fail orphans failed: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d rows, want 2", n)
	}

	for _, id := range []string{idX, idY} {
		job, _ := store.Get(id)
		if job.State != StateFailed {
			t.Errorf("job %s state = %s, want failed", id, job.State)
		}
		if job.ErrorMessage != OrphanMessage {
			t.Errorf("job %s error_message = %q", id, job.ErrorMessage)
		}
		if job.ReturnCode == nil || *job.ReturnCode != -1 {
			t.Errorf("job %s return_code = %v, want -1", id, job.ReturnCode)
		}
		if job.WorkerID != "" || job.PID != nil {
			t.Errorf("job %s keeps lease fields after sweep", id)
		}
	}

	counts, err := store.CountByState()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[StateRunning] != 0 || counts[StateFailed] != 2 || counts[StatePending] != 1 {
		t.Errorf("counts after sweep = %v", counts)
	}
}

func TestDeleteGuards(t *testing.T) {
	store := newTestStore(t)

	idPending := insertPending(t, store, "keep", 0)
	applied, err := store.Delete(idPending)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if applied {
		t.Error("delete removed a pending job")
	}

	idDone := insertPending(t, store, "done", 9)
	if _, err := store.Claim("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Finish(idDone, StateCompleted, 0, ""); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	applied, err = store.Delete(idDone)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !applied {
		t.Error("delete refused a completed job")
	}
	if job, _ := store.Get(idDone); job != nil {
		t.Error("deleted job still readable")
	}
}

func TestDeleteOlder(t *testing.T) {
	store := newTestStore(t)

	finish := func(name string, endedAgo time.Duration) string {
		t.Helper()
		id := insertPending(t, store, name, 100)
		if _, err := store.Claim("worker-1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if _, err := store.Finish(id, StateCompleted, 0, ""); err != nil {
			t.Fatalf("finish failed: %v", err)
		}
		if endedAgo > 0 {
			_, err := store.db.Exec("UPDATE job_queue SET end_time = ? WHERE job_id = ?",
				formatTime(time.Now().Add(-endedAgo)), id)
			if err != nil {
				t.Fatalf("backdate failed: %v", err)
			}
		}
		return id
	}

	oldID := finish("old", 72*time.Hour)
	newID := finish("new", 0)
	keepID := insertPending(t, store, "pending", 0)

	cutoff := time.Now().Add(-24 * time.Hour)
	n, err := store.DeleteOlder([]JobState{StateCompleted}, &cutoff)
	if err != nil {
		t.Fatalf("delete older failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if job, _ := store.Get(oldID); job != nil {
		t.Error("old job survived cleanup")
	}
	if job, _ := store.Get(newID); job == nil {
		t.Error("recent job deleted by cleanup")
	}
	if job, _ := store.Get(keepID); job == nil {
		t.Error("pending job deleted by cleanup")
	}

	// Without a cutoff every matching state goes.
	n, err = store.DeleteOlder([]JobState{StateCompleted}, nil)
	if err != nil {
		t.Fatalf("delete older failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)

	first := insertPending(t, store, "first", 0)
	second := insertPending(t, store, "second", 0)
	if _, err := store.db.Exec("UPDATE job_queue SET user = 'bob' WHERE job_id = ?", second); err != nil {
		t.Fatalf("retag failed: %v", err)
	}

	jobs, err := store.List(ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(jobs))
	}
	if jobs[0].JobID != second || jobs[1].JobID != first {
		t.Errorf("list order = [%s %s], want newest first", jobs[0].JobID, jobs[1].JobID)
	}

	jobs, err = store.List(ListFilter{User: "bob"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != second {
		t.Errorf("user filter returned %d jobs", len(jobs))
	}

	jobs, err = store.List(ListFilter{State: StatePending, Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("limit returned %d jobs, want 1", len(jobs))
	}
}

func TestCountByStateZeroFill(t *testing.T) {
	store := newTestStore(t)

	counts, err := store.CountByState()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if len(counts) != len(AllStates) {
		t.Errorf("count map has %d entries, want %d", len(counts), len(AllStates))
	}
	for _, st := range AllStates {
		if counts[st] != 0 {
			t.Errorf("empty store counts %s = %d", st, counts[st])
		}
	}

	insertPending(t, store, "one", 0)
	insertPending(t, store, "two", 0)
	counts, err = store.CountByState()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[StatePending] != 2 {
		t.Errorf("pending count = %d, want 2", counts[StatePending])
	}
}
