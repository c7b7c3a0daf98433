// Package service – pidfile.go implements the single-instance guard: a
// pid file next to the database holding a small JSON record under an
// exclusive advisory lock. The lock dies with its process, so a file left
// behind by a crash is reclaimable without any cleanup step.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PIDRecord is the JSON document stored in the pid file.
type PIDRecord struct {
	// PID is the service process id.
	PID int `json:"pid"`

	// MaxWorkers is the pool size the service was started with.
	MaxWorkers int `json:"max_workers"`

	// StartedAt is when the service came up, UTC.
	StartedAt time.Time `json:"started_at"`
}

// PIDLock is a held pid file. Exactly one live process can hold the lock
// for a given path.
type PIDLock struct {
	path string
	file *os.File
}

// PIDFilePath is the pid file for a database: schedarray.pid in the
// database's directory.
func PIDFilePath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "schedarray.pid")
}

// AcquirePIDLock creates or reopens the pid file, takes the exclusive
// lock and writes rec. It fails when a live process already holds the
// lock; a stale file whose owner died is silently reclaimed.
func AcquirePIDLock(path string, rec PIDRecord) (*PIDLock, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pid file directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file %q: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("pid file %q held by a running service: %w", path, err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("encode pid record: %w", err)
	}
	data = append(data, '\n')

	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write pid file %q: %w", path, err)
	}

	return &PIDLock{path: path, file: f}, nil
}

// Release removes the pid file and drops the lock.
func (l *PIDLock) Release() error {
	removeErr := os.Remove(l.path)
	unlockFile(l.file)
	closeErr := l.file.Close()
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("remove pid file %q: %w", l.path, removeErr)
	}
	return closeErr
}

// ReadPIDRecord reads the pid file at path. A missing file is not an
// error; it returns nil.
func ReadPIDRecord(path string) (*PIDRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rec PIDRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse pid file %q: %w", path, err)
	}
	return &rec, nil
}

// LockHeld reports whether a live process currently holds the lock on
// the pid file at path.
func LockHeld(path string) bool {
	return lockHeld(path)
}
