//go:build windows

// Package service – pidfile_windows.go approximates the pid lock without
// flock: liveness comes from checking the recorded pid. Weaker than the
// POSIX version; a duplicate service started from the same process is not
// detected.
package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

func lockFile(f *os.File) error {
	var rec PIDRecord
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return nil
	}
	if rec.PID != 0 && rec.PID != os.Getpid() && processAlive(rec.PID) {
		return fmt.Errorf("pid %d is still running", rec.PID)
	}
	return nil
}

func unlockFile(f *os.File) error { return nil }

func lockHeld(path string) bool {
	rec, err := ReadPIDRecord(path)
	if err != nil || rec == nil {
		return false
	}
	return processAlive(rec.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer p.Release()
	return true
}

func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.Kill()
}
