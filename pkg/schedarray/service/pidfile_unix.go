//go:build !windows

// Package service – pidfile_unix.go backs the pid lock with flock(2).
// The kernel releases the lock when the holding process exits, however it
// exits, which is what makes stale-file reclaim safe.
package service

import (
	"os"
	"syscall"
)

func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// lockHeld probes the lock with a non-blocking try: a denied flock means
// a live holder exists.
func lockHeld(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return true
	}
	unlockFile(f)
	return false
}

// processAlive reports whether pid names a live process we could signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// signalStop asks pid to shut down gracefully.
func signalStop(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
