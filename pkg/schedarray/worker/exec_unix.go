//go:build !windows

// Package worker – exec_unix.go spawns job commands through /bin/sh in
// their own process group, so termination signals reach every descendant
// of the job and not just the shell.
package worker

import (
	"os/exec"
	"syscall"
)

// newShellCommand builds the subprocess for a job command. The command
// string goes through the system shell so pipes, redirects and quoting
// behave the way they do at an interactive prompt.
func newShellCommand(command, dir string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// terminate asks the job's process group to exit.
func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

// forceKill takes the job's process group down outright.
func forceKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// exitStatus maps a reaped child to its recorded return code. A child
// killed by a signal reports the negated signal number, the same
// convention POSIX job schedulers use.
func exitStatus(cmd *exec.Cmd) int {
	state := cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
