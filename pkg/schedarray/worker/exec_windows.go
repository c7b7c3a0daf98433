//go:build windows

// Package worker – exec_windows.go spawns job commands through cmd.exe.
// Windows has no POSIX process groups, so kills hit the shell process
// only; grandchildren spawned by the command may outlive it.
package worker

import (
	"os/exec"
)

func newShellCommand(command, dir string) *exec.Cmd {
	cmd := exec.Command("cmd", "/C", command)
	cmd.Dir = dir
	return cmd
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func forceKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func exitStatus(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
