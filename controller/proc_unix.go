//go:build !windows

package controller

import (
	"os/exec"
	"syscall"
)

// defaultShell returns the shell and its "run this string" flag.
func defaultShell() (string, string) { return "/bin/sh", "-c" }

// setProcessGroup puts the command in its own process group so a
// timeout kills the shell and everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup kills the command's process group, falling back to
// the process alone when it does not lead a group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
