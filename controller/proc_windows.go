//go:build windows

package controller

import "os/exec"

func defaultShell() (string, string) { return "cmd.exe", "/C" }

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
