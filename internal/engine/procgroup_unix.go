//go:build unix

package engine

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the whole process group started by cmd.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
