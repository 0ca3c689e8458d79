//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the child in its own process group so that
// cancellation kills any grandchildren too.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
