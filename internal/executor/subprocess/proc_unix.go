//go:build unix

package subprocess

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess starts the child in its own process group. Cancellation
// sends SIGTERM to the group and SIGKILL once grace has elapsed.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		err := syscall.Kill(-pid, syscall.SIGTERM)
		time.AfterFunc(grace, func() {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
		killsTotal.Inc()
		return err
	}
	cmd.WaitDelay = grace
}
