//go:build !unix

package subprocess

import (
	"os/exec"
	"time"
)

// configureProcess kills only the direct child on platforms without process
// groups.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		killsTotal.Inc()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = grace
}
