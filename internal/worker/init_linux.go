//go:build linux

package worker

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// workerPath is the PATH given to scripts when the worker boots a VM.
const workerPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// SetupInit prepares a minimal environment when the worker runs as PID 1,
// e.g. as the init process of a microVM reached over vsock. It reports
// whether init mode was entered.
func SetupInit(logger *slog.Logger) bool {
	if os.Getpid() != 1 {
		return false
	}

	logger.Info("running as PID 1, mounting essential filesystems")
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("create mount point", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount filesystem", "target", m.target, "error", err)
		}
	}

	if os.Getenv("HOME") == "" {
		os.Setenv("HOME", "/root")
	}
	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", workerPath)
	}
	return true
}
