package guestagent

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount performed when running as PID 1.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc", flags: 0},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: 0},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: 0},
}

// SetupInit mounts the filesystems a bare microVM kernel does not mount on
// its own and sets a minimal environment. A no-op outside of PID 1, so it is
// safe to call unconditionally from the agent's entrypoint.
func SetupInit(log *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	log.Info("running as pid 1, mounting essential filesystems")
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Warn("mkdir", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			log.Warn("mount", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
