// Package runtimedriver defines the uniform contract all backend runtimes
// (Firecracker-class and Cloud-Hypervisor-class hypervisors, Docker-class
// containers) implement, and hosts each concrete driver in a subpackage.
package runtimedriver

import (
	"context"
	"time"
)

// Info is a driver's point-in-time report of its machine.
type Info struct {
	ID     string
	Status string
	PID    *int
}

// ExecResult is the outcome of a driver-level exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the uniform contract every runtime driver implements, whether it
// spawns a hypervisor process behind a UNIX-socket REST API or shells out to
// a container CLI.
type Driver interface {
	// Start spawns the subprocess/container and brings the machine to a
	// running state, including any network interface attachment.
	Start(ctx context.Context) error

	// Pause suspends the running machine's vCPUs/process.
	Pause(ctx context.Context) error
	// Resume unsuspends a paused machine.
	Resume(ctx context.Context) error

	// Shutdown requests a graceful stop, waiting up to timeout before the
	// caller should fall back to Stop.
	Shutdown(ctx context.Context, timeout time.Duration) error
	// Stop forcibly terminates the machine's process/container.
	Stop(ctx context.Context) error

	// GetInfo reports the driver's current view of the machine.
	GetInfo(ctx context.Context) (Info, error)
	// Exec runs cmd inside the machine and returns its result. Hypervisor
	// drivers route this over the vsock guest channel; the Docker driver
	// shells out to "docker exec".
	Exec(ctx context.Context, cmd []string, timeout time.Duration) (ExecResult, error)

	// GetPID returns the host-visible process id, or nil if not running.
	GetPID() *int
	// IsRunning reports whether the driver believes its machine is alive.
	IsRunning() bool
}
