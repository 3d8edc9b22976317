package cloudhypervisor

import (
	"context"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
	"github.com/hyperfleet-run/hyperfleet/internal/restclient"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
)

// Spec is the normalized machine configuration for a Cloud-Hypervisor VM.
// BalloonMiB is optional; a zero value skips the balloon device entirely.
type Spec struct {
	ID              string
	SocketPath      string
	VCPUCount       int
	MemSizeMiB      int
	KernelImagePath string
	BootArgs        string
	RootfsPath      string
	HostDevName     string
	GuestMAC        string
	GuestCID        uint32
	VsockUDSPath    string
	BalloonMiB      int
}

// DefaultVsockPort is the port the guest agent listens on inside the microVM.
const DefaultVsockPort uint32 = 1024

// Driver controls one Cloud-Hypervisor-class microVM over its UNIX-socket
// REST API.
type Driver struct {
	cfg  Config
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *restclient.Client
	pid     *int
	running bool

	// pending accumulates the single /vm.create body across the named setup
	// steps, since Cloud-Hypervisor's API takes the whole machine description
	// in one call rather than Firecracker's per-resource PUTs.
	pending map[string]any
}

// New builds a Driver for spec, not yet started.
func New(cfg Config, spec Spec) *Driver {
	return &Driver{cfg: cfg, spec: spec, client: restclient.New(spec.SocketPath, spec.ID)}
}

var _ runtimedriver.Driver = (*Driver)(nil)

// Start spawns cloud-hypervisor, waits for its API socket, then runs the
// full named setup sequence ending in a single /vm.create followed by
// /vm.boot. internal/machine drives the same named steps individually
// through internal/handlerchain so they compose with the Firecracker-class
// chain under one set of step names even though Cloud-Hypervisor's richer
// single-call device model only issues REST calls (/vm.create and /vm.boot)
// in the final step, StartVMM.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.spawnLocked(ctx); err != nil {
		return err
	}
	steps := []func(context.Context) error{
		d.createMachineLocked,
		d.createBootSourceLocked,
		d.attachDrivesLocked,
		d.createNetworkInterfacesLocked,
		d.addVsockLocked,
		d.setupBalloonLocked,
		d.startVMMLocked,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			d.killLocked()
			return err
		}
	}
	return nil
}

func (d *Driver) spawnLocked(ctx context.Context) error {
	if err := validateSpec(d.spec); err != nil {
		return err
	}

	cmd := exec.CommandContext(context.Background(), d.cfg.CloudHypervisorBin,
		"--api-socket", d.spec.SocketPath)
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "spawn cloud-hypervisor process", err)
	}
	d.cmd = cmd
	pid := cmd.Process.Pid
	d.pid = &pid
	d.pending = map[string]any{}

	deadline := time.Duration(d.cfg.ReadyDeadlineS) * time.Second
	interval := time.Duration(d.cfg.ReadyIntervalMS) * time.Millisecond
	if err := restclient.WaitReady(ctx, d.client, "/vmm.ping", interval, deadline); err != nil {
		d.killLocked()
		return apierr.Wrap(apierr.Timeout, "api socket never became ready", err)
	}
	return nil
}

// CreateMachine spawns the cloud-hypervisor process, waits for its API
// socket, and seeds the pending /vm.create body with cpu/memory/kernel.
func (d *Driver) CreateMachine(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.spawnLocked(ctx); err != nil {
		return err
	}
	return d.createMachineLocked(ctx)
}

func (d *Driver) createMachineLocked(ctx context.Context) error {
	d.pending["cpus"] = map[string]int{"boot_vcpus": d.spec.VCPUCount, "max_vcpus": d.spec.VCPUCount}
	d.pending["memory"] = map[string]int{"size": d.spec.MemSizeMiB * 1024 * 1024}
	d.pending["kernel"] = map[string]string{"path": d.spec.KernelImagePath}
	return nil
}

// CreateBootSource adds the guest boot arguments to the pending /vm.create body.
func (d *Driver) CreateBootSource(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createBootSourceLocked(ctx)
}

func (d *Driver) createBootSourceLocked(ctx context.Context) error {
	d.pending["cmdline"] = map[string]string{"args": d.spec.BootArgs}
	return nil
}

// AttachDrives adds the rootfs disk to the pending /vm.create body, if one
// is configured.
func (d *Driver) AttachDrives(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attachDrivesLocked(ctx)
}

func (d *Driver) attachDrivesLocked(ctx context.Context) error {
	if d.spec.RootfsPath == "" {
		return nil
	}
	d.pending["disks"] = []map[string]string{{"path": d.spec.RootfsPath}}
	return nil
}

// CreateNetworkInterfaces adds the tap device to the pending /vm.create
// body, if one is configured.
func (d *Driver) CreateNetworkInterfaces(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createNetworkInterfacesLocked(ctx)
}

func (d *Driver) createNetworkInterfacesLocked(ctx context.Context) error {
	if d.spec.HostDevName == "" {
		return nil
	}
	d.pending["net"] = []map[string]string{{"tap": d.spec.HostDevName, "mac": d.spec.GuestMAC}}
	return nil
}

// AddVsock adds the guest vsock device to the pending /vm.create body, if a
// guest CID is configured.
func (d *Driver) AddVsock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addVsockLocked(ctx)
}

func (d *Driver) addVsockLocked(ctx context.Context) error {
	if d.spec.GuestCID == 0 {
		return nil
	}
	d.pending["vsock"] = map[string]any{"cid": d.spec.GuestCID, "socket": d.spec.VsockUDSPath}
	return nil
}

// SetupBalloon adds a memory balloon device to the pending /vm.create body,
// if a balloon target is configured.
func (d *Driver) SetupBalloon(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setupBalloonLocked(ctx)
}

func (d *Driver) setupBalloonLocked(ctx context.Context) error {
	if d.spec.BalloonMiB == 0 {
		return nil
	}
	d.pending["balloon"] = map[string]any{"size": d.spec.BalloonMiB * 1024 * 1024, "deflate_on_oom": true}
	return nil
}

// StartVMM issues the accumulated /vm.create followed by /vm.boot, the two
// real REST calls behind every step above.
func (d *Driver) StartVMM(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startVMMLocked(ctx)
}

func (d *Driver) startVMMLocked(ctx context.Context) error {
	if err := d.client.Do(ctx, http.MethodPut, "/vm.create", d.pending, nil); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "PUT /vm.create", err)
	}
	if err := d.client.Do(ctx, http.MethodPut, "/vm.boot", nil, nil); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "PUT /vm.boot", err)
	}
	activeVMs.Inc()
	d.running = true
	return nil
}

// Pause suspends the VM via /vm.pause.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.client.Do(ctx, http.MethodPut, "/vm.pause", nil, nil); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "PUT /vm.pause", err)
	}
	return nil
}

// Resume unsuspends the VM via /vm.resume.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.client.Do(ctx, http.MethodPut, "/vm.resume", nil, nil); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "PUT /vm.resume", err)
	}
	return nil
}

// Shutdown requests a graceful /vm.shutdown and waits up to timeout for the
// process to exit.
func (d *Driver) Shutdown(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.client.Do(ctx, http.MethodPut, "/vm.shutdown", nil, nil); err != nil {
		return apierr.Wrap(apierr.CloudHypervisorAPI, "PUT /vm.shutdown", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()

	select {
	case <-done:
		d.markStoppedLocked()
		return nil
	case <-time.After(timeout):
		return apierr.New(apierr.Timeout, "graceful shutdown timed out")
	}
}

// Stop force-kills the cloud-hypervisor process.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killLocked()
	return nil
}

func (d *Driver) killLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
	}
	d.markStoppedLocked()
}

func (d *Driver) markStoppedLocked() {
	if d.running {
		activeVMs.Dec()
	}
	d.running = false
	d.pid = nil
}

// GetInfo reports the driver's current view of the machine.
func (d *Driver) GetInfo(ctx context.Context) (runtimedriver.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := "stopped"
	if d.running {
		status = "running"
	}
	return runtimedriver.Info{ID: d.spec.ID, Status: status, PID: d.pid}, nil
}

// Exec runs cmd inside the guest over the vsock channel.
func (d *Driver) Exec(ctx context.Context, cmd []string, timeout time.Duration) (runtimedriver.ExecResult, error) {
	if d.spec.VsockUDSPath == "" {
		return runtimedriver.ExecResult{}, apierr.New(apierr.Validation, "machine has no vsock channel configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := guestchannel.Dial(ctx, d.spec.VsockUDSPath, DefaultVsockPort)
	if err != nil {
		return runtimedriver.ExecResult{}, err
	}
	resp, err := guestchannel.ExecRemote(ctx, conn, guestchannel.ExecRequest{Cmd: cmd, Timeout: int(timeout.Seconds())})
	if err != nil {
		return runtimedriver.ExecResult{}, err
	}
	return runtimedriver.ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

// GetPID returns the host pid, or nil if not running.
func (d *Driver) GetPID() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// IsRunning reports whether the driver believes its process is alive.
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func validateSpec(s Spec) error {
	if s.VCPUCount < 1 {
		return apierr.New(apierr.Validation, "vcpu_count must be >= 1")
	}
	if s.MemSizeMiB < 4 {
		return apierr.New(apierr.Validation, "mem_size_mib must be >= 4")
	}
	if s.SocketPath == "" {
		return apierr.New(apierr.Validation, "socket_path is required")
	}
	return nil
}
