package firecracker

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

// Spec is the normalized machine configuration the driver spawns from. Field
// names match the ones carried verbatim in the Firecracker REST bodies each
// named step below builds. BalloonMiB and MmdsData are optional: a zero
// value skips the corresponding step entirely.
type Spec struct {
	ID              string
	SocketPath      string
	VCPUCount       int
	MemSizeMiB      int
	KernelImagePath string
	BootArgs        string
	RootfsPath      string
	IfaceID         string
	HostDevName     string
	GuestMAC        string
	GuestCID        uint32
	VsockUDSPath    string
	BalloonMiB      int
	MmdsData        map[string]string
}

// Driver controls one Firecracker-class microVM over its UNIX-socket REST API.
type Driver struct {
	cfg  Config
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	client  *restclient.Client
	pid     *int
	running bool
}

// New builds a Driver for spec, not yet started.
func New(cfg Config, spec Spec) *Driver {
	return &Driver{
		cfg:    cfg,
		spec:   spec,
		client: restclient.New(spec.SocketPath, spec.ID),
	}
}

var _ runtimedriver.Driver = (*Driver)(nil)

// Start spawns the firecracker binary, waits for its control socket, and
// runs the full init sequence (machine-config -> boot-source -> drives ->
// network-interfaces -> vsock -> balloon -> mmds -> InstanceStart) as one
// call, for driver-level tests and any caller that wants the default
// sequence without composing a chain. internal/machine drives a microVM
// start through the same named steps individually via internal/handlerchain
// so CreateBootSource, AttachDrives, and friends can be inserted around,
// skipped, or reordered per machine.
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
		d.configMmdsLocked,
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

	bin := d.cfg.FirecrackerBin
	args := []string{"--api-sock", d.spec.SocketPath}
	cmd := exec.CommandContext(context.Background(), bin, args...)
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "spawn firecracker process", err)
	}
	d.cmd = cmd
	pid := cmd.Process.Pid
	d.pid = &pid

	deadline := time.Duration(d.cfg.ReadyDeadlineS) * time.Second
	interval := time.Duration(d.cfg.ReadyIntervalMS) * time.Millisecond
	if err := restclient.WaitReady(ctx, d.client, "/", interval, deadline); err != nil {
		d.killLocked()
		return apierr.Wrap(apierr.Timeout, "control socket never became ready", err)
	}
	return nil
}

// CreateMachine spawns the firecracker process, waits for its control socket,
// and issues PUT /machine-config. It combines process spawn with the first
// REST call since nothing can be configured before the process exists.
func (d *Driver) CreateMachine(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.spawnLocked(ctx); err != nil {
		return err
	}
	return d.createMachineLocked(ctx)
}

func (d *Driver) createMachineLocked(ctx context.Context) error {
	if err := d.client.Do(ctx, http.MethodPut, "/machine-config", map[string]any{
		"vcpu_count":   d.spec.VCPUCount,
		"mem_size_mib": d.spec.MemSizeMiB,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /machine-config", err)
	}
	return nil
}

// CreateBootSource issues PUT /boot-source with the kernel image and boot
// arguments.
func (d *Driver) CreateBootSource(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createBootSourceLocked(ctx)
}

func (d *Driver) createBootSourceLocked(ctx context.Context) error {
	if err := d.client.Do(ctx, http.MethodPut, "/boot-source", map[string]any{
		"kernel_image_path": d.spec.KernelImagePath,
		"boot_args":         d.spec.BootArgs,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /boot-source", err)
	}
	return nil
}

// AttachDrives issues PUT /drives/rootfs when a rootfs image is configured;
// a spec with no RootfsPath (e.g. a kernel with an initramfs baked in) skips
// it entirely.
func (d *Driver) AttachDrives(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attachDrivesLocked(ctx)
}

func (d *Driver) attachDrivesLocked(ctx context.Context) error {
	if d.spec.RootfsPath == "" {
		return nil
	}
	if err := d.client.Do(ctx, http.MethodPut, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   d.spec.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /drives/rootfs", err)
	}
	return nil
}

// CreateNetworkInterfaces issues PUT /network-interfaces/{id} when a tap
// device is configured.
func (d *Driver) CreateNetworkInterfaces(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createNetworkInterfacesLocked(ctx)
}

func (d *Driver) createNetworkInterfacesLocked(ctx context.Context) error {
	if d.spec.HostDevName == "" {
		return nil
	}
	if err := d.client.Do(ctx, http.MethodPut, "/network-interfaces/"+d.spec.IfaceID, map[string]any{
		"iface_id":      d.spec.IfaceID,
		"host_dev_name": d.spec.HostDevName,
		"guest_mac":     d.spec.GuestMAC,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /network-interfaces", err)
	}
	return nil
}

// AddVsock issues PUT /vsock when a guest CID is configured.
func (d *Driver) AddVsock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addVsockLocked(ctx)
}

func (d *Driver) addVsockLocked(ctx context.Context) error {
	if d.spec.GuestCID == 0 {
		return nil
	}
	if err := d.client.Do(ctx, http.MethodPut, "/vsock", map[string]any{
		"guest_cid": d.spec.GuestCID,
		"uds_path":  d.spec.VsockUDSPath,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /vsock", err)
	}
	return nil
}

// SetupBalloon issues PUT /balloon when a balloon target is configured,
// enabling the guest memory balloon device.
func (d *Driver) SetupBalloon(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setupBalloonLocked(ctx)
}

func (d *Driver) setupBalloonLocked(ctx context.Context) error {
	if d.spec.BalloonMiB == 0 {
		return nil
	}
	if err := d.client.Do(ctx, http.MethodPut, "/balloon", map[string]any{
		"amount_mib":             d.spec.BalloonMiB,
		"deflate_on_oom":         true,
		"stats_polling_interval_s": 0,
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /balloon", err)
	}
	return nil
}

// ConfigMmds issues PUT /mmds with the configured metadata when MmdsData is
// set, exposing it to the guest over the microVM metadata service.
func (d *Driver) ConfigMmds(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configMmdsLocked(ctx)
}

func (d *Driver) configMmdsLocked(ctx context.Context) error {
	if len(d.spec.MmdsData) == 0 {
		return nil
	}
	if err := d.client.Do(ctx, http.MethodPut, "/mmds", d.spec.MmdsData, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /mmds", err)
	}
	return nil
}

// StartVMM issues PUT /actions InstanceStart, the final step that boots the
// guest kernel.
func (d *Driver) StartVMM(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startVMMLocked(ctx)
}

func (d *Driver) startVMMLocked(ctx context.Context) error {
	if err := d.client.Do(ctx, http.MethodPut, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /actions InstanceStart", err)
	}
	d.running = true
	activeVMs.Inc()
	return nil
}

// Pause suspends the VM's vCPUs via PATCH /vm.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.client.Do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Paused"}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PATCH /vm Paused", err)
	}
	return nil
}

// Resume unsuspends a paused VM via PATCH /vm.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.client.Do(ctx, http.MethodPatch, "/vm", map[string]string{"state": "Resumed"}, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PATCH /vm Resumed", err)
	}
	return nil
}

// Shutdown requests a graceful power-button press and waits up to timeout
// for the process to exit.
func (d *Driver) Shutdown(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.client.Do(ctx, http.MethodPut, "/vm.power-button", nil, nil); err != nil {
		return apierr.Wrap(apierr.FirecrackerAPI, "PUT /vm.power-button", err)
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

// Stop force-kills the firecracker process.
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

// GetInfo reports the driver's cached view of the machine (running flag and
// pid); it makes no call to the control socket.
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

	resp, err := guestchannel.ExecRemote(ctx, conn, guestchannel.ExecRequest{
		Cmd:     cmd,
		Timeout: int(timeout.Seconds()),
	})
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

// CreateSnapshot triggers PUT /snapshot/create, exposed for operators but
// never called by the machine lifecycle itself.
func (d *Driver) CreateSnapshot(ctx context.Context, memFilePath, snapshotPath string) error {
	return d.client.Do(ctx, http.MethodPut, "/snapshot/create", map[string]string{
		"mem_file_path": memFilePath,
		"snapshot_path": snapshotPath,
	}, nil)
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
