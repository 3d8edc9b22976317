package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
)

// Spec is the normalized machine configuration for a Docker-class container.
type Spec struct {
	ID           string
	Image        string
	Env          map[string]string
	ExposedPorts []int
	Ports        []model.PortMapping
	Cmd          []string
}

// inspectOutput mirrors the subset of `docker inspect` JSON this driver reads.
type inspectOutput struct {
	State struct {
		Running bool `json:"Running"`
		Pid     int  `json:"Pid"`
	} `json:"State"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
	} `json:"NetworkSettings"`
}

// Driver controls one Docker-class container via the docker CLI.
type Driver struct {
	cfg  Config
	spec Spec

	mu          sync.Mutex
	containerID string
	pid         *int
	running     bool
}

// New builds a Driver for spec, not yet started.
func New(cfg Config, spec Spec) *Driver {
	return &Driver{cfg: cfg, spec: spec}
}

var _ runtimedriver.Driver = (*Driver)(nil)

// Start pulls the image, creates the container, and starts it, then inspects
// it to learn its PID and network address. internal/machine drives the same
// three steps individually through internal/handlerchain as PullImage,
// CreateContainer, and StartContainer.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pullImageLocked(ctx); err != nil {
		return err
	}
	if err := d.createContainerLocked(ctx); err != nil {
		return err
	}
	return d.startContainerLocked(ctx)
}

// PullImage runs `docker pull` for the configured image.
func (d *Driver) PullImage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pullImageLocked(ctx)
}

func (d *Driver) pullImageLocked(ctx context.Context) error {
	if err := validateSpec(d.spec); err != nil {
		return err
	}
	if _, err := d.run(ctx, "pull", d.spec.Image); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker pull", err)
	}
	return nil
}

// CreateContainer runs `docker create` with the spec's env, ports, image,
// and command, recording the resulting container id.
func (d *Driver) CreateContainer(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createContainerLocked(ctx)
}

func (d *Driver) createContainerLocked(ctx context.Context) error {
	args := []string{"create", "--name", d.spec.ID}
	for k, v := range d.spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range d.spec.ExposedPorts {
		args = append(args, "--expose", strconv.Itoa(p))
	}
	for _, pm := range d.spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", pm.HostPort, pm.ContainerPort))
	}
	args = append(args, d.spec.Image)
	args = append(args, d.spec.Cmd...)

	out, err := d.run(ctx, args...)
	if err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker create", err)
	}
	d.containerID = firstLine(out)
	return nil
}

// StartContainer runs `docker start` against the created container, then
// inspects it to learn its PID and network address.
func (d *Driver) StartContainer(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startContainerLocked(ctx)
}

func (d *Driver) startContainerLocked(ctx context.Context) error {
	if _, err := d.run(ctx, "start", d.containerID); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker start", err)
	}

	info, err := d.inspectLocked(ctx)
	if err != nil {
		return err
	}
	d.pid = &info.State.Pid
	d.running = info.State.Running
	activeContainers.Inc()
	return nil
}

// Pause suspends the container's processes via `docker pause`.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.run(ctx, "pause", d.containerID); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker pause", err)
	}
	return nil
}

// Resume unsuspends the container via `docker unpause`.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.run(ctx, "unpause", d.containerID); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker unpause", err)
	}
	return nil
}

// Shutdown requests a graceful stop with the given timeout; docker sends
// SIGTERM and force-kills with SIGKILL itself once the timeout elapses.
func (d *Driver) Shutdown(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = DefaultStopTimeoutS
	}
	if _, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), d.containerID); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker stop", err)
	}
	d.markStoppedLocked()
	return nil
}

// Stop force-kills the container via `docker kill`.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.run(ctx, "kill", d.containerID); err != nil {
		return apierr.Wrap(apierr.DockerCLI, "docker kill", err)
	}
	d.markStoppedLocked()
	return nil
}

func (d *Driver) markStoppedLocked() {
	if d.running {
		activeContainers.Dec()
	}
	d.running = false
	d.pid = nil
}

// GetInfo reports the driver's last-known status and pid; it does not
// re-inspect the container.
func (d *Driver) GetInfo(ctx context.Context) (runtimedriver.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := "stopped"
	if d.running {
		status = "running"
	}
	return runtimedriver.Info{ID: d.spec.ID, Status: status, PID: d.pid}, nil
}

// Exec runs cmd inside the container via `docker exec`.
func (d *Driver) Exec(ctx context.Context, cmd []string, timeout time.Duration) (runtimedriver.ExecResult, error) {
	if len(cmd) == 0 {
		return runtimedriver.ExecResult{}, apierr.New(apierr.Validation, "cmd must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"exec", d.containerID}, cmd...)
	cmdExec := exec.CommandContext(ctx, d.cfg.DockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmdExec.Stdout = &stdout
	cmdExec.Stderr = &stderr

	err := cmdExec.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return runtimedriver.ExecResult{}, apierr.Wrap(apierr.DockerCLI, "docker exec", err)
		}
	}
	return runtimedriver.ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// GetPID returns the host pid of the container's init process, or nil.
func (d *Driver) GetPID() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// IsRunning reports the driver's last-known running state.
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Driver) inspectLocked(ctx context.Context) (*inspectOutput, error) {
	out, err := d.run(ctx, "inspect", d.containerID)
	if err != nil {
		return nil, apierr.Wrap(apierr.DockerCLI, "docker inspect", err)
	}
	var results []inspectOutput
	if err := json.Unmarshal(out, &results); err != nil || len(results) == 0 {
		return nil, apierr.Wrap(apierr.DockerCLI, "parse docker inspect output", err)
	}
	return &results[0], nil
}

// run invokes the docker CLI and returns stdout. A non-zero exit code is
// reported as a driver error carrying stderr.
func (d *Driver) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.cfg.DockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

func validateSpec(s Spec) error {
	if s.ID == "" {
		return apierr.New(apierr.Validation, "id is required")
	}
	if s.Image == "" {
		return apierr.New(apierr.Validation, "image is required")
	}
	return nil
}
