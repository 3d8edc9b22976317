package machine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/guestchannel"
	"github.com/hyperfleet-run/hyperfleet/internal/hostnet"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/registry"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/cloudhypervisor"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/docker"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/firecracker"
	"github.com/hyperfleet-run/hyperfleet/internal/store"
)

// DefaultShutdownTimeout bounds how long stop() waits for a graceful
// shutdown before force-killing.
const DefaultShutdownTimeout = 10 * time.Second

// DefaultFileMaxBytes is the default ceiling enforced on file operations.
const DefaultFileMaxBytes = 100 * 1024 * 1024

// Service is the machine lifecycle controller (C11): it persists records,
// drives the runtime/network/vsock layers by id, and exposes
// create/list/get/delete/start/stop/restart/exec/file operations.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	netManager *hostnet.Manager
	log        *slog.Logger

	runDir       string
	fcConfig     firecracker.Config
	chConfig     cloudhypervisor.Config
	dockerConfig docker.Config

	fileMaxBytes int64
}

// Config bundles a Service's collaborators and per-host settings.
type Config struct {
	Store        store.Store
	Registry     *registry.Registry
	NetManager   *hostnet.Manager // nil disables networked machines
	Logger       *slog.Logger
	RunDir       string // directory API sockets are created under
	FileMaxBytes int64
}

// New builds a Service from cfg, loading each runtime driver's own
// environment-sourced configuration.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunDir == "" {
		cfg.RunDir = "/var/run/hyperfleet"
	}
	if cfg.FileMaxBytes == 0 {
		cfg.FileMaxBytes = DefaultFileMaxBytes
	}
	return &Service{
		store:        cfg.Store,
		registry:     cfg.Registry,
		netManager:   cfg.NetManager,
		log:          cfg.Logger,
		runDir:       cfg.RunDir,
		fcConfig:     firecracker.LoadConfig(),
		chConfig:     cloudhypervisor.LoadConfig(),
		dockerConfig: docker.LoadConfig(),
		fileMaxBytes: cfg.FileMaxBytes,
	}
}

// Create validates spec, assigns a socket path for hypervisor runtimes, and
// inserts a pending record. No process is spawned.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (*model.Machine, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	configJSON, err := spec.encode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &model.Machine{
		ID:           model.NewID(),
		Name:         spec.Name,
		Status:       model.StatusPending,
		RuntimeType:  spec.RuntimeType,
		VCPUCount:    spec.VCPUCount,
		MemSizeMiB:   spec.MemSizeMiB,
		KernelImage:  spec.KernelImagePath,
		RootfsPath:   spec.RootfsPath,
		Image:        spec.Image,
		ExposedPorts: spec.ExposedPorts,
		ConfigJSON:   configJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if spec.RuntimeType != model.RuntimeDocker {
		m.SocketPath = filepath.Join(s.runDir, m.ID+".sock")
	}

	if err := s.store.CreateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist machine", err)
	}
	return m, nil
}

// List returns machines ordered by creation time descending.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*model.Machine, int, error) {
	return s.store.ListMachines(ctx, limit, offset)
}

// Get returns a single machine by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return m, nil
}

// Delete removes a machine record, first stopping its runtime if it is
// running or starting. Delete proceeds regardless of the stop outcome.
func (s *Service) Delete(ctx context.Context, id string) error {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if m.Status == model.StatusRunning || m.Status == model.StatusStarting {
		_ = s.Stop(ctx, id)
	}
	if err := s.store.DeleteMachine(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Start runs the validation and init handler chains for id's runtime type.
// On success the record transitions to running with a pid and registered
// handle; on failure it transitions to failed with a diagnostic message and
// releases any resources acquired during the attempt.
func (s *Service) Start(ctx context.Context, id string) (*model.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if m.Status == model.StatusRunning {
		return m, nil // tie-break: start from running is a no-op
	}
	if !model.ValidTransition(m.Status, model.StatusStarting) {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("cannot start machine in status %q", m.Status))
	}

	spec, err := decodeSpec(m.ConfigJSON)
	if err != nil {
		return nil, err
	}

	m.Status = model.StatusStarting
	if err := s.store.UpdateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist starting status", err)
	}

	sc := &startContext{machine: m, spec: spec}
	chain := s.buildStartChain(spec)
	if failedStep, err := chain.Run(ctx, sc); err != nil {
		s.log.Error("machine start failed", "machine_id", id, "step", failedStep, "error", err)
		s.rollbackFailedStart(ctx, m, spec)
		m.Status = model.StatusFailed
		m.ErrorMessage = err.Error()
		_ = s.store.UpdateMachine(ctx, m)
		return nil, apierr.Wrap(apierr.Runtime, "start machine", err)
	}

	m.Status = model.StatusRunning
	m.ErrorMessage = ""
	if err := s.store.UpdateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist running status", err)
	}
	return m, nil
}

func (s *Service) rollbackFailedStart(ctx context.Context, m *model.Machine, spec *CreateSpec) {
	if d, ok := s.registry.Lookup(m.ID); ok {
		_ = d.Stop(ctx)
		s.registry.Deregister(m.ID)
	}
	if m.Network != nil && s.netManager != nil {
		if err := s.netManager.Release(m.ID); err != nil {
			s.log.Warn("failed to release network during start rollback", "machine_id", m.ID, "error", err)
		}
		m.Network = nil
	}
}

// Stop always succeeds if the record exists: it requests a graceful
// shutdown with a bounded timeout, force-kills on timeout or error, then
// deregisters the handle and releases any network allocation.
func (s *Service) Stop(ctx context.Context, id string) (*model.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if m.Status == model.StatusStopped {
		return m, nil // tie-break: stop from stopped is a no-op
	}

	m.Status = model.StatusStopping
	_ = s.store.UpdateMachine(ctx, m)

	if d, ok := s.registry.Lookup(id); ok {
		shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
		if err := d.Shutdown(shutdownCtx, DefaultShutdownTimeout); err != nil {
			s.log.Warn("graceful shutdown failed, force-killing", "machine_id", id, "error", err)
			_ = d.Stop(ctx)
		}
		cancel()
		s.registry.Deregister(id)
	}

	if m.Network != nil && s.netManager != nil {
		if err := s.netManager.Release(id); err != nil {
			s.log.Warn("failed to release network on stop", "machine_id", id, "error", err)
		}
	}

	m.Status = model.StatusStopped
	m.PID = nil
	if err := s.store.UpdateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist stopped status", err)
	}
	return m, nil
}

// Restart stops then starts id. A stop error is only possible when the
// record is absent, in which case it propagates; any other stop outcome is
// ignored and start proceeds.
func (s *Service) Restart(ctx context.Context, id string) (*model.Machine, error) {
	if _, err := s.Stop(ctx, id); err != nil {
		return nil, err
	}
	return s.Start(ctx, id)
}

// Pause suspends a running machine's vCPUs (or, for a container runtime,
// freezes its process group) without releasing its network allocation or
// deregistering its runtime handle.
func (s *Service) Pause(ctx context.Context, id string) (*model.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !model.ValidTransition(m.Status, model.StatusPaused) {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("cannot pause machine in status %q", m.Status))
	}
	d, ok := s.registry.Lookup(id)
	if !ok {
		return nil, apierr.New(apierr.Validation, "machine has no active runtime handle")
	}
	if err := d.Pause(ctx); err != nil {
		return nil, apierr.Wrap(apierr.Runtime, "pause machine", err)
	}

	m.Status = model.StatusPaused
	if err := s.store.UpdateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist paused status", err)
	}
	return m, nil
}

// Resume un-suspends a paused machine, reversing Pause.
func (s *Service) Resume(ctx context.Context, id string) (*model.Machine, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !model.ValidTransition(m.Status, model.StatusRunning) {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("cannot resume machine in status %q", m.Status))
	}
	d, ok := s.registry.Lookup(id)
	if !ok {
		return nil, apierr.New(apierr.Validation, "machine has no active runtime handle")
	}
	if err := d.Resume(ctx); err != nil {
		return nil, apierr.Wrap(apierr.Runtime, "resume machine", err)
	}

	m.Status = model.StatusRunning
	if err := s.store.UpdateMachine(ctx, m); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "persist running status", err)
	}
	return m, nil
}

// Exec runs cmd inside a running machine's guest over its registered driver
// handle and returns the result. Not retried, since exec is side-effecting.
func (s *Service) Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return "", "", 0, mapStoreErr(err)
	}
	if m.Status != model.StatusRunning {
		return "", "", 0, apierr.New(apierr.Validation, "exec requires a running machine")
	}
	d, ok := s.registry.Lookup(id)
	if !ok {
		return "", "", 0, apierr.New(apierr.Validation, "machine has no active runtime handle")
	}
	result, err := d.Exec(ctx, cmd, timeout)
	if err != nil {
		return "", "", 0, err
	}
	return result.Stdout, result.Stderr, result.ExitCode, nil
}

// FileOp performs a file upload/download/stat/delete against a running
// hypervisor-backed machine's vsock channel. content is base64 and only
// meaningful for uploads; its length is checked against the service's
// configured size ceiling. Downloaded payloads are not size-checked here.
func (s *Service) FileOp(ctx context.Context, id string, op guestchannel.FileOperation, path, content string) (*guestchannel.FileResponse, error) {
	m, err := s.store.GetMachine(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if m.Status != model.StatusRunning {
		return nil, apierr.New(apierr.Validation, "file operations require a running machine")
	}
	if m.RuntimeType == model.RuntimeDocker {
		return nil, apierr.New(apierr.Validation, "file operations require a vsock channel, not available on docker runtime")
	}
	if int64(len(content)) > s.fileMaxBytes {
		return nil, apierr.New(apierr.Validation, "file content exceeds configured size ceiling")
	}

	vsockPath := vsockPathOf(m)
	ctx, cancel := context.WithTimeout(ctx, guestchannel.DefaultFileTimeout)
	defer cancel()

	conn, err := guestchannel.Dial(ctx, vsockPath, guestVsockPort)
	if err != nil {
		return nil, err
	}
	return guestchannel.FileRemote(ctx, conn, guestchannel.FileRequest{Operation: op, Path: path, Content: content})
}

func mapStoreErr(err error) error {
	if err == store.ErrNotFound {
		return apierr.Wrap(apierr.NotFound, "machine not found", err)
	}
	return apierr.Wrap(apierr.Internal, "store error", err)
}
