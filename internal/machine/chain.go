package machine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/handlerchain"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/cloudhypervisor"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/docker"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/firecracker"
)

// startContext is the handlerchain.Context.Subject for a start sequence: the
// machine being started and the spec it was created from. The driver under
// construction, and the machine's own startup logger, travel in the
// handlerchain.Context's Data map instead, since they only exist once the
// chain is partway through.
type startContext struct {
	machine *model.Machine
	spec    *CreateSpec
}

// buildStartChain returns the ordered, named step list a start() call runs
// for spec's runtime type. Hypervisor runtimes (firecracker,
// cloud-hypervisor) share one chain built from their REST device model;
// docker gets a much shorter one built from the CLI's pull/create/start
// lifecycle. Both end in the same RegisterHandle step. Steps are named so a
// caller can InsertBefore/InsertAfter/Remove around any one of them.
func (s *Service) buildStartChain(spec *CreateSpec) *handlerchain.Chain {
	if spec.RuntimeType == model.RuntimeDocker {
		return handlerchain.New(
			handlerchain.Step{Name: "PullImage", Fn: s.stepPullImage},
			handlerchain.Step{Name: "CreateContainer", Fn: s.stepCreateContainer},
			handlerchain.Step{Name: "StartContainer", Fn: s.stepStartContainer},
			handlerchain.Step{Name: "RegisterHandle", Fn: s.stepRegisterHandle},
		)
	}
	return handlerchain.New(
		handlerchain.Step{Name: "CreateLogFiles", Fn: s.stepCreateLogFiles},
		handlerchain.Step{Name: "BootstrapLogging", Fn: s.stepBootstrapLogging},
		handlerchain.Step{Name: "CreateMachine", Fn: s.stepCreateMachine},
		handlerchain.Step{Name: "CreateBootSource", Fn: s.stepCreateBootSource},
		handlerchain.Step{Name: "ResolveImage", Fn: s.stepResolveImage},
		handlerchain.Step{Name: "AttachDrives", Fn: s.stepAttachDrives},
		handlerchain.Step{Name: "CreateNetworkInterfaces", Fn: s.stepCreateNetworkInterfaces},
		handlerchain.Step{Name: "AddVsock", Fn: s.stepAddVsock},
		handlerchain.Step{Name: "SetupBalloon", Fn: s.stepSetupBalloon},
		handlerchain.Step{Name: "ConfigMmds", Fn: s.stepConfigMmds},
		handlerchain.Step{Name: "StartVMM", Fn: s.stepStartVMM},
		handlerchain.Step{Name: "RegisterHandle", Fn: s.stepRegisterHandle},
	)
}

// stepCreateLogFiles opens the per-machine log file under the service's run
// directory, truncating any file left by a prior attempt. The handle travels
// through hc.Data so BootstrapLogging can fan the chain's logging into it,
// and RegisterHandle closes it once the sequence finishes either way.
func (s *Service) stepCreateLogFiles(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	logDir := filepath.Join(s.runDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return apierr.Wrap(apierr.Internal, "create log directory", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, sc.machine.ID+".log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "create machine log file", err)
	}
	hc.Data["logFile"] = f
	return nil
}

// stepBootstrapLogging builds the slog.Logger the rest of the chain logs
// through, tagged with the machine id and writing to both the service's
// usual sink and the file CreateLogFiles just opened.
func (s *Service) stepBootstrapLogging(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	w := io.Writer(os.Stderr)
	if f, ok := hc.Data["logFile"].(*os.File); ok {
		w = io.MultiWriter(os.Stderr, f)
	}
	hc.Data["logger"] = slog.New(slog.NewTextHandler(w, nil)).With("machine_id", sc.machine.ID)
	return nil
}

func (s *Service) loggerFor(hc *handlerchain.Context) *slog.Logger {
	if l, ok := hc.Data["logger"].(*slog.Logger); ok {
		return l
	}
	return s.log
}

// stepCreateMachine allocates the machine's network, if requested, before
// building its driver: the guest's allocated address has to be known to seed
// the kernel ip= boot argument CreateBootSource later puts on the wire, and
// nothing before this step in the chain has it yet. It then spawns the
// hypervisor process and issues its first REST call.
func (s *Service) stepCreateMachine(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	log := s.loggerFor(hc)

	if sc.spec.Networked {
		if s.netManager == nil {
			return apierr.New(apierr.Internal, "networking requested but no network manager is configured")
		}
		alloc, err := s.netManager.Allocate(sc.machine.ID)
		if err != nil {
			return err
		}
		sc.machine.Network = &model.Network{
			Tap:      alloc.TapName,
			TapIP:    alloc.GatewayIP.String(),
			GuestIP:  alloc.GuestIP.String(),
			GuestMAC: alloc.GuestMAC.String(),
			Mask:     net.IP(alloc.Mask).String(),
		}
	}

	d, err := s.buildDriver(sc.machine, sc.spec)
	if err != nil {
		return err
	}
	hc.Data["driver"] = d

	log.Info("creating machine", "runtime_type", sc.machine.RuntimeType)
	switch drv := d.(type) {
	case *firecracker.Driver:
		return drv.CreateMachine(ctx)
	case *cloudhypervisor.Driver:
		return drv.CreateMachine(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", d))
	}
}

func (s *Service) stepCreateBootSource(ctx context.Context, hc *handlerchain.Context) error {
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		return drv.CreateBootSource(ctx)
	case *cloudhypervisor.Driver:
		return drv.CreateBootSource(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
}

// stepResolveImage confirms the kernel and (optional) rootfs images named in
// spec still exist on the host before the next steps hand their paths to the
// hypervisor. RootfsPath and KernelImagePath are already traversal-checked at
// create time; this is purely an existence check against drift between
// create and start (an image deleted out from under a pending machine).
func (s *Service) stepResolveImage(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	if sc.spec.KernelImagePath != "" {
		if _, err := os.Stat(sc.spec.KernelImagePath); err != nil {
			return apierr.Wrap(apierr.Validation, "resolve kernel image", err)
		}
	}
	if sc.spec.RootfsPath != "" {
		if _, err := os.Stat(sc.spec.RootfsPath); err != nil {
			return apierr.Wrap(apierr.Validation, "resolve rootfs image", err)
		}
	}
	return nil
}

func (s *Service) stepAttachDrives(ctx context.Context, hc *handlerchain.Context) error {
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		return drv.AttachDrives(ctx)
	case *cloudhypervisor.Driver:
		return drv.AttachDrives(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
}

func (s *Service) stepCreateNetworkInterfaces(ctx context.Context, hc *handlerchain.Context) error {
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		return drv.CreateNetworkInterfaces(ctx)
	case *cloudhypervisor.Driver:
		return drv.CreateNetworkInterfaces(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
}

func (s *Service) stepAddVsock(ctx context.Context, hc *handlerchain.Context) error {
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		return drv.AddVsock(ctx)
	case *cloudhypervisor.Driver:
		return drv.AddVsock(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
}

func (s *Service) stepSetupBalloon(ctx context.Context, hc *handlerchain.Context) error {
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		return drv.SetupBalloon(ctx)
	case *cloudhypervisor.Driver:
		return drv.SetupBalloon(ctx)
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
}

// stepConfigMmds configures the Firecracker metadata service. Cloud-Hypervisor
// has no mmds equivalent in its API, so the step is a no-op for that driver
// rather than an error: it's a step the spec names for the chain as a whole,
// not a guarantee every hypervisor backs it.
func (s *Service) stepConfigMmds(ctx context.Context, hc *handlerchain.Context) error {
	if drv, ok := hc.Data["driver"].(*firecracker.Driver); ok {
		return drv.ConfigMmds(ctx)
	}
	return nil
}

func (s *Service) stepStartVMM(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	switch drv := hc.Data["driver"].(type) {
	case *firecracker.Driver:
		if err := drv.StartVMM(ctx); err != nil {
			return err
		}
		sc.machine.PID = drv.GetPID()
	case *cloudhypervisor.Driver:
		if err := drv.StartVMM(ctx); err != nil {
			return err
		}
		sc.machine.PID = drv.GetPID()
	default:
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported hypervisor driver type %T", drv))
	}
	return nil
}

// stepPullImage builds the docker driver and runs `docker pull` for its
// image.
func (s *Service) stepPullImage(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	d, err := s.buildDriver(sc.machine, sc.spec)
	if err != nil {
		return err
	}
	hc.Data["driver"] = d
	drv, ok := d.(*docker.Driver)
	if !ok {
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported container driver type %T", d))
	}
	return drv.PullImage(ctx)
}

func (s *Service) stepCreateContainer(ctx context.Context, hc *handlerchain.Context) error {
	drv, ok := hc.Data["driver"].(*docker.Driver)
	if !ok {
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported container driver type %T", hc.Data["driver"]))
	}
	return drv.CreateContainer(ctx)
}

func (s *Service) stepStartContainer(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	drv, ok := hc.Data["driver"].(*docker.Driver)
	if !ok {
		return apierr.New(apierr.Internal, fmt.Sprintf("unsupported container driver type %T", hc.Data["driver"]))
	}
	if err := drv.StartContainer(ctx); err != nil {
		return err
	}
	sc.machine.PID = drv.GetPID()
	return nil
}

// stepRegisterHandle registers the finished driver under the machine's id so
// later Stop/Exec/Pause calls can find it, and closes the startup log file
// opened by CreateLogFiles, if this chain has one.
func (s *Service) stepRegisterHandle(ctx context.Context, hc *handlerchain.Context) error {
	sc := hc.Subject.(*startContext)
	d := hc.Data["driver"].(runtimedriver.Driver)
	s.registry.Register(sc.machine.ID, d)
	if f, ok := hc.Data["logFile"].(*os.File); ok {
		f.Close()
	}
	return nil
}
