package machine

import (
	"fmt"
	"net"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/hyperfleet-run/hyperfleet/internal/model"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/cloudhypervisor"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/docker"
	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver/firecracker"
)

// guestVsockPort is the fixed port the guest agent listens on inside every
// hypervisor-backed machine, shared by both hypervisor driver packages.
const guestVsockPort = 1024

// firecrackerIfaceID is the single network interface id every Firecracker
// machine is configured with: each machine gets exactly one tap, so there is
// nothing to disambiguate between multiple ids.
const firecrackerIfaceID = "eth0"

// buildDriver constructs the runtime-specific driver for m, using a already
// resolved network allocation (nil for docker or unnetworked machines).
func (s *Service) buildDriver(m *model.Machine, spec *CreateSpec) (runtimedriver.Driver, error) {
	switch m.RuntimeType {
	case model.RuntimeFirecracker:
		return firecracker.New(s.fcConfig, firecracker.Spec{
			ID:              m.ID,
			SocketPath:      m.SocketPath,
			VCPUCount:       spec.VCPUCount,
			MemSizeMiB:      spec.MemSizeMiB,
			KernelImagePath: spec.KernelImagePath,
			BootArgs:        bootArgsFor(spec.BootArgs, m.Network),
			RootfsPath:      spec.RootfsPath,
			IfaceID:         firecrackerIfaceID,
			HostDevName:     tapNameOf(m),
			GuestMAC:        macOf(m),
			GuestCID:        cidFor(m),
			VsockUDSPath:    vsockPathOf(m),
		}), nil
	case model.RuntimeCloudHypervisor:
		return cloudhypervisor.New(s.chConfig, cloudhypervisor.Spec{
			ID:              m.ID,
			SocketPath:      m.SocketPath,
			VCPUCount:       spec.VCPUCount,
			MemSizeMiB:      spec.MemSizeMiB,
			KernelImagePath: spec.KernelImagePath,
			BootArgs:        bootArgsFor(spec.BootArgs, m.Network),
			RootfsPath:      spec.RootfsPath,
			HostDevName:     tapNameOf(m),
			GuestMAC:        macOf(m),
			GuestCID:        cidFor(m),
			VsockUDSPath:    vsockPathOf(m),
		}), nil
	case model.RuntimeDocker:
		return docker.New(s.dockerConfig, docker.Spec{
			ID:           m.ID,
			Image:        spec.Image,
			Env:          spec.Env,
			ExposedPorts: spec.ExposedPorts,
			Ports:        spec.Ports,
			Cmd:          spec.Cmd,
		}), nil
	default:
		return nil, apierr.New(apierr.Validation, "unknown runtime_type "+m.RuntimeType)
	}
}

// bootArgsFor appends a Linux kernel ip= parameter carrying a networked
// machine's allocated guest address, gateway, and subnet mask to bootArgs, so
// the guest configures eth0 itself at boot instead of depending on a
// host-side address that was never given to the tap device. Unnetworked
// machines (net == nil) get bootArgs back unchanged.
func bootArgsFor(bootArgs string, nw *model.Network) string {
	if nw == nil || nw.GuestIP == "" {
		return bootArgs
	}
	ipArg := fmt.Sprintf("ip=%s::%s:%s::%s:off", nw.GuestIP, nw.TapIP, nw.Mask, firecrackerIfaceID)
	if bootArgs == "" {
		return ipArg
	}
	return bootArgs + " " + ipArg
}

func tapNameOf(m *model.Machine) string {
	if m.Network == nil {
		return ""
	}
	return m.Network.Tap
}

func macOf(m *model.Machine) string {
	if m.Network == nil {
		return ""
	}
	return m.Network.GuestMAC
}

// cidFor derives a vsock context ID from the machine's allocated guest IP,
// or 0 (no vsock) when unnetworked. Deriving from the IP's low octet keeps
// CIDs unique for the lifetime of the lease, the same way the IP itself is
// unique, and avoids needing a second allocator. CIDs below MinCID are
// reserved by the kernel.
func cidFor(m *model.Machine) uint32 {
	if m.Network == nil || m.Network.GuestIP == "" {
		return 0
	}
	ip := net.ParseIP(m.Network.GuestIP).To4()
	if ip == nil {
		return 0
	}
	return firecracker.MinCID + uint32(ip[3])
}

func vsockPathOf(m *model.Machine) string {
	if m.SocketPath == "" {
		return ""
	}
	return m.SocketPath + ".vsock"
}
