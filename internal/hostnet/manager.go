package hostnet

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

// ManagerConfig configures the single Manager a host process runs.
type ManagerConfig struct {
	BridgeName    string
	SubnetCIDR    string
	ExternalIface string // empty: auto-detect from default route
	TapPrefix     string
}

// Allocation is everything a machine needs to join the managed network:
// its tap device, IP, MAC, and the bridge/gateway it was attached to. Mask
// is the subnet mask shared by GuestIP and GatewayIP, carried along so a
// caller can build a guest kernel ip= boot argument without reaching back
// into the pool.
type Allocation struct {
	TapName   string
	GuestIP   net.IP
	GuestMAC  net.HardwareAddr
	GatewayIP net.IP
	Mask      net.IPMask
}

// Manager composes TAP creation, netlink configuration, bridge attachment,
// IPAM, and NAT into per-machine Allocate/Release, and owns the single
// bridge and gateway created once at startup.
type Manager struct {
	log *slog.Logger

	bridgeName string
	ipam       *IPAM
	nat        *NAT

	mu sync.Mutex
}

// NewManager creates the bridge (if absent), assigns it the gateway address,
// enables IPv4 forwarding, and programs NAT. NAT failures are logged as
// warnings and do not fail startup: local (intra-bridge) networking remains
// functional without a route to the outside world.
func NewManager(cfg ManagerConfig, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BridgeName == "" {
		cfg.BridgeName = "hfbr0"
	}

	ipam, err := NewIPAM(IPAMConfig{CIDR: cfg.SubnetCIDR, TapPrefix: cfg.TapPrefix})
	if err != nil {
		return nil, err
	}

	if _, err := ensureBridge(cfg.BridgeName); err != nil {
		return nil, err
	}
	gwNet := &net.IPNet{IP: ipam.Gateway(), Mask: ipam.Subnet().Mask}
	if err := addAddr(cfg.BridgeName, gwNet); err != nil {
		log.Warn("bridge gateway address already present or failed to add", "bridge", cfg.BridgeName, "error", err)
	}
	if err := setLinkUp(cfg.BridgeName); err != nil {
		return nil, err
	}

	if err := EnableForwarding(); err != nil {
		log.Warn("failed to enable ip_forward", "error", err)
	}

	extIface := cfg.ExternalIface
	if extIface == "" {
		iface, err := DetectExternalInterface()
		if err != nil {
			log.Warn("could not detect external interface, NAT disabled", "error", err)
		}
		extIface = iface
	}

	m := &Manager{log: log, bridgeName: cfg.BridgeName, ipam: ipam}
	if extIface != "" {
		m.nat = NewNAT(ipam.Subnet(), extIface)
		if err := m.nat.Setup(); err != nil {
			log.Warn("NAT programming failed, local networking only", "error", err)
			m.nat = nil
		}
	}
	return m, nil
}

// Allocate creates a tap for machineID and attaches it to the bridge,
// returning the resulting Allocation. The tap itself is never given an
// address: the bridge already carries the gateway address, and the guest's
// own address reaches it through a kernel boot argument rather than a
// host-side netlink address on the tap. On any failure partial resources
// are rolled back in reverse order.
func (m *Manager) Allocate(machineID string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, err := m.ipam.Allocate(machineID)
	if err != nil {
		return nil, err
	}

	tap, err := CreateTap(lease.TapName)
	if err != nil {
		m.ipam.Release(machineID)
		return nil, err
	}

	if err := attachToBridge(tap.Name, m.bridgeName); err != nil {
		tap.Close()
		Destroy(tap.Name)
		m.ipam.Release(machineID)
		return nil, err
	}

	// Close our handle now; the VMM re-opens the persistent device by name.
	if err := tap.Close(); err != nil {
		m.log.Warn("failed to close tap control fd", "tap", tap.Name, "error", err)
	}

	return &Allocation{
		TapName:   lease.TapName,
		GuestIP:   lease.IP,
		GuestMAC:  lease.MAC,
		GatewayIP: m.ipam.Gateway(),
		Mask:      m.ipam.Subnet().Mask,
	}, nil
}

// Release detaches and destroys machineID's tap and frees its IP. Errors
// from individual steps are accumulated and all steps are attempted
// regardless of earlier failures, since release runs during teardown where
// partial progress is still an improvement over none.
func (m *Manager) Release(machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.ipam.Lookup(machineID)
	if !ok {
		return nil
	}

	var result *multierror.Error
	if err := detachFromBridge(lease.TapName); err != nil {
		result = multierror.Append(result, err)
	}
	if err := Destroy(lease.TapName); err != nil {
		result = multierror.Append(result, err)
	}
	m.ipam.Release(machineID)

	if result != nil {
		return apierr.Wrap(apierr.Runtime, fmt.Sprintf("release network for %s", machineID), result)
	}
	return nil
}

// Stats reports the manager's address pool utilization.
func (m *Manager) Stats() IPAMStats {
	return m.ipam.Stats()
}

// Close tears down NAT. The bridge itself is left in place since it is a
// process-wide resource shared by all machines, not per-allocation state.
func (m *Manager) Close() error {
	if m.nat != nil {
		return m.nat.Teardown()
	}
	return nil
}
