package model

import "time"

// Machine status constants.
const (
	StatusPending  = "pending"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusPaused   = "paused"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// Runtime type constants.
const (
	RuntimeFirecracker     = "firecracker"
	RuntimeCloudHypervisor = "cloud-hypervisor"
	RuntimeDocker          = "docker"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Tie-break no-ops (start from running, stop from stopped) are handled by the
// machine service before consulting this table, not encoded here.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusStarting: true,
		StatusFailed:   true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusPaused:   true,
		StatusStopping: true,
		StatusFailed:   true,
	},
	StatusPaused: {
		StatusRunning:  true,
		StatusStopping: true,
		StatusFailed:   true,
	},
	StatusStopping: {
		StatusStopped: true,
		StatusFailed:  true,
	},
	StatusStopped: {
		StatusStarting: true,
	},
	StatusFailed: {},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Network holds the per-machine networking assignment. Present iff the
// machine requested networking; nil otherwise. The tap device itself carries
// no address: TapIP is the bridge's gateway address, which the guest routes
// through, and Mask is the dotted-decimal subnet mask shared by GuestIP and
// TapIP, kept so a guest kernel ip= boot argument can be built without a
// second lookup into the host networking layer.
type Network struct {
	Tap      string `json:"tap"`
	TapIP    string `json:"tap_ip"`
	GuestIP  string `json:"guest_ip"`
	GuestMAC string `json:"guest_mac"`
	Mask     string `json:"mask"`
}

// PortMapping binds a docker-runtime container port to the host port it was
// published on, the form the reverse proxy's path mode needs to translate a
// requested container port into the upstream 127.0.0.1 address.
type PortMapping struct {
	HostPort      int `json:"hostPort"`
	ContainerPort int `json:"containerPort"`
}

// Machine represents one orchestrated workload: a microVM or a container.
type Machine struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	RuntimeType  string     `json:"runtime_type"`
	VCPUCount    int        `json:"vcpu_count"`
	MemSizeMiB   int        `json:"mem_size_mib"`
	KernelImage  string     `json:"kernel_image_path,omitempty"`
	RootfsPath   string     `json:"rootfs_path,omitempty"`
	Network      *Network   `json:"network,omitempty"`
	ExposedPorts []int      `json:"exposed_ports"`
	Image        string     `json:"image,omitempty"`
	ContainerID  string     `json:"container_id,omitempty"`
	SocketPath   string     `json:"socket_path,omitempty"`
	PID          *int       `json:"pid,omitempty"`
	ConfigJSON   string     `json:"config_json,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsNetworked reports whether the machine has a network assignment.
func (m *Machine) IsNetworked() bool {
	return m.Network != nil
}

// HasExposedPort reports whether port is a member of the machine's exposed
// port set.
func (m *Machine) HasExposedPort(port int) bool {
	for _, p := range m.ExposedPorts {
		if p == port {
			return true
		}
	}
	return false
}
