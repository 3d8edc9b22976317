package hostnet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

// macOUI is the fixed locally-administered OUI prefixed to every
// deterministically generated guest MAC, followed by the allocated IP's low
// three octets.
const macOUI = "AA:FC:00"

// Lease binds a machine id to its allocated IP, MAC, and tap name.
type Lease struct {
	MachineID string
	IP        net.IP
	MAC       net.HardwareAddr
	TapName   string
}

// IPAMStats summarizes a pool's allocation state.
type IPAMStats struct {
	Total     int
	Allocated int
	Available int
}

// IPAM allocates IPv4 addresses and deterministic MACs from a single subnet,
// reserving the gateway address and tracking machine<->IP<->tap bindings.
// Tap names are `<prefix><n>` with a monotonically increasing n that is
// never reused even after release.
type IPAM struct {
	mu sync.Mutex

	subnet     *net.IPNet
	gateway    net.IP
	startOff   int
	endOff     int
	tapPrefix  string
	nextTapSeq int

	leasesByIP map[string]*Lease
	leasesByID map[string]*Lease
}

// IPAMConfig configures a new pool.
type IPAMConfig struct {
	CIDR       string
	StartOffset int // default 2
	EndOffset   int // default broadcast-1; 0 means "compute default"
	TapPrefix   string
}

// NewIPAM builds a pool over cfg.CIDR. The gateway is the first usable
// address (offset 1) and is reserved; allocation begins at StartOffset
// (default 2).
func NewIPAM(cfg IPAMConfig) (*IPAM, error) {
	ip, subnet, err := net.ParseCIDR(cfg.CIDR)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "parse subnet cidr", err)
	}
	_ = ip

	ones, bits := subnet.Mask.Size()
	size := 1 << uint(bits-ones)
	if size < 4 {
		return nil, apierr.New(apierr.Validation, "subnet too small, need at least a /30")
	}

	start := cfg.StartOffset
	if start == 0 {
		start = 2
	}
	end := cfg.EndOffset
	if end == 0 {
		end = size - 2 // broadcast - 1
	}
	prefix := cfg.TapPrefix
	if prefix == "" {
		prefix = "hftap"
	}

	gateway := offsetIP(subnet.IP, 1)

	return &IPAM{
		subnet:     subnet,
		gateway:    gateway,
		startOff:   start,
		endOff:     end,
		tapPrefix:  prefix,
		leasesByIP: make(map[string]*Lease),
		leasesByID: make(map[string]*Lease),
	}, nil
}

// Gateway returns the pool's reserved gateway address.
func (p *IPAM) Gateway() net.IP {
	return p.gateway
}

// Subnet returns the pool's CIDR.
func (p *IPAM) Subnet() *net.IPNet {
	return p.subnet
}

// Allocate scans offsets low to high for the first free address, assigns a
// deterministic MAC derived from that address, and mints a new tap name.
// The tap sequence counter never goes backward, even across releases.
func (p *IPAM) Allocate(machineID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.leasesByID[machineID]; ok {
		return existing, nil
	}

	for off := p.startOff; off <= p.endOff; off++ {
		ip := offsetIP(p.subnet.IP, off)
		key := ip.String()
		if _, taken := p.leasesByIP[key]; taken {
			continue
		}

		lease := &Lease{
			MachineID: machineID,
			IP:        ip,
			MAC:       generateMAC(ip),
			TapName:   fmt.Sprintf("%s%d", p.tapPrefix, p.nextTapSeq),
		}
		p.nextTapSeq++
		p.leasesByIP[key] = lease
		p.leasesByID[machineID] = lease
		return lease, nil
	}
	return nil, apierr.New(apierr.Runtime, "address pool exhausted")
}

// Release frees the IP and removes the machine<->lease binding. The tap
// sequence counter is not rolled back.
func (p *IPAM) Release(machineID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.leasesByID[machineID]
	if !ok {
		return
	}
	delete(p.leasesByIP, lease.IP.String())
	delete(p.leasesByID, machineID)
}

// Lookup returns the lease for machineID, if any.
func (p *IPAM) Lookup(machineID string) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leasesByID[machineID]
	return l, ok
}

// Stats reports the pool's current allocation counts.
func (p *IPAM) Stats() IPAMStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.endOff - p.startOff + 1
	allocated := len(p.leasesByID)
	return IPAMStats{Total: total, Allocated: allocated, Available: total - allocated}
}

// leaseSnapshot is the JSON-serializable form of a Lease: IP and MAC travel
// as their string forms, the same way model.Network encodes them.
type leaseSnapshot struct {
	MachineID string `json:"machine_id"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	TapName   string `json:"tap_name"`
}

// IPAMSnapshot is a pool's full allocation state: every lease plus the next
// tap sequence number, serialized by Export and consumed by Import.
type IPAMSnapshot struct {
	NextTapSeq int             `json:"next_tap_seq"`
	Leases     []leaseSnapshot `json:"leases"`
}

// Export returns a JSON snapshot of every current lease and the next tap
// sequence number, sufficient for Import to restore the pool's exact state
// after a process restart.
func (p *IPAM) Export() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := IPAMSnapshot{NextTapSeq: p.nextTapSeq}
	for _, l := range p.leasesByID {
		snap.Leases = append(snap.Leases, leaseSnapshot{
			MachineID: l.MachineID,
			IP:        l.IP.String(),
			MAC:       l.MAC.String(),
			TapName:   l.TapName,
		})
	}
	sort.Slice(snap.Leases, func(i, j int) bool { return snap.Leases[i].MachineID < snap.Leases[j].MachineID })

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal ipam snapshot", err)
	}
	return data, nil
}

// Import replaces the pool's lease state with a snapshot previously produced
// by Export, including the next tap sequence number. It does not re-validate
// leases against the pool's configured subnet or offsets: Import is an exact
// state transfer, not re-allocation.
func (p *IPAM) Import(data []byte) error {
	var snap IPAMSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return apierr.Wrap(apierr.Validation, "unmarshal ipam snapshot", err)
	}

	leasesByIP := make(map[string]*Lease, len(snap.Leases))
	leasesByID := make(map[string]*Lease, len(snap.Leases))
	for _, ls := range snap.Leases {
		ip := net.ParseIP(ls.IP)
		if ip == nil {
			return apierr.New(apierr.Validation, "invalid ip in ipam snapshot: "+ls.IP)
		}
		mac, err := net.ParseMAC(ls.MAC)
		if err != nil {
			return apierr.Wrap(apierr.Validation, "invalid mac in ipam snapshot", err)
		}
		lease := &Lease{MachineID: ls.MachineID, IP: ip.To4(), MAC: mac, TapName: ls.TapName}
		leasesByIP[lease.IP.String()] = lease
		leasesByID[lease.MachineID] = lease
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.leasesByIP = leasesByIP
	p.leasesByID = leasesByID
	p.nextTapSeq = snap.NextTapSeq
	return nil
}

// generateMAC derives a locally-administered MAC in the AA:FC:* OUI from
// the allocated IP's low three octets, so the MAC is a pure function of the
// address rather than the machine id.
func generateMAC(ip net.IP) net.HardwareAddr {
	ip4 := ip.To4()
	var suffix [3]byte
	if ip4 != nil {
		copy(suffix[:], ip4[1:4])
	}
	mac, _ := net.ParseMAC(fmt.Sprintf("%s:%02X:%02X:%02X", macOUI, suffix[0], suffix[1], suffix[2]))
	return mac
}

// offsetIP returns base + offset within its address family, wrapping within
// a 32-bit view of the (IPv4) address.
func offsetIP(base net.IP, offset int) net.IP {
	ip4 := base.To4()
	v := binary.BigEndian.Uint32(ip4)
	v += uint32(offset)
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
