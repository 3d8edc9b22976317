package hostnet

import (
	"net"
	"os"
	"os/exec"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

const (
	natTableName        = "hyperfleet"
	natPostroutingChain = "postrouting"
	natForwardChain     = "forward"
)

// NAT programs IPv4 forwarding and masquerade rules so machines on the
// managed subnet can reach the external network. It prefers nftables and
// falls back to shelling out to iptables when the nftables netlink socket
// is unavailable (older kernels, restricted containers).
type NAT struct {
	subnet   *net.IPNet
	extIface string
	useIPT   bool
}

// NewNAT builds a NAT programmer for subnet routed out extIface.
func NewNAT(subnet *net.IPNet, extIface string) *NAT {
	return &NAT{subnet: subnet, extIface: extIface}
}

// EnableForwarding sets net.ipv4.ip_forward=1.
func EnableForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0o644); err != nil {
		return apierr.Wrap(apierr.Runtime, "enable ip_forward", err)
	}
	return nil
}

// DetectExternalInterface parses the host's default route to find the
// interface NAT rules should masquerade traffic out of.
func DetectExternalInterface() (string, error) {
	return defaultRouteInterface()
}

// Setup installs the masquerade + forward rules. It tries nftables first;
// on failure it falls back to an equivalent set of iptables invocations.
func (n *NAT) Setup() error {
	if err := n.setupNftables(); err != nil {
		n.useIPT = true
		return n.setupIptables()
	}
	return nil
}

// Teardown removes whichever rule set Setup installed. Both paths are
// idempotent: deleting a table/rule that does not exist is not an error.
func (n *NAT) Teardown() error {
	if n.useIPT {
		return n.teardownIptables()
	}
	return n.teardownNftables()
}

func (n *NAT) setupNftables() error {
	conn, err := nftables.New()
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "nftables connect", err)
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: natTableName})

	postrouting := conn.AddChain(&nftables.Chain{
		Name:     natPostroutingChain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: postrouting,
		Exprs: masqueradeExprs(n.subnet, n.extIface),
	})

	forward := conn.AddChain(&nftables.Chain{
		Name:     natForwardChain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: forward,
		Exprs: establishedRelatedExprs(),
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: forward,
		Exprs: subnetForwardExprs(n.subnet, n.extIface),
	})

	if err := conn.Flush(); err != nil {
		return apierr.Wrap(apierr.Runtime, "nftables flush", err)
	}
	return nil
}

func (n *NAT) teardownNftables() error {
	conn, err := nftables.New()
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "nftables connect", err)
	}
	table := &nftables.Table{Family: nftables.TableFamilyIPv4, Name: natTableName}
	conn.DelTable(table)
	if err := conn.Flush(); err != nil {
		// Deleting a table that was never created is not a failure.
		return nil
	}
	return nil
}

// masqueradeExprs builds `ip saddr <subnet> oifname <ext> masquerade`.
func masqueradeExprs(subnet *net.IPNet, iface string) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: subnet.Mask, Xor: make([]byte, 4)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: subnet.IP.To4()},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: ifnameBytes(iface)},
		&expr.Masq{},
	}
}

// establishedRelatedExprs accepts packets belonging to an already-permitted
// connection, matched via a bitwise mask over the conntrack state bitmap.
func establishedRelatedExprs() []expr.Any {
	mask := binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED)
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// subnetForwardExprs builds `ip saddr <subnet> oifname <ext> accept`.
func subnetForwardExprs(subnet *net.IPNet, iface string) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: subnet.Mask, Xor: make([]byte, 4)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: subnet.IP.To4()},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: ifnameBytes(iface)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func ifnameBytes(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

// setupIptables installs the fallback rule set via the iptables CLI,
// mirroring the nftables rules above.
func (n *NAT) setupIptables() error {
	rules := [][]string{
		{"-t", "nat", "-A", "POSTROUTING", "-s", n.subnet.String(), "-o", n.extIface, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-A", "FORWARD", "-s", n.subnet.String(), "-o", n.extIface, "-j", "ACCEPT"},
	}
	for _, args := range rules {
		if out, err := exec.Command("iptables", args...).CombinedOutput(); err != nil {
			return apierr.Wrap(apierr.Runtime, "iptables "+string(out), err)
		}
	}
	return nil
}

// teardownIptables removes the fallback rules, ignoring "rule does not
// exist" failures so teardown stays idempotent.
func (n *NAT) teardownIptables() error {
	rules := [][]string{
		{"-t", "nat", "-D", "POSTROUTING", "-s", n.subnet.String(), "-o", n.extIface, "-j", "MASQUERADE"},
		{"-D", "FORWARD", "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-D", "FORWARD", "-s", n.subnet.String(), "-o", n.extIface, "-j", "ACCEPT"},
	}
	for _, args := range rules {
		exec.Command("iptables", args...).Run() // best-effort; absence is not an error
	}
	return nil
}
