package hostnet

import (
	"net"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
	"github.com/vishvananda/netlink"
)

// setLinkUp brings a named interface up.
func setLinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link up "+name, err)
	}
	return nil
}

func setLinkDown(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link down "+name, err)
	}
	return nil
}

// addAddr assigns ipNet (address + prefix) to the named interface; the
// broadcast address is derived from the prefix by netlink itself.
func addAddr(name string, ipNet *net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+name, err)
	}
	addr := &netlink.Addr{IPNet: ipNet}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink addr add "+name, err)
	}
	return nil
}

func delAddr(name string, ipNet *net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+name, err)
	}
	addr := &netlink.Addr{IPNet: ipNet}
	if err := netlink.AddrDel(link, addr); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink addr del "+name, err)
	}
	return nil
}

// ensureBridge creates a Linux bridge named name if it does not already
// exist, and returns its netlink handle either way.
func ensureBridge(name string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(name); err == nil {
		return link, nil
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, apierr.Wrap(apierr.Runtime, "netlink bridge create "+name, err)
	}
	return netlink.LinkByName(name)
}

// attachToBridge makes tapName a port of bridgeName, bringing the tap up
// first since bridge ports must be up to forward traffic.
func attachToBridge(tapName, bridgeName string) error {
	tapLink, err := netlink.LinkByName(tapName)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+tapName, err)
	}
	brLink, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+bridgeName, err)
	}
	if err := netlink.LinkSetUp(tapLink); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link up "+tapName, err)
	}
	if err := netlink.LinkSetMaster(tapLink, brLink.(*netlink.Bridge)); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink set master "+tapName, err)
	}
	return nil
}

// detachFromBridge removes tapName from whatever bridge it is a port of.
func detachFromBridge(tapName string) error {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink link lookup "+tapName, err)
	}
	if err := netlink.LinkSetNoMaster(link); err != nil {
		return apierr.Wrap(apierr.Runtime, "netlink clear master "+tapName, err)
	}
	return nil
}

// defaultRouteInterface returns the name of the interface carrying the
// host's default IPv4 route, used to detect the NAT external interface.
func defaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", apierr.Wrap(apierr.Runtime, "netlink route list", err)
	}
	for _, r := range routes {
		if r.Dst == nil {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			return link.Attrs().Name, nil
		}
	}
	return "", apierr.New(apierr.Runtime, "no default route found")
}
