// Package hostnet owns the host side of per-machine networking: TAP device
// creation, netlink link/address configuration, bridge attachment, IPAM,
// and NAT programming, composed into per-machine allocate/release.
package hostnet

import (
	"bytes"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

const tunDevice = "/dev/net/tun"

type ifreqFlags struct {
	name  [syscall.IFNAMSIZ]byte
	flags uint16
}

// Tap is a persistent, layer-2 TAP device opened via /dev/net/tun. The
// Manager closes the file descriptor as soon as the device is attached to
// the bridge, before any VMM starts; the VMM later re-opens the device by
// name, and the kernel keeps the device itself alive because it was created
// persistent.
type Tap struct {
	Name string
	file *os.File
}

// CreateTap opens /dev/net/tun and issues TUNSETIFF to create (or attach to)
// a layer-2, no-packet-info TAP device named name. The returned Tap's file
// descriptor must be closed with Close before starting a VMM that will
// re-open the device exclusively.
func CreateTap(name string) (*Tap, error) {
	dev, err := os.OpenFile(tunDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, apierr.Wrap(apierr.Runtime, "open /dev/net/tun", err)
	}

	var ifr ifreqFlags
	copy(ifr.name[:len(ifr.name)-1], name)
	ifr.flags = syscall.IFF_TAP | syscall.IFF_NO_PI

	if err := ioctl(dev.Fd(), syscall.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		dev.Close()
		return nil, apierr.Wrap(apierr.Runtime, "TUNSETIFF", err)
	}

	actual := fromZeroTerm(ifr.name[:])
	if err := ioctl(dev.Fd(), syscall.TUNSETPERSIST, 1); err != nil {
		dev.Close()
		return nil, apierr.Wrap(apierr.Runtime, "TUNSETPERSIST", err)
	}

	return &Tap{Name: actual, file: dev}, nil
}

// Close releases the TAP's control file descriptor without destroying the
// persistent device; the VMM re-opens it by name.
func (t *Tap) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Destroy clears the device's persistence flag so the kernel removes it once
// no process holds it open, then closes our handle.
func Destroy(name string) error {
	dev, err := os.OpenFile(tunDevice, os.O_RDWR, 0)
	if err != nil {
		return apierr.Wrap(apierr.Runtime, "open /dev/net/tun", err)
	}
	defer dev.Close()

	var ifr ifreqFlags
	copy(ifr.name[:len(ifr.name)-1], name)
	ifr.flags = syscall.IFF_TAP | syscall.IFF_NO_PI

	if err := ioctl(dev.Fd(), syscall.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		return apierr.Wrap(apierr.Runtime, "TUNSETIFF (reattach for teardown)", err)
	}
	if err := ioctl(dev.Fd(), syscall.TUNSETPERSIST, 0); err != nil {
		return apierr.Wrap(apierr.Runtime, "TUNSETPERSIST(0)", err)
	}
	return nil
}

func ioctl(fd, request, argp uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, request, argp)
	if errno != 0 {
		return fmt.Errorf("ioctl %#x: %w", request, errno)
	}
	return nil
}

func fromZeroTerm(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
