// Package tundev creates and configures the TUN device the redirector reads
// traffic from, grounded on httptap.go's existing water.New + netlink
// wiring (the teacher already creates exactly this kind of device, minus
// the network-namespace unshare this spec doesn't need: this is a
// system-wide redirector, not a per-subprocess sandbox).
package tundev

import (
	"fmt"
	"net"
	"os"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Device is an open TUN interface plus its resolved kernel attributes.
type Device struct {
	Iface   *water.Interface
	Link    netlink.Link
	Name    string
	MTU     int
	ifIndex int
}

// IfIndex returns the kernel interface index of the device, used to install
// the default route into the proxy routing table.
func (d *Device) IfIndex() int {
	return d.ifIndex
}

// Open creates a TUN device named name, assigns cidr to it, and brings the
// link up. cidr is the small point-to-point subnet spec.md §3 describes
// (e.g. 10.255.255.1/30); the device's own address is the address written
// in cidr (10.255.255.1 in that example).
func Open(name, cidr string) (*Device, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating tun device %q: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("finding link for new tun device %q: %w", name, err)
	}

	ipNet, err := netlink.ParseIPNet(cidr)
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("parsing tun cidr %q: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		iface.Close()
		return nil, fmt.Errorf("assigning address %s to %q: %w", cidr, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		iface.Close()
		return nil, fmt.Errorf("bringing up link %q: %w", name, err)
	}

	return &Device{
		Iface:   iface,
		Link:    link,
		Name:    name,
		MTU:     link.Attrs().MTU,
		ifIndex: link.Attrs().Index,
	}, nil
}

// FD returns the raw file descriptor backing the TUN device, for handing to
// the gvisor link endpoint. water.Interface embeds an io.ReadWriteCloser
// that is a *os.File on Linux.
func (d *Device) FD() (int, error) {
	f, ok := d.Iface.ReadWriteCloser.(*os.File)
	if !ok {
		return 0, fmt.Errorf("tun device %q: underlying handle is not an *os.File", d.Name)
	}
	return int(f.Fd()), nil
}

// Close closes the underlying TUN file; the link itself disappears with it.
func (d *Device) Close() error {
	return d.Iface.Close()
}

// Remove deletes the link by name, used during teardown if the process
// holding the fd has already exited and only the link remains.
func Remove(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("finding link %q for removal: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("deleting link %q: %w", name, err)
	}
	return nil
}

// ExistingIPv4Nets lists every IPv4 network currently assigned on the host,
// used by the orchestrator's preflight overlap check.
func ExistingIPv4Nets() ([]net.IPNet, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	var out []net.IPNet
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("listing addresses on %s: %w", link.Attrs().Name, err)
		}
		for _, a := range addrs {
			if a.IPNet != nil {
				out = append(out, *a.IPNet)
			}
		}
	}
	return out, nil
}
