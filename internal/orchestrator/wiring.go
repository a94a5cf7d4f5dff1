package orchestrator

import (
	"net"

	"github.com/monasticacademy/proxytun/internal/firewallctl"
	"github.com/monasticacademy/proxytun/internal/markinstall"
	"github.com/monasticacademy/proxytun/internal/netctl"
	"github.com/monasticacademy/proxytun/internal/netstack"
	"github.com/monasticacademy/proxytun/internal/runner"
	"github.com/monasticacademy/proxytun/internal/tundev"
)

// tunAdapter adapts tundev's package-level functions to TunOps; Go requires
// an exact method-signature match against the interface's named types, so
// this lives beside the interfaces rather than in tundev itself (which must
// not import orchestrator).
type tunAdapter struct{}

func (tunAdapter) Open(name, cidr string) (TunHandle, error) {
	return tundev.Open(name, cidr)
}

func (tunAdapter) Remove(name string) error {
	return tundev.Remove(name)
}

func (tunAdapter) ExistingIPv4Nets() ([]net.IPNet, error) {
	return tundev.ExistingIPv4Nets()
}

// markAdapter adapts markinstall's Choose/Backend to MarkOps.
type markAdapter struct {
	backend markinstall.Backend
}

func NewMarkAdapter(r *runner.Runner) (MarkOps, error) {
	backend, err := markinstall.Choose(r)
	if err != nil {
		return nil, err
	}
	return &markAdapter{backend: backend}, nil
}

func (a *markAdapter) Apply(mark uint32, excludeIPs []net.IP) error {
	return a.backend.Apply(markinstall.Config{Mark: mark, ExcludeIPs: excludeIPs})
}

func (a *markAdapter) RemoveBestEffort() error {
	return a.backend.RemoveBestEffort()
}

// firewallAdapter adapts firewallctl's Choose/Backend to FirewallOps.
type firewallAdapter struct {
	backend firewallctl.Backend
}

func NewFirewallAdapter(r *runner.Runner) (FirewallOps, error) {
	backend, err := firewallctl.Choose(r)
	if err != nil {
		return nil, err
	}
	return &firewallAdapter{backend: backend}, nil
}

func (a *firewallAdapter) Apply(tunName string, proxyIPs []net.IP, proxyPort int, dnsAllow []net.IP, mark uint32) error {
	return a.backend.Apply(firewallctl.Config{
		TunName:   tunName,
		ProxyIPs:  proxyIPs,
		ProxyPort: proxyPort,
		DNSAllow:  dnsAllow,
		ProxyMark: mark,
	})
}

func (a *firewallAdapter) RemoveBestEffort() error {
	return a.backend.RemoveBestEffort()
}

// NewNetlinkAdapter returns a real netctl.Controller, whose method set
// already matches NetlinkOps exactly.
func NewNetlinkAdapter() NetlinkOps {
	return netctl.New()
}

// NewTunAdapter returns the real tundev-backed TunOps implementation.
func NewTunAdapter() TunOps {
	return tunAdapter{}
}

// netstackAdapter adapts netstack.New to NetstackOps.
type netstackAdapter struct{}

func (netstackAdapter) New(tunFD int, mtu uint32, onAccept func(netstack.AcceptedFlow)) (NetstackHandle, error) {
	return netstack.New(tunFD, mtu, onAccept)
}

// NewNetstackAdapter returns the real gvisor-backed NetstackOps implementation.
func NewNetstackAdapter() NetstackOps {
	return netstackAdapter{}
}
