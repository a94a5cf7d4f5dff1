// Package firewallctl installs and removes the firewall killswitch: an
// isolated table/chain that drops any TCP egress not going through the
// proxy. Grounded on the Rust original's firewall crate.
package firewallctl

import (
	"net"

	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/caps"
	"github.com/monasticacademy/proxytun/internal/runner"
)

// Config carries everything the killswitch rule set (spec.md §4.3) needs.
type Config struct {
	TunName   string
	ProxyIPs  []net.IP
	ProxyPort int
	DNSAllow  []net.IP
	ProxyMark uint32
}

type Backend interface {
	Apply(cfg Config) error
	RemoveBestEffort() error
	Describe() string
}

const (
	nftTable = "proxytun"
	nftChain = "output"

	iptablesChain = "PROXYTUN"
)

// Choose mirrors markinstall.Choose's selection policy.
func Choose(r *runner.Runner) (Backend, error) {
	nft := &NftBackend{runner: r, table: nftTable, chain: nftChain}
	if nft.nativeAvailable() {
		return nft, nil
	}

	if _, ok := runner.FindInPath("nft"); ok && caps.IsRoot() {
		nft.forceCLI = true
		return nft, nil
	}

	if _, ok := runner.FindInPath("iptables"); ok && caps.IsRoot() {
		return &IptablesBackend{runner: r, chain: iptablesChain}, nil
	}

	return nil, apperr.New(apperr.NoFirewallBackend, nil)
}

// RemoveAllBestEffort tries every backend's removal path, regardless of
// which one actually installed the killswitch -- the same defensive
// cross-backend cleanup markinstall.RemoveAllBestEffort performs.
func RemoveAllBestEffort(r *runner.Runner) error {
	nft := &NftBackend{runner: r, table: nftTable, chain: nftChain}
	_ = nft.RemoveBestEffort()

	ipt := &IptablesBackend{runner: r, chain: iptablesChain}
	_ = ipt.RemoveBestEffort()

	return nil
}
