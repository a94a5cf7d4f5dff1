// Package markinstall installs and removes the OUTPUT-chain rule that tags
// outbound TCP packets with the proxy's fwmark, grounded on the Rust
// original's mark crate. Two backends exist, selected per spec.md §4.2:
// native nftables (via github.com/google/nftables, CAP_NET_ADMIN only) and
// a root-requiring CLI fallback (nft or iptables binaries on PATH).
package markinstall

import (
	"net"

	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/caps"
	"github.com/monasticacademy/proxytun/internal/runner"
)

// Config describes the rule set to install: excluded IPs bypass the
// mark-all rule (the orchestrator passes the proxy IPs, so the proxy's own
// upstream connections don't get re-marked), mark is the fixed fwmark value
// applied to every other TCP
// packet.
type Config struct {
	Mark       uint32
	ExcludeIPs []net.IP
}

// Backend is the small capability set spec.md's Design Notes §9 calls for:
// apply, remove, describe.
type Backend interface {
	Apply(cfg Config) error
	RemoveBestEffort() error
	Describe() string
}

const (
	nftTable = "proxytun_mark"
	nftChain = "output"

	iptablesChain = "PROXYTUN_MARK"
)

// Choose selects a backend per spec.md §4.2's policy: native nft if it can
// open a transaction; else `nft` CLI if on PATH and root; else `iptables`
// CLI if on PATH and root; else an error.
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

	return nil, apperr.New(apperr.NoMarkBackend, nil)
}

// RemoveAllBestEffort tries every known backend's removal path in turn,
// regardless of which one was actually used to install -- defending
// against a backend mismatch across runs (e.g. nft was used to install but
// the binary was later removed).
func RemoveAllBestEffort(r *runner.Runner) error {
	nft := &NftBackend{runner: r, table: nftTable, chain: nftChain}
	_ = nft.RemoveBestEffort()

	ipt := &IptablesBackend{runner: r, chain: iptablesChain}
	_ = ipt.RemoveBestEffort()

	return nil
}
