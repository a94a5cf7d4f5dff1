package markinstall

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/runner"
	"golang.org/x/sys/unix"
)

// NftBackend installs the mark rule set via nftables, preferring a native
// netlink-backed transaction and falling back to the nft CLI when the
// native path is unavailable (no netfilter support, insufficient
// capability) but the binary is present and the process is root.
type NftBackend struct {
	runner   *runner.Runner
	table    string
	chain    string
	forceCLI bool
}

func (b *NftBackend) Describe() string { return "nft" }

func (b *NftBackend) nativeAvailable() bool {
	conn, err := nftables.New()
	if err != nil {
		return false
	}
	defer conn.CloseLasting()
	return true
}

func (b *NftBackend) Apply(cfg Config) error {
	if !b.forceCLI {
		if err := b.applyNative(cfg); err == nil {
			return nil
		}
	}
	if err := b.applyCLI(cfg); err != nil {
		return apperr.New(apperr.MarkInstallFailed, err)
	}
	return nil
}

// applyNative builds the table/chain/rules directly via netlink, mirroring
// the Rust original's nftnl+mnl native path.
func (b *NftBackend) applyNative(cfg Config) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("opening nftables connection: %w", err)
	}
	defer conn.CloseLasting()

	// delete any stale table from a previous run before recreating it
	conn.DelTable(&nftables.Table{Name: b.table, Family: nftables.TableFamilyINet})
	_ = conn.Flush()

	table := conn.AddTable(&nftables.Table{
		Name:   b.table,
		Family: nftables.TableFamilyINet,
	})

	policy := nftables.ChainPolicyAccept
	chain := conn.AddChain(&nftables.Chain{
		Name: b.chain,
		Table: table,
		Type: nftables.ChainTypeFilter,
		// mangle-equivalent: runs before the filter hook's normal
		// priority so the mark lands before any later filter/killswitch
		// decision evaluates it.
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
		Policy:   &policy,
	})

	for _, ip := range cfg.ExcludeIPs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       16, // IPv4 destination address offset
					Len:          4,
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 1,
					Data:     v4,
				},
				&expr.Verdict{Kind: expr.VerdictReturn},
			},
		})
	}

	markBytes := binaryutil.NativeEndian.PutUint32(cfg.Mark)
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Immediate{Register: 2, Data: markBytes},
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 2, SourceRegister: true},
		},
	})

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flushing nftables transaction: %w", err)
	}
	return nil
}

func (b *NftBackend) applyCLI(cfg Config) error {
	return b.runner.RunWithStdin(b.buildScript(cfg), "nft", "-f", "-")
}

// buildScript renders the abstract rule set from spec.md §4.2 into nft(8)
// script syntax, fed to `nft -f -` by applyCLI.
func (b *NftBackend) buildScript(cfg Config) string {
	s := fmt.Sprintf("delete table inet %s\n", b.table)
	s += fmt.Sprintf("add table inet %s\n", b.table)
	s += fmt.Sprintf("add chain inet %s %s { type filter hook output priority -150 ; policy accept ; }\n", b.table, b.chain)
	for _, ip := range cfg.ExcludeIPs {
		s += fmt.Sprintf("add rule inet %s %s ip daddr %s return\n", b.table, b.chain, ip)
	}
	s += fmt.Sprintf("add rule inet %s %s meta l4proto tcp meta mark set %#x\n", b.table, b.chain, cfg.Mark)
	return s
}

func (b *NftBackend) RemoveBestEffort() error {
	conn, err := nftables.New()
	if err == nil {
		defer conn.CloseLasting()
		conn.DelTable(&nftables.Table{Name: b.table, Family: nftables.TableFamilyINet})
		if err := conn.Flush(); err == nil {
			return nil
		}
	}

	if _, ok := runner.FindInPath("nft"); ok {
		_ = b.runner.Run("nft", "delete", "table", "inet", b.table)
	}
	return nil
}
