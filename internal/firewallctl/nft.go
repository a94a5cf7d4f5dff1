package firewallctl

import (
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/runner"
	"golang.org/x/sys/unix"
)

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
	if err := b.runner.RunWithStdin(b.buildScript(cfg), "nft", "-f", "-"); err != nil {
		return apperr.New(apperr.FirewallInstallFailed, err)
	}
	return nil
}

func (b *NftBackend) applyNative(cfg Config) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("opening nftables connection: %w", err)
	}
	defer conn.CloseLasting()

	conn.DelTable(&nftables.Table{Name: b.table, Family: nftables.TableFamilyINet})
	_ = conn.Flush()

	table := conn.AddTable(&nftables.Table{Name: b.table, Family: nftables.TableFamilyINet})
	policy := nftables.ChainPolicyDrop
	chain := conn.AddChain(&nftables.Chain{
		Name:     b.chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	loIndex, _ := ifaceIndex("lo")
	conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: oifAcceptExprs(loIndex)})

	tunIndex, _ := ifaceIndex(cfg.TunName)
	conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: oifAcceptExprs(tunIndex)})

	for _, ip := range cfg.ProxyIPs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: tcpDaddrDportAcceptExprs(v4, cfg.ProxyPort)})
	}

	markBytes := binaryutil.NativeEndian.PutUint32(cfg.ProxyMark)
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: markBytes},
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	for _, ip := range cfg.DNSAllow {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: daddrProtoDportAcceptExprs(v4, unix.IPPROTO_UDP, 53)})
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: daddrProtoDportAcceptExprs(v4, unix.IPPROTO_TCP, 53)})
	}

	// No explicit UDP rule beyond DNS allow-list: chain policy is drop, so
	// this is the literal "drop udp" branch of the abstract rule set. The
	// "accept udp" branch never reaches here -- when the killswitch is
	// disabled this whole table is never installed.

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flushing nftables transaction: %w", err)
	}
	return nil
}

func oifAcceptExprs(ifIndex uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIF, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(ifIndex)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func tcpDaddrDportAcceptExprs(daddr []byte, port int) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: daddr},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 3, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 3, Data: binaryutil.BigEndian.PutUint16(uint16(port))},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func daddrProtoDportAcceptExprs(daddr []byte, proto uint8, port int) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: daddr},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{proto}},
		&expr.Payload{DestRegister: 3, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 3, Data: binaryutil.BigEndian.PutUint16(uint16(port))},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func ifaceIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(iface.Index), nil
}

// buildScript renders the abstract rule set from spec.md §4.3 into nft(8)
// script syntax, fed to `nft -f -` as the CLI-fallback ruleset.
func (b *NftBackend) buildScript(cfg Config) string {
	s := fmt.Sprintf("delete table inet %s\n", b.table)
	s += fmt.Sprintf("add table inet %s\n", b.table)
	s += fmt.Sprintf("add chain inet %s %s { type filter hook output priority filter ; policy drop ; }\n", b.table, b.chain)
	s += fmt.Sprintf("add rule inet %s %s oifname lo accept\n", b.table, b.chain)
	s += fmt.Sprintf("add rule inet %s %s oifname %s accept\n", b.table, b.chain, cfg.TunName)
	for _, ip := range cfg.ProxyIPs {
		s += fmt.Sprintf("add rule inet %s %s ip daddr %s tcp dport %d accept\n", b.table, b.chain, ip, cfg.ProxyPort)
	}
	s += fmt.Sprintf("add rule inet %s %s meta mark %#x meta l4proto tcp accept\n", b.table, b.chain, cfg.ProxyMark)
	for _, ip := range cfg.DNSAllow {
		s += fmt.Sprintf("add rule inet %s %s ip daddr %s udp dport 53 accept\n", b.table, b.chain, ip)
		s += fmt.Sprintf("add rule inet %s %s ip daddr %s tcp dport 53 accept\n", b.table, b.chain, ip)
	}
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
