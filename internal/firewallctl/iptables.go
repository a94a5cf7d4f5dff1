package firewallctl

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/runner"
)

type IptablesBackend struct {
	runner *runner.Runner
	chain  string
}

func (b *IptablesBackend) Describe() string { return "iptables" }

func (b *IptablesBackend) Apply(cfg Config) error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return apperr.New(apperr.FirewallInstallFailed, err)
	}

	_ = ipt.ClearChain("filter", b.chain)
	_ = ipt.NewChain("filter", b.chain)

	rules := [][]string{
		{"-o", "lo", "-j", "ACCEPT"},
		{"-o", cfg.TunName, "-j", "ACCEPT"},
	}
	for _, ip := range cfg.ProxyIPs {
		rules = append(rules, []string{"-d", ip.String(), "-p", "tcp", "--dport", fmt.Sprint(cfg.ProxyPort), "-j", "ACCEPT"})
	}
	rules = append(rules, []string{"-p", "tcp", "-m", "mark", "--mark", hexMark(cfg.ProxyMark), "-j", "ACCEPT"})
	for _, ip := range cfg.DNSAllow {
		rules = append(rules,
			[]string{"-d", ip.String(), "-p", "udp", "--dport", "53", "-j", "ACCEPT"},
			[]string{"-d", ip.String(), "-p", "tcp", "--dport", "53", "-j", "ACCEPT"},
		)
	}
	rules = append(rules, []string{"-j", "DROP"})

	for _, args := range rules {
		if err := ipt.AppendUnique("filter", b.chain, args...); err != nil {
			return apperr.New(apperr.FirewallInstallFailed, err)
		}
	}

	if err := ipt.InsertUnique("filter", "OUTPUT", 1, "-j", b.chain); err != nil {
		return apperr.New(apperr.FirewallInstallFailed, err)
	}
	return nil
}

func (b *IptablesBackend) RemoveBestEffort() error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil
	}
	_ = ipt.Delete("filter", "OUTPUT", "-j", b.chain)
	_ = ipt.ClearChain("filter", b.chain)
	_ = ipt.DeleteChain("filter", b.chain)
	return nil
}

func hexMark(mark uint32) string {
	const hexdigits = "0123456789abcdef"
	if mark == 0 {
		return "0x0"
	}
	var buf [10]byte
	i := len(buf)
	v := mark
	for v > 0 {
		i--
		buf[i] = hexdigits[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}
