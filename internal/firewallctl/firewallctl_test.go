package firewallctl

import (
	"net"
	"strings"
	"testing"
)

func TestBuildScriptIncludesProxyAndDNSRules(t *testing.T) {
	b := &NftBackend{table: nftTable, chain: nftChain}
	cfg := Config{
		TunName:   "tun0",
		ProxyIPs:  []net.IP{net.ParseIP("10.0.0.1")},
		ProxyPort: 3128,
		DNSAllow:  []net.IP{net.ParseIP("1.1.1.1")},
		ProxyMark: 1,
	}
	script := b.buildScript(cfg)

	for _, want := range []string{
		"oifname lo accept",
		"oifname tun0 accept",
		"ip daddr 10.0.0.1 tcp dport 3128 accept",
		"meta mark 0x1 meta l4proto tcp accept",
		"ip daddr 1.1.1.1 udp dport 53 accept",
		"ip daddr 1.1.1.1 tcp dport 53 accept",
		"policy drop",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("expected script to contain %q, got:\n%s", want, script)
		}
	}
}

func TestHexMark(t *testing.T) {
	if got := hexMark(1); got != "0x1" {
		t.Errorf("hexMark(1) = %q, want 0x1", got)
	}
}
