package markinstall

import (
	"net"
	"strings"
	"testing"
)

func TestBuildScriptIncludesHexMarkAndExcludes(t *testing.T) {
	b := &NftBackend{table: nftTable, chain: nftChain}
	cfg := Config{
		Mark:       1,
		ExcludeIPs: []net.IP{net.ParseIP("10.0.0.1")},
	}
	script := b.buildScript(cfg)

	if !strings.Contains(script, "ip daddr 10.0.0.1 return") {
		t.Errorf("expected exclude rule in script, got:\n%s", script)
	}
	if !strings.Contains(script, "meta mark set 0x1") {
		t.Errorf("expected mark-set rule in script, got:\n%s", script)
	}
	if strings.Contains(script, "meta mark set 0x0") {
		t.Error("script should never set a zero mark")
	}
}

func TestHexMark(t *testing.T) {
	cases := map[uint32]string{
		0:   "0x0",
		1:   "0x1",
		255: "0xff",
	}
	for mark, want := range cases {
		if got := hexMark(mark); got != want {
			t.Errorf("hexMark(%d) = %q, want %q", mark, got, want)
		}
	}
}
