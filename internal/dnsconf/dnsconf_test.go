package dnsconf

import (
	"net"
	"testing"
)

func ips(ss ...string) []net.IP {
	var out []net.IP
	for _, s := range ss {
		out = append(out, net.ParseIP(s))
	}
	return out
}

func TestParseResolvConfStringSkipsCommentsAndBlankLines(t *testing.T) {
	contents := "# a comment\n\nnameserver 8.8.8.8\nnameserver 1.1.1.1\n# trailing\n"
	got := ParseResolvConfString(contents)
	if len(got) != 2 || got[0].String() != "8.8.8.8" || got[1].String() != "1.1.1.1" {
		t.Fatalf("unexpected parse result: %v", got)
	}
}

func TestParseResolvConfMissingFileIsEmpty(t *testing.T) {
	got := ParseResolvConf("/nonexistent/resolv.conf")
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestIsLoopback(t *testing.T) {
	if !IsLoopback(net.ParseIP("127.0.0.1")) {
		t.Error("127.0.0.1 should be loopback")
	}
	if IsLoopback(net.ParseIP("8.8.8.8")) {
		t.Error("8.8.8.8 should not be loopback")
	}
}

func TestResolveAllowFromExplicitTakesPrecedence(t *testing.T) {
	got := ResolveAllowFrom(ips("9.9.9.9"), ips("8.8.8.8"), ips("1.1.1.1"), nil)
	want := ips("9.9.9.9")
	if len(got) != 1 || got[0].String() != want[0].String() {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResolveAllowFromUsesSystemdWhenResolvEmpty(t *testing.T) {
	got := ResolveAllowFrom(nil, nil, ips("1.1.1.1"), nil)
	if len(got) != 1 || got[0].String() != "1.1.1.1" {
		t.Fatalf("got %v, want [1.1.1.1]", got)
	}
}

func TestResolveAllowFromUsesSystemdWhenResolvIsAllLoopback(t *testing.T) {
	got := ResolveAllowFrom(nil, ips("127.0.0.53"), ips("1.1.1.1"), nil)
	found := false
	for _, ip := range got {
		if ip.String() == "1.1.1.1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected systemd entry to be unioned in, got %v", got)
	}
}

func TestResolveAllowFromDoesNotUseSystemdWhenResolvHasRealEntry(t *testing.T) {
	got := ResolveAllowFrom(nil, ips("8.8.4.4"), ips("1.1.1.1"), nil)
	for _, ip := range got {
		if ip.String() == "1.1.1.1" {
			t.Fatalf("did not expect systemd entry when resolv has a real nameserver, got %v", got)
		}
	}
}

func TestResolveAllowFromPrependsDNSServerAndDedups(t *testing.T) {
	dns := net.ParseIP("8.8.8.8")
	got := ResolveAllowFrom(ips("8.8.8.8", "1.1.1.1"), nil, nil, &dns)
	if len(got) != 2 {
		t.Fatalf("expected dedup to collapse duplicate 8.8.8.8, got %v", got)
	}
	if got[0].String() != "8.8.8.8" {
		t.Fatalf("expected --dns entry first, got %v", got)
	}
}
