package tundev

import "testing"

// Open/Remove require CAP_NET_ADMIN and a real kernel TUN driver, so they
// are not exercised here; see DESIGN.md's "Untested packages" section.
// ExistingIPv4Nets only reads existing addresses, which works even in an
// unprivileged network namespace that has nothing but loopback.
func TestExistingIPv4NetsIncludesLoopback(t *testing.T) {
	nets, err := ExistingIPv4Nets()
	if err != nil {
		t.Fatal(err)
	}

	foundLoopback := false
	for _, n := range nets {
		if n.IP.IsLoopback() {
			foundLoopback = true
		}
	}
	if !foundLoopback {
		t.Errorf("expected at least a loopback address among %v", nets)
	}
}
