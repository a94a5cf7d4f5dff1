package pcaptee

import "testing"

// A successful Open requires CAP_NET_ADMIN/root and an existing interface,
// so only its nonexistent-interface error path is exercised here; see
// DESIGN.md's "Untested packages" section. The SYN filtering logic in Run
// has no test.
func TestOpenRejectsUnknownInterface(t *testing.T) {
	_, err := Open("proxytun-does-not-exist")
	if err == nil {
		t.Fatal("expected an error for a nonexistent interface")
	}
}
