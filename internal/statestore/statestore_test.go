package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}

	st := NewStateTemplate(NewStateParams{
		StateDir:  dir,
		TunName:   "tun0",
		TunCIDR:   "10.255.255.1/30",
		ProxyHost: "proxy.example.com",
		ProxyPort: 3128,
		ProxyIPs:  []string{"10.0.0.1"},
		ProxyMark: 1,
		Killswitch: true,
		ProxyTable: 100,
	}, time.Unix(0, 0).UTC())

	pref := 100
	st.TCPRulePref = &pref

	if err := store.WriteState(st); err != nil {
		t.Fatal(err)
	}

	got, err := store.ReadState()
	if err != nil {
		t.Fatal(err)
	}
	if got.TunName != "tun0" || got.ProxyPort != 3128 || got.ProxyTable != 100 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.TCPRulePref == nil || *got.TCPRulePref != 100 {
		t.Fatalf("expected tcp_rule_pref to survive roundtrip, got %+v", got.TCPRulePref)
	}

	info, err := os.Stat(store.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("state file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestKeepLogsPreservesStateFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	st := NewStateTemplate(NewStateParams{StateDir: dir, TunName: "tun0"}, time.Unix(0, 0).UTC())
	if err := store.WriteState(st); err != nil {
		t.Fatal(err)
	}

	if err := store.RemoveStateFiles(true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.StatePath); err != nil {
		t.Fatalf("expected state.json to survive keep_logs teardown: %v", err)
	}
}

func TestRemoveStateFilesWithoutKeepLogs(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	st := NewStateTemplate(NewStateParams{StateDir: dir}, time.Unix(0, 0).UTC())
	if err := store.WriteState(st); err != nil {
		t.Fatal(err)
	}

	if err := store.RemoveStateFiles(false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.StatePath); !os.IsNotExist(err) {
		t.Fatalf("expected state.json to be removed, stat err = %v", err)
	}
}

func TestIsLockStaleForMissingFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	stale, err := store.isLockStale()
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("a missing lock file should be treated as stale")
	}
}

func TestIsLockStaleForDeadPID(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	// PID 999999 is extremely unlikely to exist.
	if err := os.WriteFile(filepath.Join(dir, "lock"), []byte("999999"), 0o600); err != nil {
		t.Fatal(err)
	}
	stale, err := store.isLockStale()
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("a lock file naming a dead pid should be stale")
	}
}

func TestIsLockStaleForLiveProcess(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	if err := os.WriteFile(filepath.Join(dir, "lock"), []byte("1"), 0o600); err != nil {
		t.Fatal(err)
	}
	stale, err := store.isLockStale()
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("pid 1 always exists; lock should not be considered stale")
	}
}
