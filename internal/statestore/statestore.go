// Package statestore persists the redirector's installed-object record to
// disk so teardown can run without in-memory context, grounded on the Rust
// original's state crate. Locking uses github.com/gofrs/flock, the advisory
// file-locking library already present (indirectly) in the examples pack.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

const schemaVersion = 3

// RouteBypassRule is a single P2-style policy rule: traffic to IP is routed
// back to the main table at Pref.
type RouteBypassRule struct {
	Pref int    `json:"pref"`
	IP   string `json:"ip"`
}

// FirewallState marks that a killswitch was installed. Up fills it with
// Backend "nft", Table "proxytun", Chain "output" whenever the killswitch is
// on, whichever backend actually installed it; Down only checks that it is
// present and removes the killswitch through the backend it selects itself,
// not through the fields recorded here.
type FirewallState struct {
	Backend string `json:"backend"` // "nft" | "iptables"
	Table   string `json:"table,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

// State is the full persisted record of everything installed for one run.
type State struct {
	Version  int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	StateDir string    `json:"state_dir"`
	LockPath string    `json:"lock_path"`

	TunName  string `json:"tun_name"`
	TunCIDR  string `json:"tun_cidr"`
	ProxyHost string `json:"proxy_host"`
	ProxyPort int    `json:"proxy_port"`
	ProxyIPs []string `json:"proxy_ips"`
	ProxyMark uint32  `json:"proxy_mark"`

	DNS              string   `json:"dns,omitempty"`
	Killswitch       bool     `json:"killswitch"`
	KeepLogs         bool     `json:"keep_logs"`
	ProxyTable       int      `json:"proxy_table"`
	DNSBypassRules   []RouteBypassRule `json:"dns_bypass_rules,omitempty"`
	ProxyBypassRules []RouteBypassRule `json:"proxy_bypass_rules,omitempty"`
	TCPRulePref      *int     `json:"tcp_rule_pref,omitempty"`
	Firewall         *FirewallState `json:"firewall,omitempty"`
}

// NewStateParams mirrors State's construction-time fields.
type NewStateParams struct {
	StateDir  string
	TunName   string
	TunCIDR   string
	ProxyHost string
	ProxyPort int
	ProxyIPs  []string
	ProxyMark uint32
	DNS       string
	Killswitch bool
	KeepLogs  bool
	ProxyTable int
}

// NewStateTemplate builds the initial state record for a fresh run.
// CreatedAt is taken from the now argument rather than the system clock, so
// tests can pass a fixed time and get deterministic output.
func NewStateTemplate(p NewStateParams, now time.Time) *State {
	return &State{
		Version:   schemaVersion,
		CreatedAt: now,
		StateDir:  p.StateDir,
		LockPath:  filepath.Join(p.StateDir, "lock"),
		TunName:   p.TunName,
		TunCIDR:   p.TunCIDR,
		ProxyHost: p.ProxyHost,
		ProxyPort: p.ProxyPort,
		ProxyIPs:  p.ProxyIPs,
		ProxyMark: p.ProxyMark,
		DNS:       p.DNS,
		Killswitch: p.Killswitch,
		KeepLogs:  p.KeepLogs,
		ProxyTable: p.ProxyTable,
	}
}

// Store manages the on-disk state directory: state.json and a lock file.
type Store struct {
	StateDir  string
	StatePath string
	LockPath  string

	lock *flock.Flock
}

func New(stateDir string) *Store {
	return &Store{
		StateDir:  stateDir,
		StatePath: filepath.Join(stateDir, "state.json"),
		LockPath:  filepath.Join(stateDir, "lock"),
	}
}

// EnsureDir creates the state directory with mode 0700 if it doesn't exist.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir %q: %w", s.StateDir, err)
	}
	return os.Chmod(s.StateDir, 0o700)
}

// CreateLock acquires the advisory lock, first removing it if it is stale
// (the recorded PID no longer exists).
func (s *Store) CreateLock() error {
	if stale, err := s.isLockStale(); err == nil && stale {
		_ = s.ForceRemoveLock()
	}

	s.lock = flock.New(s.LockPath)
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %q: %w", s.LockPath, err)
	}
	if !ok {
		return fmt.Errorf("lock %q is held by another process", s.LockPath)
	}

	if err := os.WriteFile(s.LockPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("writing pid to lock file: %w", err)
	}
	return os.Chmod(s.LockPath, 0o600)
}

// isLockStale reports whether the lock file names a PID that no longer
// exists. Any failure to open, read, or parse the file is treated as
// stale -- a corrupt or empty lock file should never block a fresh `up`.
func (s *Store) isLockStale() (bool, error) {
	data, err := os.ReadFile(s.LockPath)
	if err != nil {
		return true, nil
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return true, nil
	}
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); os.IsNotExist(err) {
		return true, nil
	}
	return false, nil
}

// ForceRemoveLock removes the lock file unconditionally.
func (s *Store) ForceRemoveLock() error {
	err := os.Remove(s.LockPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteState writes st as pretty JSON with mode 0600.
func (s *Store) WriteState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(s.StatePath, data, 0o600); err != nil {
		return fmt.Errorf("writing state file %q: %w", s.StatePath, err)
	}
	return os.Chmod(s.StatePath, 0o600)
}

// ReadState reads and parses the persisted state record.
func (s *Store) ReadState() (*State, error) {
	data, err := os.ReadFile(s.StatePath)
	if err != nil {
		return nil, fmt.Errorf("reading state file %q: %w", s.StatePath, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state file %q: %w", s.StatePath, err)
	}
	return &st, nil
}

// RemoveStateFiles removes the lock file always, and state.json (plus the
// state dir itself, if now empty) unless keepLogs is set.
func (s *Store) RemoveStateFiles(keepLogs bool) error {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	if err := s.ForceRemoveLock(); err != nil {
		return err
	}
	if keepLogs {
		return nil
	}
	if err := os.Remove(s.StatePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(s.StateDir) // best effort; fails harmlessly if non-empty
	return nil
}
