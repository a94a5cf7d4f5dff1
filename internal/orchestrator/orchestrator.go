// Package orchestrator drives the staging state machine described in
// spec.md §4.7: validate, stage every kernel object in a fixed order,
// persist state, run the connection manager until shutdown, then tear
// everything down in reverse. Grounded on the Rust original's app crate
// (cli/src/lib.rs, teardown.rs), reshaped around Go interfaces so the whole
// machine can be driven against fakes in tests the way the original's
// MockNetlink/MockFirewall/MockMark/MockStore traits are used.
package orchestrator

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/connmgr"
	"github.com/monasticacademy/proxytun/internal/dnsconf"
	"github.com/monasticacademy/proxytun/internal/dnsdiag"
	"github.com/monasticacademy/proxytun/internal/netstack"
	"github.com/monasticacademy/proxytun/internal/pcaptee"
	"github.com/monasticacademy/proxytun/internal/proxyconfig"
	"github.com/monasticacademy/proxytun/internal/statestore"
)

const (
	proxyTable = 100  // routing table id used for the proxy-bound default route
	mainTable  = 254  // RT_TABLE_MAIN
	p2Start    = 200  // first bypass rule priority
	p1Priority = 1000 // fwmark rule priority; must stay numerically above every P2
	// bypass rule, so the kernel evaluates P2 first and the proxy's own
	// upstream connections take the main-table route instead of looping
	// back through the fwmark rule into the tun device. Mirrors
	// original_source/crates/app/src/run.rs's 200/300-then-1000 ordering.
	defaultMTU = 1500
)

// NetlinkOps is the subset of netctl.Controller the orchestrator drives.
type NetlinkOps interface {
	AddDefaultRouteToTable(ifIndex, table int) error
	AddFwmarkRule(priority int, mark, mask uint32, table int) error
	AddBypassRuleToIP(priority int, ip net.IP, mainTable int) error
	DeleteRulePriority(priority int) error
	DeleteRoutesInTable(table int) error
	ExistingRulePriorities() (map[int]bool, error)
}

// TunOps is the subset of tundev the orchestrator drives.
type TunOps interface {
	Open(name, cidr string) (TunHandle, error)
	Remove(name string) error
	// ExistingIPv4Nets lists every IPv4 address already present on any
	// host interface, used to reject a TUN CIDR that overlaps one of
	// them before the device is ever created.
	ExistingIPv4Nets() ([]net.IPNet, error)
}

// TunHandle is the open device returned by TunOps.Open.
type TunHandle interface {
	FD() (int, error)
	IfIndex() int
	Close() error
}

// MarkOps installs/removes the fwmark OUTPUT rule.
type MarkOps interface {
	Apply(mark uint32, excludeIPs []net.IP) error
	RemoveBestEffort() error
}

// FirewallOps installs/removes the killswitch.
type FirewallOps interface {
	Apply(tunName string, proxyIPs []net.IP, proxyPort int, dnsAllow []net.IP, mark uint32) error
	RemoveBestEffort() error
}

// StateStoreOps is the subset of statestore.Store the orchestrator drives.
type StateStoreOps interface {
	EnsureDir() error
	CreateLock() error
	WriteState(st *statestore.State) error
	ReadState() (*statestore.State, error)
	RemoveStateFiles(keepLogs bool) error
}

// NetstackOps opens the userspace TCP/IP stack over a TUN fd.
type NetstackOps interface {
	New(tunFD int, mtu uint32, onAccept func(netstack.AcceptedFlow)) (NetstackHandle, error)
}

// NetstackHandle is the open stack returned by NetstackOps.New.
type NetstackHandle interface {
	Close()
}

// Config is everything Up needs to bring the redirector online.
type Config struct {
	StateDir string

	ProxyURL         string
	ProxyHost        string
	ProxyPort        int
	ProxyIPOverrides []net.IP
	Username         string
	Password         string
	PasswordFile     string

	TunName string
	TunCIDR string

	DNSServer        *net.IP
	AllowDNS         []net.IP
	Killswitch       bool
	KeepLogs         bool
	Verbose          bool
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	DumpTCP          bool
}

// Deps bundles every collaborator the orchestrator drives, so tests can
// substitute fakes for each one independently.
type Deps struct {
	Netlink  NetlinkOps
	Tun      TunOps
	Mark     MarkOps
	Firewall FirewallOps
	Store    StateStoreOps
	Netstack NetstackOps
	Now      func() time.Time
}

// Orchestrator runs the staging state machine for one `up`/`down` cycle.
type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

// Plan is the resolved, validated set of actions Up would take; DryRun
// callers print this instead of staging anything.
type Plan struct {
	ProxyHost  string
	ProxyPort  int
	ProxyIPs   []net.IP
	TunName    string
	TunCIDR    string
	TunIP      net.IP
	TunPrefix  int
	ProxyMark  uint32
	DNSAllow   []net.IP
	Killswitch bool
	P1Priority int
	P2Priority int
}

// resolve validates cfg and resolves proxy target/IPs/DNS allow-list
// without touching the kernel. Both Up and DryRun share this step.
func resolve(cfg Config) (Plan, string, string, error) {
	host, port, username, password := cfg.ProxyHost, cfg.ProxyPort, cfg.Username, cfg.Password
	if cfg.ProxyURL != "" {
		if cfg.ProxyHost != "" || cfg.ProxyPort != 0 || cfg.Username != "" || cfg.Password != "" || cfg.PasswordFile != "" {
			return Plan{}, "", "", apperr.Wrap(apperr.ConfigInvalid, "--proxy-url is mutually exclusive with --proxy-host/--proxy-port/--username/--password/--password-file")
		}
		target, err := proxyconfig.FromURL(cfg.ProxyURL)
		if err != nil {
			return Plan{}, "", "", err
		}
		host, port, username, password = target.Host, target.Port, target.Username, target.Password
	}

	pw, err := proxyconfig.ReadPassword(password, cfg.PasswordFile)
	if err != nil {
		return Plan{}, "", "", err
	}

	tunIP, tunPrefix, err := proxyconfig.ParseTunCIDR(cfg.TunCIDR)
	if err != nil {
		return Plan{}, "", "", err
	}

	proxyIPs, err := proxyconfig.ResolveIPs(host, cfg.ProxyIPOverrides)
	if err != nil {
		return Plan{}, "", "", err
	}

	dnsAllow := dnsconf.ResolveAllow(cfg.AllowDNS, cfg.DNSServer)

	const proxyMark = 0x2e77 // fixed mark; see SPEC_FULL.md §4.7 for why one mark serves both rules

	plan := Plan{
		ProxyHost:  host,
		ProxyPort:  port,
		ProxyIPs:   proxyIPs,
		TunName:    cfg.TunName,
		TunCIDR:    cfg.TunCIDR,
		TunIP:      tunIP,
		TunPrefix:  tunPrefix,
		ProxyMark:  proxyMark,
		DNSAllow:   dnsAllow,
		Killswitch: cfg.Killswitch,
		P1Priority: p1Priority,
		P2Priority: p2Start,
	}
	return plan, username, pw, nil
}

// DryRun resolves and validates cfg, returning the plan without staging
// anything.
func (o *Orchestrator) DryRun(cfg Config) (Plan, error) {
	plan, _, _, err := resolve(cfg)
	return plan, err
}

// Up stages every kernel object in the fixed order spec.md §4.7 describes,
// rolling back everything staged so far on the first failure. ctx bounds
// the connection manager's lifetime; Up blocks until ctx is cancelled, then
// tears down and returns.
func (o *Orchestrator) Up(ctx context.Context, cfg Config) error {
	plan, username, password, err := resolve(cfg)
	if err != nil {
		return err
	}
	if plan.Killswitch && len(plan.DNSAllow) == 0 {
		log.Printf("warning: killswitch is on but the DNS allow-list is empty; DNS will not resolve while proxytun is up")
	}

	existing, err := o.deps.Tun.ExistingIPv4Nets()
	if err != nil {
		return apperr.New(apperr.ConfigInvalid, err)
	}
	if overlap, found := proxyconfig.FindOverlappingAddr(plan.TunIP, plan.TunPrefix, existing); found {
		return apperr.Wrap(apperr.ConfigInvalid, "tun cidr %s overlaps existing address %s", plan.TunCIDR, overlap.String())
	}

	if err := o.deps.Store.EnsureDir(); err != nil {
		return apperr.New(apperr.ConfigInvalid, err)
	}
	if err := o.deps.Store.CreateLock(); err != nil {
		return apperr.New(apperr.ConfigInvalid, err)
	}

	var staged []func()
	rollback := func() {
		for i := len(staged) - 1; i >= 0; i-- {
			staged[i]()
		}
	}

	tun, err := o.deps.Tun.Open(plan.TunName, plan.TunCIDR)
	if err != nil {
		rollback()
		return apperr.New(apperr.TunOpenFailed, err)
	}
	staged = append(staged, func() { tun.Close() })

	if cfg.DumpTCP {
		tee, err := pcaptee.Open(plan.TunName)
		if err != nil {
			rollback()
			return apperr.New(apperr.TunOpenFailed, err)
		}
		go tee.Run()
		staged = append(staged, func() { _ = tee.Close() })
	}

	if err := o.deps.Netlink.AddDefaultRouteToTable(tun.IfIndex(), proxyTable); err != nil {
		rollback()
		return apperr.New(apperr.NetlinkRequestFailed, err)
	}
	staged = append(staged, func() { _ = o.deps.Netlink.DeleteRoutesInTable(proxyTable) })

	var proxyBypass, dnsBypass []statestore.RouteBypassRule

	p2 := plan.P2Priority
	for _, ip := range plan.ProxyIPs {
		if err := o.deps.Netlink.AddBypassRuleToIP(p2, ip, mainTable); err != nil {
			rollback()
			return apperr.New(apperr.NetlinkRequestFailed, err)
		}
		pref := p2
		staged = append(staged, func() { _ = o.deps.Netlink.DeleteRulePriority(pref) })
		proxyBypass = append(proxyBypass, statestore.RouteBypassRule{Pref: pref, IP: ip.String()})
		p2++
	}
	for _, ip := range plan.DNSAllow {
		if err := o.deps.Netlink.AddBypassRuleToIP(p2, ip, mainTable); err != nil {
			rollback()
			return apperr.New(apperr.NetlinkRequestFailed, err)
		}
		pref := p2
		staged = append(staged, func() { _ = o.deps.Netlink.DeleteRulePriority(pref) })
		dnsBypass = append(dnsBypass, statestore.RouteBypassRule{Pref: pref, IP: ip.String()})
		p2++
	}

	if err := o.deps.Netlink.AddFwmarkRule(plan.P1Priority, plan.ProxyMark, 0xffffffff, proxyTable); err != nil {
		rollback()
		return apperr.New(apperr.NetlinkRequestFailed, err)
	}
	staged = append(staged, func() { _ = o.deps.Netlink.DeleteRulePriority(plan.P1Priority) })

	if err := o.deps.Mark.Apply(plan.ProxyMark, plan.ProxyIPs); err != nil {
		rollback()
		return apperr.New(apperr.MarkInstallFailed, err)
	}
	staged = append(staged, func() { _ = o.deps.Mark.RemoveBestEffort() })

	if plan.Killswitch {
		if err := o.deps.Firewall.Apply(plan.TunName, plan.ProxyIPs, plan.ProxyPort, plan.DNSAllow, plan.ProxyMark); err != nil {
			rollback()
			return apperr.New(apperr.FirewallInstallFailed, err)
		}
		staged = append(staged, func() { _ = o.deps.Firewall.RemoveBestEffort() })
	}

	if cfg.Verbose && plan.Killswitch {
		for _, ip := range plan.DNSAllow {
			result, err := dnsdiag.QueryA(plan.ProxyHost, net.JoinHostPort(ip.String(), "53"))
			if err != nil {
				log.Printf("dns diagnostic: %s could not resolve %s: %v", ip, plan.ProxyHost, err)
				continue
			}
			log.Printf("dns diagnostic: allow-listed server %s resolves %s to %v (ttl %ds)", ip, plan.ProxyHost, result.IPs, result.TTL)
		}
	}

	st := statestore.NewStateTemplate(statestore.NewStateParams{
		StateDir:   cfg.StateDir,
		TunName:    plan.TunName,
		TunCIDR:    plan.TunCIDR,
		ProxyHost:  plan.ProxyHost,
		ProxyPort:  plan.ProxyPort,
		ProxyIPs:   ipStrings(plan.ProxyIPs),
		ProxyMark:  plan.ProxyMark,
		Killswitch: plan.Killswitch,
		KeepLogs:   cfg.KeepLogs,
		ProxyTable: proxyTable,
	}, o.deps.Now())
	st.ProxyBypassRules = proxyBypass
	st.DNSBypassRules = dnsBypass
	tcpPref := plan.P1Priority
	st.TCPRulePref = &tcpPref
	if plan.Killswitch {
		st.Firewall = &statestore.FirewallState{Backend: "nft", Table: "proxytun", Chain: "output"}
	}
	if err := o.deps.Store.WriteState(st); err != nil {
		rollback()
		return apperr.New(apperr.ConfigInvalid, err)
	}

	fd, err := tun.FD()
	if err != nil {
		rollback()
		return apperr.New(apperr.TunOpenFailed, err)
	}

	mgr := connmgr.New(connmgr.Config{
		ProxyIPs:         plan.ProxyIPs,
		ProxyPort:        plan.ProxyPort,
		Username:         username,
		Password:         password,
		ProxyMark:        plan.ProxyMark,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Verbose:          cfg.Verbose,
	})

	stack, err := o.deps.Netstack.New(fd, defaultMTU, func(flow netstack.AcceptedFlow) {
		mgr.Accept(ctx, flow.Conn, connmgr.Target{
			Host: flow.LocalAddr.String(),
			Port: int(flow.LocalPort),
		})
	})
	if err != nil {
		rollback()
		return apperr.New(apperr.StackPanic, err)
	}
	staged = append(staged, func() { stack.Close() })

	if cfg.Verbose {
		log.Printf("proxytun: up, tun=%s proxy=%s:%d mark=%#x killswitch=%v", plan.TunName, plan.ProxyHost, plan.ProxyPort, plan.ProxyMark, plan.Killswitch)
	}

	<-ctx.Done()

	mgr.CloseAll()
	rollback()
	_ = o.deps.Store.RemoveStateFiles(cfg.KeepLogs)

	return nil
}

// Down tears down a previously staged run using its persisted state,
// mirroring the Rust original's teardown.rs in both order (reverse of
// staging) and in being best-effort throughout: every step runs even if an
// earlier one failed, and every error is collected rather than aborting.
func (o *Orchestrator) Down(cfg Config) error {
	st, err := o.deps.Store.ReadState()
	if err != nil {
		return apperr.New(apperr.ConfigInvalid, err)
	}

	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if st.Firewall != nil {
		record(o.deps.Firewall.RemoveBestEffort())
	}
	record(o.deps.Mark.RemoveBestEffort())
	tcpPref := p1Priority
	if st.TCPRulePref != nil {
		tcpPref = *st.TCPRulePref
	}
	record(o.deps.Netlink.DeleteRulePriority(tcpPref))

	for i := range st.ProxyBypassRules {
		record(o.deps.Netlink.DeleteRulePriority(st.ProxyBypassRules[i].Pref))
	}
	for i := range st.DNSBypassRules {
		record(o.deps.Netlink.DeleteRulePriority(st.DNSBypassRules[i].Pref))
	}
	record(o.deps.Netlink.DeleteRoutesInTable(st.ProxyTable))
	record(o.deps.Tun.Remove(st.TunName))
	record(o.deps.Store.RemoveStateFiles(cfg.KeepLogs || st.KeepLogs))

	if len(errs) > 0 {
		return apperr.Wrap(apperr.NetlinkRequestFailed, "teardown had %d error(s): %v", len(errs), errs[0])
	}
	return nil
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}
