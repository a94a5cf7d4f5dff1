// Package netctl wraps github.com/vishvananda/netlink operations needed by
// the orchestrator: routes and policy rules. This
// is the Go analog of the Rust original's netlink crate (which wraps
// rtnetlink), and reuses the same library httptap already depends on for
// its own TUN/link/route setup.
package netctl

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

type Controller struct{}

func New() *Controller {
	return &Controller{}
}

// AddDefaultRouteToTable installs 0.0.0.0/0 dev <ifindex> table <table>.
func (c *Controller) AddDefaultRouteToTable(ifIndex, table int) error {
	route := &netlink.Route{
		LinkIndex: ifIndex,
		Table:     table,
		Dst:       nil,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("adding default route to table %d via if %d: %w", table, ifIndex, err)
	}
	return nil
}

// AddFwmarkRule installs the P1 policy rule: packets whose fwmark matches
// mark under mask are sent to table. mask should be the full 32-bit mask
// (0xffffffff) so only an exact mark match applies, per the invariant in
// the data model.
func (c *Controller) AddFwmarkRule(priority int, mark, mask uint32, table int) error {
	rule := netlink.NewRule()
	rule.Priority = priority
	rule.Mark = mark
	rule.Mask = &mask
	rule.Table = table
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("adding fwmark rule pref=%d mark=%#x table=%d: %w", priority, mark, table, err)
	}
	return nil
}

// AddBypassRuleToIP installs a P2 bypass rule: traffic destined for ip is
// routed via mainTable, avoiding the routing loop that the fwmark rule
// would otherwise create for the proxy's own upstream connections.
func (c *Controller) AddBypassRuleToIP(priority int, ip net.IP, mainTable int) error {
	rule := netlink.NewRule()
	rule.Priority = priority
	rule.Table = mainTable
	rule.Dst = &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("adding bypass rule pref=%d dst=%s table=%d: %w", priority, ip, mainTable, err)
	}
	return nil
}

// DeleteRulePriority removes every policy rule at priority.
func (c *Controller) DeleteRulePriority(priority int) error {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	var firstErr error
	for _, r := range rules {
		if r.Priority != priority {
			continue
		}
		rc := r
		if err := netlink.RuleDel(&rc); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting rule pref=%d: %w", priority, err)
		}
	}
	return firstErr
}

// DeleteRoutesInTable removes every route installed in table.
func (c *Controller) DeleteRoutesInTable(table int) error {
	filter := &netlink.Route{Table: table}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return fmt.Errorf("listing routes in table %d: %w", table, err)
	}
	var firstErr error
	for _, route := range routes {
		rc := route
		if err := netlink.RouteDel(&rc); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting route in table %d: %w", table, err)
		}
	}
	return firstErr
}

// ExistingRulePriorities returns the set of priorities already in use by
// any policy rule on the host, for use with NextFreePriority. The
// orchestrator installs its rules at fixed priorities and does not call it.
func (c *Controller) ExistingRulePriorities() (map[int]bool, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	used := make(map[int]bool, len(rules))
	for _, r := range rules {
		used[r.Priority] = true
	}
	return used, nil
}

// NextFreePriority returns the first value >= start not already present in
// used, mirroring the original's next_pref collision-avoidance helper.
func NextFreePriority(used map[int]bool, start int) int {
	p := start
	for used[p] {
		p++
	}
	return p
}
