// Package dnsdiag issues a direct DNS query against a specific server,
// bypassing the system resolver, to confirm a DNS allow-list entry can
// still resolve the proxy hostname once the killswitch locks down
// everything else. Grounded on experiments/dns/dnsproxy.go's use of
// miekg/dns's Client/Exchange for a hand-rolled resolver.
package dnsdiag

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Result is what a direct query against one DNS allow-list server found.
type Result struct {
	Server string
	IPs    []net.IP
	TTL    uint32
}

// QueryA asks the server at addr (host:port) directly for host's A
// records.
func QueryA(host, addr string) (Result, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	client := new(dns.Client)
	client.Net = "udp"
	resp, _, err := client.Exchange(msg, addr)
	if err != nil {
		return Result{}, fmt.Errorf("querying %s for %s: %w", addr, host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Result{}, fmt.Errorf("%s answered %s for %s", addr, dns.RcodeToString[resp.Rcode], host)
	}

	result := Result{Server: addr}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		result.IPs = append(result.IPs, a.A)
		result.TTL = a.Hdr.Ttl
	}
	return result, nil
}
