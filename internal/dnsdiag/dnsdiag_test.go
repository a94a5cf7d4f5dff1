package dnsdiag

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func startFakeDNSServer(t *testing.T, answer func(q dns.Question) []dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for fake dns server: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) > 0 {
			m.Answer = answer(r.Question[0])
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestQueryAReturnsAnswerFromServer(t *testing.T) {
	addr := startFakeDNSServer(t, func(q dns.Question) []dns.RR {
		rr, err := dns.NewRR(q.Name + " 60 IN A 203.0.113.9")
		if err != nil {
			t.Fatalf("building fake rr: %v", err)
		}
		return []dns.RR{rr}
	})

	result, err := QueryA("proxy.example.com", addr)
	if err != nil {
		t.Fatalf("QueryA: %v", err)
	}
	if len(result.IPs) != 1 || result.IPs[0].String() != "203.0.113.9" {
		t.Errorf("unexpected answer: %v", result.IPs)
	}
	if result.TTL != 60 {
		t.Errorf("expected ttl 60, got %d", result.TTL)
	}
}

func TestQueryASucceedsWithNoAnswers(t *testing.T) {
	addr := startFakeDNSServer(t, func(q dns.Question) []dns.RR {
		return nil
	})

	if _, err := QueryA("nxdomain.example.com", addr); err != nil {
		// NOERROR with zero answers is not an error from QueryA's
		// perspective; this call should succeed with an empty Result.
		t.Fatalf("expected success with no answers, got: %v", err)
	}
}

func TestQueryAFailsAgainstUnreachableServer(t *testing.T) {
	_, err := QueryA("proxy.example.com", "198.51.100.1:53")
	if err == nil {
		t.Fatal("expected an error when the server is unreachable")
	}
}
