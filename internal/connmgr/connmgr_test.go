package connmgr

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeVirtualConn is one end of a net.Pipe standing in for the gvisor
// gonet.TCPConn the real netstack package hands to Accept.
type fakeVirtualConn struct {
	net.Conn
}

func (f fakeVirtualConn) CloseWrite() error {
	return nil
}

func startFakeProxyEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func listenerIPPort(t *testing.T, ln net.Listener) (net.IP, int) {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, addr.Port
}

func TestAcceptRelaysBytesThroughProxy(t *testing.T) {
	ln := startFakeProxyEcho(t)
	defer ln.Close()
	ip, port := listenerIPPort(t, ln)

	m := New(Config{
		ProxyIPs:       []net.IP{ip},
		ProxyPort:      port,
		Username:       "user",
		Password:       "pass",
		ProxyMark:      0,
		ConnectTimeout: 2 * time.Second,
	})

	clientEnd, virtualEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Accept(ctx, fakeVirtualConn{virtualEnd}, Target{Host: "example.com", Port: 443})

	if _, err := clientEnd.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	clientEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	n, err := clientEnd.Read(buf)
	if err != nil {
		t.Fatalf("reading echoed bytes: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}

	clientEnd.Close()
}

func TestCloseAllCancelsActiveFlows(t *testing.T) {
	ln := startFakeProxyEcho(t)
	defer ln.Close()
	ip, port := listenerIPPort(t, ln)

	m := New(Config{
		ProxyIPs:       []net.IP{ip},
		ProxyPort:      port,
		ConnectTimeout: 2 * time.Second,
	})

	_, virtualEnd := net.Pipe()
	ctx := context.Background()
	m.Accept(ctx, fakeVirtualConn{virtualEnd}, Target{Host: "example.com", Port: 443})

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.ActiveCount() == 0 {
		t.Fatal("expected flow to register before CloseAll")
	}

	m.CloseAll()

	deadline = time.Now().Add(2 * time.Second)
	for m.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d after CloseAll, want 0", got)
	}
}

func TestPickProxyIPRoundRobinsAcrossMultipleIPs(t *testing.T) {
	ips := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")}
	m := New(Config{ProxyIPs: ips})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[m.pickProxyIP().String()] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected both proxy IPs to be used, got %v", seen)
	}
}
