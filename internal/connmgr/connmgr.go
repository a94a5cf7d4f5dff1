// Package connmgr implements the connection manager (spec.md §4.5): for
// every accepted virtual flow, it opens a marked CONNECT tunnel to the
// upstream proxy and relays bytes bidirectionally until either side
// closes. The flow registry uses the arena+index pattern spec.md's Design
// Notes §9 calls for: a single map owned by the registry, keyed by a
// monotonic handle, with pump goroutines carrying only the handle.
package connmgr

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/connectclient"
)

// Handle is a stable arena index for one active flow.
type Handle uint64

// Target identifies the original destination the virtual client dialed.
type Target struct {
	Host string
	Port int
}

// Config carries everything the manager needs to open CONNECT tunnels.
type Config struct {
	ProxyIPs         []net.IP
	ProxyPort        int
	Username         string
	Password         string
	ProxyMark        uint32
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	Verbose          bool
}

type flow struct {
	handle Handle
	local  net.Conn // the virtual side, inside the TUN
	cancel context.CancelFunc
}

// Manager owns the flow registry and dispatches each accepted virtual
// connection to a CONNECT tunnel.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	flows    map[Handle]*flow
	nextID   atomic.Uint64

	nextProxyIP atomic.Uint64 // round-robins across cfg.ProxyIPs
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, flows: make(map[Handle]*flow)}
}

// Accept takes ownership of an accepted virtual connection and its original
// destination, and begins relaying it in the background. ctx is the
// process-wide shutdown context; the flow's own lifetime is bounded by it.
func (m *Manager) Accept(ctx context.Context, local net.Conn, target Target) {
	handle := Handle(m.nextID.Add(1))
	flowCtx, cancel := context.WithCancel(ctx)

	f := &flow{handle: handle, local: local, cancel: cancel}
	m.mu.Lock()
	m.flows[handle] = f
	m.mu.Unlock()

	go m.run(flowCtx, f, target)
}

// ActiveCount reports how many flows are currently open, for diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// CloseAll cancels every active flow, used at shutdown with the ~1s grace
// period spec.md §5 describes -- callers should cancel ctx and then give
// flows a short window to unwind before the process exits.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	for _, f := range flows {
		f.cancel()
	}
}

func (m *Manager) remove(handle Handle) {
	m.mu.Lock()
	delete(m.flows, handle)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, f *flow, target Target) {
	defer f.cancel()
	defer m.remove(f.handle)
	defer f.local.Close()

	proxyIP := m.pickProxyIP()
	mark := m.cfg.ProxyMark

	result, err := connectclient.Do(ctx, proxyIP, m.cfg.ProxyPort, target.Host, target.Port, m.cfg.Username, m.cfg.Password, connectclient.Options{
		SocketMark:       &mark,
		ConnectTimeout:   m.cfg.ConnectTimeout,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	})
	if err != nil {
		if m.cfg.Verbose {
			var appErr *apperr.AppError
			kind := apperr.Kind("connect-error")
			if ok := errorsAs(err, &appErr); ok {
				kind = appErr.Kind
			}
			log.Printf("flow %d: %s:%d failed: %s", f.handle, target.Host, target.Port, kind)
		}
		return
	}
	defer result.Conn.Close()

	if len(result.Leftover) > 0 {
		if _, err := f.local.Write(result.Leftover); err != nil {
			return
		}
	}

	pump(ctx, f.local, result.Conn)
}

func (m *Manager) pickProxyIP() net.IP {
	if len(m.cfg.ProxyIPs) == 1 {
		return m.cfg.ProxyIPs[0]
	}
	i := m.nextProxyIP.Add(1) % uint64(len(m.cfg.ProxyIPs))
	return m.cfg.ProxyIPs[i]
}

// pump runs the two unidirectional byte pumps described in spec.md §4.5
// step 3: local<->upstream, propagating EOF via half-close and cancelling
// both directions on the first fatal error or on ctx cancellation.
func pump(ctx context.Context, local, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		_, _ = io.Copy(upstream, local)
		closeWrite(upstream)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		_, _ = io.Copy(local, upstream)
		closeWrite(local)
	}()

	select {
	case <-done:
		// one direction reached EOF/error; give the other a moment to
		// drain before forcing both closed.
		select {
		case <-done:
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// errorsAs is a tiny indirection so this file doesn't need to import
// "errors" just for one call site used only under --verbose.
func errorsAs(err error, target **apperr.AppError) bool {
	for err != nil {
		if ae, ok := err.(*apperr.AppError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
