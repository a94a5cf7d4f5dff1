// Package connectclient performs the HTTP/1.1 CONNECT handshake against the
// upstream proxy, grounded on the Rust original's proxy crate.
package connectclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/monasticacademy/proxytun/internal/apperr"
	"golang.org/x/sys/unix"
)

// maxBodySnippet bounds how much of a non-2xx CONNECT response body is read
// into the error, per spec.md §4.6's connect-http-error(status,
// body_snippet) shape.
const maxBodySnippet = 512

// defaultHandshakeTimeout is spec.md §5's "CONNECT handshake read (default
// ~5s)" timeout, distinct from the connect (dial) timeout.
const defaultHandshakeTimeout = 5 * time.Second

// Options bounds and tags the dial: an optional SO_MARK value applied to
// the underlying socket (so the kernel's own mark rule and the killswitch's
// mark-based allow rule both recognize this connection, per spec.md §4.5),
// a connect timeout, and a separate handshake-read timeout bounding the
// write of the CONNECT request and the read of its response.
type Options struct {
	SocketMark       *uint32
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Result is a connected, authenticated tunnel plus any bytes the upstream
// sent immediately after its response headers.
type Result struct {
	Conn     net.Conn
	Leftover []byte
}

// Do dials proxyIP:proxyPort, issues CONNECT targetHost:targetPort, and
// authenticates with username/password via HTTP Basic auth.
func Do(ctx context.Context, proxyIP net.IP, proxyPort int, targetHost string, targetPort int, username, password string, opts Options) (*Result, error) {
	conn, err := dial(ctx, proxyIP, proxyPort, opts)
	if err != nil {
		return nil, err
	}

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	// Close conn the moment ctx is cancelled so a stalled proxy can't hold
	// the handshake open past process shutdown; stop watching once the
	// handshake below finishes on its own.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	target := fmt.Sprintf("%s:%d", targetHost, targetPort)
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, apperr.New(handshakeErrorKind(ctx, err), fmt.Errorf("writing CONNECT request: %w", err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, apperr.New(handshakeErrorKind(ctx, err), fmt.Errorf("reading CONNECT response: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
		conn.Close()
		return nil, apperr.New(apperr.ConnectHTTPError, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(snippet))))
	}

	var leftover []byte
	if n := br.Buffered(); n > 0 {
		leftover = make([]byte, n)
		_, _ = io.ReadFull(br, leftover)
	}

	conn.SetDeadline(time.Time{})

	return &Result{Conn: conn, Leftover: leftover}, nil
}

// handshakeErrorKind classifies a write/read failure during the CONNECT
// handshake as a timeout (deadline exceeded or ctx cancelled, the latter
// surfacing as a "closed connection" error once the watchdog above fires)
// versus a malformed exchange.
func handshakeErrorKind(ctx context.Context, err error) apperr.Kind {
	if ctx.Err() != nil {
		return apperr.ConnectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.ConnectTimeout
	}
	return apperr.ConnectMalformed
}

func dial(ctx context.Context, proxyIP net.IP, proxyPort int, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			if opts.SocketMark == nil {
				return nil
			}
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(*opts.SocketMark))
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	addr := fmt.Sprintf("%s:%d", proxyIP.String(), proxyPort)
	conn, err := dialer.DialContext(dialCtx, "tcp4", addr)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.New(apperr.ConnectTimeout, err)
		}
		return nil, apperr.New(apperr.ConnectRefused, err)
	}
	return conn, nil
}
