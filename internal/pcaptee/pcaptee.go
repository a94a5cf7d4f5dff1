// Package pcaptee taps raw packets flowing over the TUN interface for
// --dump-tcp diagnostics. Grounded on httptap.go's DumpTCP raw packet dump
// (mdlayher/packet.Listen + gopacket decode), narrowed here from a full
// packet dump to a one-line-per-SYN telemetry feed.
package pcaptee

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// Tee listens for raw IP packets on a TUN interface and logs a summary of
// every outbound TCP SYN it observes.
type Tee struct {
	conn *packet.Conn
	mtu  int
}

// Open starts listening for raw packets on the named interface. Requires
// CAP_NET_ADMIN/root, same as the rest of proxytun.
func Open(ifaceName string) (*Tee, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("finding interface %s: %w", ifaceName, err)
	}

	// packet.Datagram: a TUN device carries raw IP packets with no
	// link-layer header, unlike a TAP device which would need packet.Raw.
	conn, err := packet.Listen(iface, packet.Datagram, unix.ETH_P_IP, nil)
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("need root permissions to read raw packets: %w", err)
		}
		return nil, fmt.Errorf("listening for raw packets on %s: %w", ifaceName, err)
	}

	mtu := iface.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	return &Tee{conn: conn, mtu: mtu}, nil
}

// Run reads packets until the tee is closed, logging each TCP SYN it sees.
// Meant to run in its own goroutine; returns once Close is called.
func (t *Tee) Run() {
	buf := make([]byte, t.mtu)
	for {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.NoCopy)
		ipv4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			continue
		}
		tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || !tcpLayer.SYN || tcpLayer.ACK {
			continue
		}

		log.Printf("syn: %s:%d -> %s:%d", ipv4.SrcIP, tcpLayer.SrcPort, ipv4.DstIP, tcpLayer.DstPort)
	}
}

// Close stops the tee. Run's ReadFrom loop returns once the underlying
// socket is closed.
func (t *Tee) Close() error {
	return t.conn.Close()
}
