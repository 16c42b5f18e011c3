package ra

import (
	"context"
	"net"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// allRoutersMulticast is ff02::1, the all-nodes-on-link multicast
// address RAs are sent to.
var allRoutersMulticast = &net.UDPAddr{IP: net.ParseIP("ff02::1")}

// ICMPSocket is the real Socket implementation: a raw ICMPv6 socket
// bound to iface with hop limit 255 (RFC 4861 requires Hop Limit 255
// on all ND messages).
type ICMPSocket struct {
	conn *ipv6.PacketConn
	cm   *ipv6.ControlMessage
}

// NewICMPSocket opens a raw ICMPv6 socket and binds its outbound
// control message to iface.
func NewICMPSocket(iface string) (*ICMPSocket, error) {
	c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, err
	}
	pc := c.IPv6PacketConn()
	if err := pc.SetHopLimit(255); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := pc.SetMulticastHopLimit(255); err != nil {
		_ = c.Close()
		return nil, err
	}

	var cm *ipv6.ControlMessage
	if ifi, err := net.InterfaceByName(iface); err == nil {
		cm = &ipv6.ControlMessage{IfIndex: ifi.Index}
	}

	return &ICMPSocket{conn: pc, cm: cm}, nil
}

// Send transmits packet (an already-built ICMPv6 RA) to ff02::1.
func (s *ICMPSocket) Send(ctx context.Context, packet []byte) error {
	_, err := s.conn.WriteTo(packet, s.cm, allRoutersMulticast)
	return err
}

// Close releases the underlying socket.
func (s *ICMPSocket) Close() error { return s.conn.Close() }
