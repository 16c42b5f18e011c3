package pdclient

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dhcpv6ServerGroup is the All_DHCP_Relay_Agents_and_Servers multicast
// address every SOLICIT/REQUEST/RENEW/REBIND is sent to (RFC 8415
// §7.1).
var dhcpv6ServerGroup = net.ParseIP("ff02::1:2")

// UDPTransport is the real Transport implementation: a client-bound
// UDP/546 socket on the WAN interface.
type UDPTransport struct {
	conn *net.UDPConn
	zone string
}

// NewUDPTransport binds UDP:546 for the DHCPv6-PD exchange and pins
// the socket to iface with SO_BINDTODEVICE so replies are only read
// from the WAN side.
func NewUDPTransport(iface string) (*UDPTransport, error) {
	if _, err := net.InterfaceByName(iface); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var soErr error
			err := rc.Control(func(fd uintptr) {
				soErr = unix.BindToDevice(int(fd), iface)
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp6", ":546")
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: pc.(*net.UDPConn), zone: iface}, nil
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// SendReceive implements Transport: send msg to the DHCPv6 server
// multicast group, then read replies until one matches xid and a
// type in wantTypes, or timeout elapses.
func (t *UDPTransport) SendReceive(ctx context.Context, msg []byte, xid XID, wantTypes []byte, timeout time.Duration) ([]byte, error) {
	if _, err := t.conn.WriteToUDP(msg, &net.UDPAddr{IP: dhcpv6ServerGroup, Port: 547, Zone: t.zone}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1500)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(remaining))

		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if n < 4 {
			continue
		}
		reply := make([]byte, n)
		copy(reply, buf[:n])

		if !matchesXID(reply, xid) || !matchesType(reply, wantTypes) {
			continue
		}
		return reply, nil
	}
}

func matchesXID(msg []byte, xid XID) bool {
	return len(msg) >= 4 && msg[1] == xid[0] && msg[2] == xid[1] && msg[3] == xid[2]
}

func matchesType(msg []byte, wantTypes []byte) bool {
	if len(msg) == 0 {
		return false
	}
	for _, t := range wantTypes {
		if msg[0] == t {
			return true
		}
	}
	return false
}
