package dhcpserver

import (
	"context"
	"net"

	"golang.org/x/net/ipv6"
)

// UDPConn is the real Conn implementation: a UDP/547 socket joined
// to the DHCPv6 multicast group ff02::1:2 on the LAN interface, built
// on golang.org/x/net/ipv6's PacketConn.
type UDPConn struct {
	udp *net.UDPConn
	pc  *ipv6.PacketConn
}

// dhcpv6Multicast is the All_DHCP_Relay_Agents_and_Servers group
// (RFC 8415 §7.1).
var dhcpv6Multicast = net.ParseIP("ff02::1:2")

// ListenAndJoin binds UDP:547 and joins ff02::1:2 on iface.
func ListenAndJoin(iface string) (*UDPConn, error) {
	udp, err := net.ListenUDP("udp6", &net.UDPAddr{Port: 547})
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(udp)

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: dhcpv6Multicast}); err != nil {
		_ = udp.Close()
		return nil, err
	}
	return &UDPConn{udp: udp, pc: pc}, nil
}

// ReadFrom implements Conn.
func (c *UDPConn) ReadFrom(ctx context.Context) ([]byte, net.IP, error) {
	type result struct {
		data []byte
		src  net.IP
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 1500)
		n, _, src, err := c.pc.ReadFrom(buf)
		if err != nil {
			done <- result{err: err}
			return
		}
		addr, _ := src.(*net.UDPAddr)
		var ip net.IP
		if addr != nil {
			ip = addr.IP
		}
		done <- result{data: buf[:n], src: ip}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case r := <-done:
		return r.data, r.src, r.err
	}
}

// WriteTo implements Conn.
func (c *UDPConn) WriteTo(ctx context.Context, data []byte, dst net.IP) error {
	_, err := c.pc.WriteTo(data, nil, &net.UDPAddr{IP: dst, Port: 546})
	return err
}

// Close releases the underlying socket.
func (c *UDPConn) Close() error { return c.udp.Close() }
