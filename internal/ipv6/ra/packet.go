// Package ra implements the LAN-side Router Advertisement sender:
// periodic RAs with M=1/O=1, Prefix Information (L=1,A=1) and RDNSS
// options, one deprecation RA on prefix withdrawal (no pause follows:
// the next RA, without a prefix option, is sent at once and periodic
// RAs continue), and three rapid RAs on rotation. The raw ICMPv6 socket is built on
// golang.org/x/net/icmp + golang.org/x/net/ipv6 (hop limit 255); LAN
// GUA assignment/removal is delegated to vishvananda/netlink.
package ra

import (
	"encoding/binary"
	"net"
)

const (
	icmpTypeRouterAdvertisement = 134
	optPrefixInformation        = 3
	optRDNSS                    = 25
)

// prefixOption is one prefix advertised in an RA.
type prefixOption struct {
	Addr              net.IP
	Len               uint8
	ValidLifetime     uint32
	PreferredLifetime uint32
}

// buildPacket renders a full RA: ICMPv6 header (type 134, code 0,
// checksum left zero for the kernel to fill via ICMPv6 pseudo-header
// checksumming), Cur Hop Limit 64, flags M=1 O=1, Router Lifetime,
// zeroed Reachable/Retrans timers, one Prefix Information option per
// prefix (L=1,A=1), and one RDNSS option per configured recursive
// resolver.
func buildPacket(raLifetimeSecs uint32, prefixes []prefixOption, dnsServers []net.IP) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, icmpTypeRouterAdvertisement, 0, 0, 0) // type, code, checksum(2)

	buf = append(buf, 64) // Cur Hop Limit
	buf = append(buf, 0x80|0x40) // M=1 (managed), O=1 (other-config)

	var lifetime [2]byte
	binary.BigEndian.PutUint16(lifetime[:], uint16(raLifetimeSecs))
	buf = append(buf, lifetime[:]...)
	buf = append(buf, 0, 0, 0, 0) // Reachable Time
	buf = append(buf, 0, 0, 0, 0) // Retrans Timer

	for _, p := range prefixes {
		buf = append(buf, optPrefixInformation, 4, p.Len, 0xC0) // L=1, A=1 (SLAAC permitted)
		var valid, preferred, reserved [4]byte
		binary.BigEndian.PutUint32(valid[:], p.ValidLifetime)
		binary.BigEndian.PutUint32(preferred[:], p.PreferredLifetime)
		buf = append(buf, valid[:]...)
		buf = append(buf, preferred[:]...)
		buf = append(buf, reserved[:]...)
		buf = append(buf, p.Addr.To16()...)
	}

	for _, dns := range dnsServers {
		v6 := dns.To16()
		if v6 == nil {
			continue
		}
		buf = append(buf, optRDNSS, 3, 0, 0) // type, length=3 (24 bytes), reserved
		var lt [4]byte
		binary.BigEndian.PutUint32(lt[:], raLifetimeSecs)
		buf = append(buf, lt[:]...)
		buf = append(buf, v6...)
	}

	return buf
}

// deprecationPacket announces old with valid=preferred=0 so clients
// stop using it immediately.
func deprecationPacket(raLifetimeSecs uint32, old prefixOption) []byte {
	old.ValidLifetime = 0
	old.PreferredLifetime = 0
	return buildPacket(raLifetimeSecs, []prefixOption{old}, nil)
}
