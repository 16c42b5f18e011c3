package ra

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkConfigurer implements LinkConfigurer with
// vishvananda/netlink, managing the LAN-side GUA through rtnetlink
// rather than shelling out to `ip -6 addr`.
type NetlinkConfigurer struct{}

func guaAddr(prefix net.IP, prefixLen uint8) *netlink.Addr {
	out := make(net.IP, 16)
	copy(out, prefix.To16())
	out[15] |= 1 // router takes ::1 within the delegated /64
	return &netlink.Addr{IPNet: &net.IPNet{IP: out, Mask: net.CIDRMask(int(prefixLen), 128)}}
}

// AssignGUA adds <prefix>::1/prefixLen to iface.
func (NetlinkConfigurer) AssignGUA(iface string, prefix net.IP, prefixLen uint8) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("ra: lookup interface %s: %w", iface, err)
	}
	if err := netlink.AddrAdd(link, guaAddr(prefix, prefixLen)); err != nil {
		return fmt.Errorf("ra: assign GUA on %s: %w", iface, err)
	}
	return nil
}

// RemoveGUA removes <prefix>::1/prefixLen from iface.
func (NetlinkConfigurer) RemoveGUA(iface string, prefix net.IP, prefixLen uint8) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("ra: lookup interface %s: %w", iface, err)
	}
	if err := netlink.AddrDel(link, guaAddr(prefix, prefixLen)); err != nil {
		return fmt.Errorf("ra: remove GUA on %s: %w", iface, err)
	}
	return nil
}
