package dhcpserver

import (
	"encoding/binary"
	"fmt"
	"net"
)

// extractMACFromLinkLocal inverts the EUI-64 transform to recover a
// MAC address from a link-local source IP. Returns ok=false for any
// address that isn't link-local or doesn't carry the ff:fe EUI-64
// marker (e.g. a privacy-extension or manually configured address).
func extractMACFromLinkLocal(addr net.IP) (string, bool) {
	ip := addr.To16()
	if ip == nil {
		return "", false
	}
	if ip[0] != 0xfe || ip[1]&0xc0 != 0x80 {
		return "", false
	}
	if ip[11] != 0xff || ip[12] != 0xfe {
		return "", false
	}
	mac := [6]byte{ip[8] ^ 0x02, ip[9], ip[10], ip[13], ip[14], ip[15]}
	return formatMAC(mac), true
}

// extractMACFromDUID recovers a MAC from a DUID-LLT (type 1) or
// DUID-LL (type 3) carrying an Ethernet link-layer address, the
// fallback when the source address isn't EUI-64.
func extractMACFromDUID(duid []byte) (string, bool) {
	if len(duid) < 4 {
		return "", false
	}
	duidType := binary.BigEndian.Uint16(duid[0:2])
	hwType := binary.BigEndian.Uint16(duid[2:4])
	if hwType != 1 { // Ethernet only
		return "", false
	}

	var macBytes []byte
	switch duidType {
	case 1: // DUID-LLT: type(2)+hw(2)+time(4)+mac(6)
		if len(duid) >= 14 {
			macBytes = duid[8:14]
		}
	case 3: // DUID-LL: type(2)+hw(2)+mac(6)
		if len(duid) >= 10 {
			macBytes = duid[4:10]
		}
	}
	if macBytes == nil {
		return "", false
	}
	var mac [6]byte
	copy(mac[:], macBytes)
	return formatMAC(mac), true
}

func formatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// effectiveMAC prefers the link-local-derived MAC, then the DUID.
func effectiveMAC(fromLinkLocal string, duid []byte) string {
	if fromLinkLocal != "" {
		return fromLinkLocal
	}
	if mac, ok := extractMACFromDUID(duid); ok {
		return mac
	}
	return ""
}
