package pdclient

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"
)

// fallbackMAC is used when the interface's hardware address can't be
// read (container networking, test environments).
var fallbackMAC = [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}

// GenerateClientDUID builds a DUID-LL (type 3, Ethernet) from the WAN
// interface's MAC address, falling back to a fixed placeholder MAC
// when the interface's address file can't be read.
func GenerateClientDUID(iface string) []byte {
	mac, ok := readInterfaceMAC(iface)
	if !ok {
		mac = fallbackMAC
	}
	duid := make([]byte, 0, 10)
	var typ, hw [2]byte
	binary.BigEndian.PutUint16(typ[:], 3) // DUID-LL
	binary.BigEndian.PutUint16(hw[:], 1)  // Ethernet
	duid = append(duid, typ[:]...)
	duid = append(duid, hw[:]...)
	duid = append(duid, mac[:]...)
	return duid
}

func readInterfaceMAC(iface string) ([6]byte, bool) {
	var mac [6]byte
	content, err := os.ReadFile("/sys/class/net/" + iface + "/address")
	if err != nil {
		return mac, false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) != 6 {
		return mac, false
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, false
		}
		mac[i] = byte(b)
	}
	return mac, true
}
