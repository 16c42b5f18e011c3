// Package pdclient implements the DHCPv6 Prefix Delegation client
// that runs on the WAN interface: the RFC 8415 IA_PD subset (message
// types, option codes, IA_PD encoding) plus the
// solicit/request/renew/rebind FSM. The FSM is driven through an
// injected Transport interface and a clockwork.Clock so the
// retry waits are unit-testable without a real socket or real sleeps.
package pdclient

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/homeroute/homeroute/internal/apierr"
)

// DHCPv6 message types (RFC 8415 §7.3).
const (
	MsgSolicit   byte = 1
	MsgAdvertise byte = 2
	MsgRequest   byte = 3
	MsgRenew     byte = 5
	MsgRebind    byte = 6
	MsgReply     byte = 7
)

// DHCPv6 option codes used by this client.
const (
	OptClientID    uint16 = 1
	OptServerID    uint16 = 2
	OptIAPD        uint16 = 25
	OptIAPrefix    uint16 = 26
	OptElapsedTime uint16 = 8
	OptStatusCode  uint16 = 13
)

// XID is the 3-byte DHCPv6 transaction ID.
type XID [3]byte

func appendOption(buf []byte, code uint16, data []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], code)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, data...)
	return buf
}

// buildIAPD encodes IA_PD option data: IAID(4) + T1(4) + T2(4) + an
// optional IA_PREFIX hint sub-option.
func buildIAPD(iaid uint32, t1, t2 uint32, hintPrefixLen *uint8) []byte {
	data := make([]byte, 12)
	binary.BigEndian.PutUint32(data[0:4], iaid)
	binary.BigEndian.PutUint32(data[4:8], t1)
	binary.BigEndian.PutUint32(data[8:12], t2)

	if hintPrefixLen != nil {
		prefixData := make([]byte, 0, 25)
		prefixData = append(prefixData, 0, 0, 0, 0) // preferred lifetime
		prefixData = append(prefixData, 0, 0, 0, 0) // valid lifetime
		prefixData = append(prefixData, *hintPrefixLen)
		prefixData = append(prefixData, net.IPv6unspecified.To16()...)

		data = appendOption(data, OptIAPrefix, prefixData)
	}
	return data
}

// BuildSolicit builds a SOLICIT message carrying an IA_PD hint.
func BuildSolicit(xid XID, clientDUID []byte, iaid uint32, hintLen uint8) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, MsgSolicit)
	buf = append(buf, xid[:]...)
	buf = appendOption(buf, OptClientID, clientDUID)
	buf = appendOption(buf, OptElapsedTime, []byte{0, 0})
	buf = appendOption(buf, OptIAPD, buildIAPD(iaid, 0, 0, &hintLen))
	return buf
}

// BuildRequest builds a REQUEST echoing the IA_PD data from an ADVERTISE.
func BuildRequest(xid XID, clientDUID, serverDUID []byte, iaPDFromAdvertise []byte) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, MsgRequest)
	buf = append(buf, xid[:]...)
	buf = appendOption(buf, OptClientID, clientDUID)
	buf = appendOption(buf, OptServerID, serverDUID)
	buf = appendOption(buf, OptElapsedTime, []byte{0, 0})
	buf = appendOption(buf, OptIAPD, iaPDFromAdvertise)
	return buf
}

// BuildRenew builds a RENEW.
func BuildRenew(xid XID, clientDUID, serverDUID []byte, iaid uint32, hintLen uint8) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, MsgRenew)
	buf = append(buf, xid[:]...)
	buf = appendOption(buf, OptClientID, clientDUID)
	buf = appendOption(buf, OptServerID, serverDUID)
	buf = appendOption(buf, OptElapsedTime, []byte{0, 0})
	buf = appendOption(buf, OptIAPD, buildIAPD(iaid, 0, 0, &hintLen))
	return buf
}

// BuildRebind builds a REBIND (no server DUID: any server may reply).
func BuildRebind(xid XID, clientDUID []byte, iaid uint32, hintLen uint8) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, MsgRebind)
	buf = append(buf, xid[:]...)
	buf = appendOption(buf, OptClientID, clientDUID)
	buf = appendOption(buf, OptElapsedTime, []byte{0, 0})
	buf = appendOption(buf, OptIAPD, buildIAPD(iaid, 0, 0, &hintLen))
	return buf
}

// ExtractOption returns the first option of the given code from a full
// DHCPv6 message (after its 4-byte type+xid header).
func ExtractOption(msg []byte, code uint16) ([]byte, bool) {
	if len(msg) < 4 {
		return nil, false
	}
	return extractOptionFromSlice(msg[4:], code)
}

func extractOptionFromSlice(data []byte, code uint16) ([]byte, bool) {
	offset := 0
	for offset+4 <= len(data) {
		c := binary.BigEndian.Uint16(data[offset : offset+2])
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+length > len(data) {
			break
		}
		if c == code {
			return data[offset : offset+length], true
		}
		offset += length
	}
	return nil, false
}

// IAPrefixInfo is one delegated prefix carried in an IA_PD option.
type IAPrefixInfo struct {
	PreferredLifetime uint32
	ValidLifetime     uint32
	PrefixLen         uint8
	Prefix            net.IP
}

// IAPDInfo is the parsed contents of an IA_PD option.
type IAPDInfo struct {
	T1       uint32
	T2       uint32
	Prefixes []IAPrefixInfo
}

// ParseIAPD parses IA_PD option data into T1/T2 and any delegated
// prefixes. A non-zero IA_PD-scoped status code is treated as an
// error.
func ParseIAPD(data []byte) (IAPDInfo, error) {
	if len(data) < 12 {
		return IAPDInfo{}, apierr.New(apierr.KindProtocolParse, "IA_PD option shorter than 12 bytes")
	}
	info := IAPDInfo{
		T1: binary.BigEndian.Uint32(data[4:8]),
		T2: binary.BigEndian.Uint32(data[8:12]),
	}

	offset := 12
	for offset+4 <= len(data) {
		code := binary.BigEndian.Uint16(data[offset : offset+2])
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+length > len(data) {
			break
		}

		switch {
		case code == OptIAPrefix && length >= 25:
			sub := data[offset : offset+length]
			octets := make(net.IP, 16)
			copy(octets, sub[9:25])
			info.Prefixes = append(info.Prefixes, IAPrefixInfo{
				PreferredLifetime: binary.BigEndian.Uint32(sub[0:4]),
				ValidLifetime:     binary.BigEndian.Uint32(sub[4:8]),
				PrefixLen:         sub[8],
				Prefix:            octets,
			})
		case code == OptStatusCode && length >= 2:
			status := binary.BigEndian.Uint16(data[offset : offset+2])
			if status != 0 {
				return IAPDInfo{}, apierr.New(apierr.KindProtocolParse, fmt.Sprintf("IA_PD status code %d", status))
			}
		}
		offset += length
	}
	return info, nil
}

// topLevelStatus returns the top-level STATUS_CODE option's code, if
// present; options nested inside IA_PD are not searched here (ParseIAPD
// rejects a non-zero IA_PD-scoped status). A non-zero code fails the
// whole exchange.
func topLevelStatus(msg []byte) (uint16, string, bool) {
	data, ok := ExtractOption(msg, OptStatusCode)
	if !ok || len(data) < 2 {
		return 0, "", false
	}
	code := binary.BigEndian.Uint16(data[0:2])
	msgText := ""
	if len(data) > 2 {
		msgText = string(data[2:])
	}
	return code, msgText, true
}
