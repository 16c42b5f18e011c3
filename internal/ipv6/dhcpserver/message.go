// Package dhcpserver implements the LAN-side DHCPv6 stateful server:
// SOLICIT->ADVERTISE, REQUEST/RENEW/REBIND->REPLY, RELEASE->REPLY,
// CONFIRM->REPLY, INFORMATION-REQUEST->REPLY, a suffix-range
// allocation scan, and EUI-64/DUID MAC extraction fallbacks. The
// UDP/multicast socket is abstracted behind a Conn interface
// (mirroring pdclient.Transport) so the message handling is
// unit-testable without a real ff02::1:2 join; leases persist through
// internal/store.
package dhcpserver

import (
	"encoding/binary"
)

// DHCPv6 message types used by the stateful server.
const (
	MsgSolicit            byte = 1
	MsgAdvertise          byte = 2
	MsgRequest            byte = 3
	MsgConfirm            byte = 4
	MsgRenew              byte = 5
	MsgRebind             byte = 6
	MsgReply              byte = 7
	MsgRelease            byte = 8
	MsgInformationRequest byte = 11
)

// DHCPv6 option codes used by the stateful server (distinct set from
// pdclient's IA_PD options: this server leases IA_NA addresses, not
// prefixes).
const (
	OptClientID   uint16 = 1
	OptServerID   uint16 = 2
	OptIANA       uint16 = 3
	OptIAAddr     uint16 = 5
	OptElapsed    uint16 = 8
	OptStatusCode uint16 = 13
	OptDNSServers uint16 = 23
)

// Status codes (RFC 8415 §21.13).
const (
	StatusSuccess     uint16 = 0
	StatusNoAddrsAvail uint16 = 2
	StatusNoBinding   uint16 = 3
)

func extractOption(data []byte, code uint16) ([]byte, bool) {
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

func appendOption(buf []byte, code uint16, data []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], code)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, data...)
	return buf
}

// iaNA is the parsed IA_NA option header (IAID+T1+T2); sub-options
// (IAADDR) are not needed on the request path, only on the reply.
type iaNA struct {
	IAID uint32
	T1   uint32
	T2   uint32
}

func parseIANA(data []byte) (iaNA, bool) {
	if len(data) < 12 {
		return iaNA{}, false
	}
	return iaNA{
		IAID: binary.BigEndian.Uint32(data[0:4]),
		T1:   binary.BigEndian.Uint32(data[4:8]),
		T2:   binary.BigEndian.Uint32(data[8:12]),
	}, true
}

// responseParams carries everything buildResponse needs to render a
// reply for one lease (or a status-only reply when lease is nil).
type responseParams struct {
	msgType       byte
	clientDUID    []byte
	serverDUID    []byte
	lease         *Lease
	validSecs     uint32
	preferredSecs uint32
	status        *statusOption
	dns           [][16]byte
}

type statusOption struct {
	Code    uint16
	Message string
}

// buildResponse renders a full DHCPv6 message: type + 3-byte
// transaction ID (caller fills in) + ClientID + ServerID + optional
// IA_NA/IAADDR + optional status code + DNS servers option.
func buildResponse(p responseParams) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, p.msgType, 0, 0, 0) // xid patched by caller

	buf = appendOption(buf, OptClientID, p.clientDUID)
	buf = appendOption(buf, OptServerID, p.serverDUID)

	if p.lease != nil {
		t1 := p.preferredSecs / 2
		t2 := (p.preferredSecs * 4) / 5

		iaAddr := make([]byte, 0, 24)
		iaAddr = append(iaAddr, p.lease.Address...)
		var pref, valid [4]byte
		binary.BigEndian.PutUint32(pref[:], p.preferredSecs)
		binary.BigEndian.PutUint32(valid[:], p.validSecs)
		iaAddr = append(iaAddr, pref[:]...)
		iaAddr = append(iaAddr, valid[:]...)

		iaNAData := make([]byte, 0, 12)
		var iaid, t1b, t2b [4]byte
		binary.BigEndian.PutUint32(iaid[:], p.lease.IAID)
		binary.BigEndian.PutUint32(t1b[:], t1)
		binary.BigEndian.PutUint32(t2b[:], t2)
		iaNAData = append(iaNAData, iaid[:]...)
		iaNAData = append(iaNAData, t1b[:]...)
		iaNAData = append(iaNAData, t2b[:]...)
		iaNAData = appendOption(iaNAData, OptIAAddr, iaAddr)

		buf = appendOption(buf, OptIANA, iaNAData)
	}

	if p.status != nil {
		data := make([]byte, 0, 2+len(p.status.Message))
		var code [2]byte
		binary.BigEndian.PutUint16(code[:], p.status.Code)
		data = append(data, code[:]...)
		data = append(data, []byte(p.status.Message)...)
		buf = appendOption(buf, OptStatusCode, data)
	}

	if len(p.dns) > 0 {
		data := make([]byte, 0, 16*len(p.dns))
		for _, d := range p.dns {
			data = append(data, d[:]...)
		}
		buf = appendOption(buf, OptDNSServers, data)
	}

	return buf
}

func patchXID(reply []byte, xid [3]byte) {
	if len(reply) < 4 {
		return
	}
	reply[1], reply[2], reply[3] = xid[0], xid[1], xid[2]
}
