package dhcpserver

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
)

func newTestStore(t *testing.T) *LeaseStore {
	t.Helper()
	s, err := NewLeaseStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func testPrefix() net.IP { return net.ParseIP("2001:db8:abcd:1::") }

func solicitPacket(duid []byte, iaid uint32) []byte {
	buf := []byte{MsgSolicit, 0xaa, 0xbb, 0xcc}
	buf = appendOption(buf, OptClientID, duid)
	iaData := make([]byte, 12)
	binary.BigEndian.PutUint32(iaData[0:4], iaid)
	buf = appendOption(buf, OptIANA, iaData)
	return buf
}

func TestHandleSolicitAllocatesAddress(t *testing.T) {
	leases := newTestStore(t)
	prefix := &pdclient.PrefixInfo{Prefix: testPrefix(), PrefixLen: 64}
	s := New(Config{Enabled: true, RangeStart: 0x100, RangeEnd: 0xffff, ValidLifetime: time.Hour}, nil, leases, func() *pdclient.PrefixInfo { return prefix }, clockwork.NewFakeClock(), nil)

	duid := []byte{0, 3, 0, 1, 1, 2, 3, 4, 5, 6}
	reply := s.handle(solicitPacket(duid, 7), net.ParseIP("fe80::1"))
	require.NotNil(t, reply)
	require.Equal(t, MsgAdvertise, reply[0])

	lease, ok, err := leases.FindByDUID(duid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), lease.IAID)
	require.True(t, lease.Address.Equal(net.ParseIP("2001:db8:abcd:1::100")))
}

func TestHandleSolicitNoPrefixYieldsNoReply(t *testing.T) {
	leases := newTestStore(t)
	s := New(Config{Enabled: true, RangeStart: 1, RangeEnd: 2, ValidLifetime: time.Hour}, nil, leases, func() *pdclient.PrefixInfo { return nil }, clockwork.NewFakeClock(), nil)
	reply := s.handle(solicitPacket([]byte{0, 3, 0, 1, 9, 9, 9, 9, 9, 9}, 1), net.ParseIP("fe80::1"))
	require.Nil(t, reply)
}

func TestAllocateExhaustionReturnsNoAddrsAvail(t *testing.T) {
	leases := newTestStore(t)
	prefix := testPrefix()
	now := time.Now()

	_, ok, err := leases.Allocate(now, []byte{1}, 1, "", prefix, 1, 1, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = leases.Allocate(now, []byte{2}, 1, "", prefix, 1, 1, time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "range of size 1 already consumed by a different DUID")
}

func TestReleaseAndRelease(t *testing.T) {
	leases := newTestStore(t)
	prefix := testPrefix()
	duid := []byte{1, 2, 3}
	_, ok, err := leases.Allocate(time.Now(), duid, 1, "", prefix, 1, 10, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := leases.Release(duid)
	require.NoError(t, err)
	require.True(t, released)

	_, ok, err = leases.FindByDUID(duid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	leases := newTestStore(t)
	prefix := testPrefix()
	past := time.Now().Add(-2 * time.Hour)
	_, ok, err := leases.Allocate(past, []byte{9}, 1, "", prefix, 1, 10, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := leases.PurgeExpired(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestExtractMACFromLinkLocal(t *testing.T) {
	addr := net.ParseIP("fe80::0211:22ff:fe33:4455")
	mac, ok := extractMACFromLinkLocal(addr)
	require.True(t, ok)
	require.Equal(t, "00:11:22:33:44:55", mac)

	_, ok = extractMACFromLinkLocal(net.ParseIP("2001:db8::1"))
	require.False(t, ok)
}

func TestExtractMACFromDUID(t *testing.T) {
	duidLL := []byte{0, 3, 0, 1, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	mac, ok := extractMACFromDUID(duidLL)
	require.True(t, ok)
	require.Equal(t, "0a:0b:0c:0d:0e:0f", mac)
}

func TestConfirmAcceptsLeaseOnCurrentPrefix(t *testing.T) {
	leases := newTestStore(t)
	prefix := &pdclient.PrefixInfo{Prefix: testPrefix(), PrefixLen: 64}
	duid := []byte{1, 2, 3}
	_, ok, err := leases.Allocate(time.Now(), duid, 1, "", prefix.Prefix, 1, 10, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s := New(Config{Enabled: true}, nil, leases, func() *pdclient.PrefixInfo { return prefix }, clockwork.NewFakeClock(), nil)
	reply := s.handleConfirm(duid, prefix)
	require.NotNil(t, reply)
}
