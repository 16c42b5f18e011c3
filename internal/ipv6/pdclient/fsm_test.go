package pdclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeTransport answers SOLICIT with ADVERTISE and REQUEST/RENEW/REBIND
// with REPLY, always delegating the same /56 prefix.
type fakeTransport struct {
	serverDUID []byte
}

func (f *fakeTransport) iaPDReply(iaid uint32) []byte {
	plen := uint8(56)
	return buildIAPD(iaid, 3600, 7200, &plen)
}

func (f *fakeTransport) SendReceive(ctx context.Context, msg []byte, xid XID, wantTypes []byte, timeout time.Duration) ([]byte, error) {
	switch msg[0] {
	case MsgSolicit:
		buf := []byte{MsgAdvertise}
		buf = append(buf, xid[:]...)
		buf = appendOption(buf, OptServerID, f.serverDUID)
		prefixData := make([]byte, 0, 25)
		prefixData = append(prefixData, 0, 0, 0x0e, 0x10)
		prefixData = append(prefixData, 0, 0, 0x1c, 0x20)
		prefixData = append(prefixData, 56)
		prefixData = append(prefixData, net.ParseIP("2001:db8:abcd::").To16()...)
		iaPD := make([]byte, 12)
		iaPD = appendOption(iaPD, OptIAPrefix, prefixData)
		buf = appendOption(buf, OptIAPD, iaPD)
		return buf, nil
	case MsgRequest, MsgRenew, MsgRebind:
		buf := []byte{MsgReply}
		buf = append(buf, xid[:]...)
		prefixData := make([]byte, 0, 25)
		prefixData = append(prefixData, 0, 0, 0x0e, 0x10)
		prefixData = append(prefixData, 0, 0, 0x1c, 0x20)
		prefixData = append(prefixData, 56)
		prefixData = append(prefixData, net.ParseIP("2001:db8:abcd::").To16()...)
		iaPD := make([]byte, 12)
		iaPD = appendOption(iaPD, OptIAPrefix, prefixData)
		buf = appendOption(buf, OptIAPD, iaPD)
		return buf, nil
	}
	return nil, nil
}

func TestClientRunBindsAndPublishesPrefix(t *testing.T) {
	dataDir := t.TempDir()
	states, err := NewStateStore(dataDir)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	client := New(Config{WANInterface: "eth0", Enabled: true, SubnetID: 1, HintLen: 56},
		&fakeTransport{serverDUID: []byte{0, 2, 1, 2, 3}}, states, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case info := <-client.Prefixes():
		require.NotNil(t, info)
		require.True(t, info.Prefix.Equal(net.ParseIP("2001:db8:abcd:1::")))
		require.Equal(t, uint8(64), info.PrefixLen)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a prefix to be published")
	}

	cancel()
	<-done
}

func TestClientRunDisabledBlocksUntilCanceled(t *testing.T) {
	dataDir := t.TempDir()
	states, err := NewStateStore(dataDir)
	require.NoError(t, err)

	client := New(Config{Enabled: false}, &fakeTransport{}, states, clockwork.NewFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("disabled client should not return before cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	<-done
}
