package ra

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSocket) Send(_ context.Context, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type linkEvent struct {
	op     string
	prefix net.IP
}

type fakeLink struct {
	mu     sync.Mutex
	events []linkEvent
}

func (f *fakeLink) AssignGUA(_ string, prefix net.IP, _ uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, linkEvent{"assign", prefix})
	return nil
}

func (f *fakeLink) RemoveGUA(_ string, prefix net.IP, _ uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, linkEvent{"remove", prefix})
	return nil
}

func (f *fakeLink) snapshot() []linkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]linkEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestBuildPacketSetsManagedFlagsAndPrefix(t *testing.T) {
	pkt := buildPacket(600, []prefixOption{{Addr: net.ParseIP("2001:db8::"), Len: 64, ValidLifetime: 86400, PreferredLifetime: 14400}}, []net.IP{net.ParseIP("2001:db8::53")})
	require.Equal(t, byte(icmpTypeRouterAdvertisement), pkt[0])
	require.Equal(t, byte(0xC0), pkt[5]) // M=1, O=1
	require.Equal(t, byte(optPrefixInformation), pkt[16])
	require.Equal(t, byte(0xC0), pkt[19]) // L=1, A=1
}

func TestDeprecationPacketZeroesPrefixLifetimesOnly(t *testing.T) {
	old := prefixOption{Addr: net.ParseIP("2001:db8::"), Len: 64, ValidLifetime: 86400, PreferredLifetime: 14400}
	pkt := deprecationPacket(600, old)

	var routerLifetime uint16
	routerLifetime = uint16(pkt[6])<<8 | uint16(pkt[7])
	require.Equal(t, uint16(600), routerLifetime, "router lifetime field must stay at the configured value")

	validOffset := 16 + 4
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(0), pkt[validOffset+i], "prefix valid/preferred lifetime must be zeroed")
	}
}

func TestSenderAssignsGUAOnFirstPrefix(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sock := &fakeSocket{}
	link := &fakeLink{}
	s := New(Config{Enabled: true, Interface: "lan0", Lifetime: 600 * time.Second}, sock, link, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	prefixCh := make(chan *pdclient.PrefixInfo, 1)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, prefixCh) }()

	prefix := &pdclient.PrefixInfo{Prefix: net.ParseIP("2001:db8:abcd::"), PrefixLen: 64, ValidLifetime: 86400, PreferredLifetime: 14400}
	prefixCh <- prefix

	require.Eventually(t, func() bool { return len(link.snapshot()) >= 1 }, time.Second, time.Millisecond)
	events := link.snapshot()
	require.Equal(t, "assign", events[0].op)
	require.True(t, events[0].prefix.Equal(prefix.Prefix))

	cancel()
	<-done
}

func TestSenderSendsDeprecationOnWithdrawal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sock := &fakeSocket{}
	link := &fakeLink{}
	s := New(Config{Enabled: true, Interface: "lan0", Lifetime: 600 * time.Second}, sock, link, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	prefixCh := make(chan *pdclient.PrefixInfo, 1)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, prefixCh) }()

	prefix := &pdclient.PrefixInfo{Prefix: net.ParseIP("2001:db8:abcd::"), PrefixLen: 64, ValidLifetime: 86400, PreferredLifetime: 14400}
	prefixCh <- prefix
	require.Eventually(t, func() bool { return len(link.snapshot()) >= 1 }, time.Second, time.Millisecond)
	// Advance the fake clock through the 1 s gaps between the three rapid
	// RAs: initial RA + 3 rapid RAs + the RA sent when the loop resumes.
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return sock.count() >= 5
	}, time.Second, time.Millisecond)

	before := sock.count()
	prefixCh <- nil
	require.Eventually(t, func() bool { return sock.count() > before }, time.Second, time.Millisecond)

	events := link.snapshot()
	require.Equal(t, "remove", events[len(events)-1].op)

	cancel()
	<-done
}

func TestSenderDisabledBlocksUntilCanceled(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeSocket{}, &fakeLink{}, clockwork.NewFakeClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan *pdclient.PrefixInfo)) }()
	cancel()
	err := <-done
	require.Error(t, err)
}
