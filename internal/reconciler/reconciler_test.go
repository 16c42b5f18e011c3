package reconciler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/ipv6/pdclient"
	"github.com/homeroute/homeroute/internal/protocol"
)

type fakeApps struct {
	mu   sync.Mutex
	apps []AppRecord
}

func (f *fakeApps) ListAddressable() ([]AppRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AppRecord, len(f.apps))
	copy(out, f.apps)
	return out, nil
}

func (f *fakeApps) SetAddresses(id string, addr net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.apps {
		if f.apps[i].ID == id {
			f.apps[i].IPv6Address = addr
		}
	}
	return nil
}

type dnsCall struct {
	name, addr string
}

type fakeDNS struct {
	mu    sync.Mutex
	calls []dnsCall
}

func (f *fakeDNS) UpsertAAAA(_ context.Context, name, addr string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dnsCall{name, addr})
	return "rec-1", nil
}

type fakeFirewall struct {
	mu      sync.Mutex
	rules   []FirewallRule
	applied []string
}

func (f *fakeFirewall) Put(rule FirewallRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
	return nil
}

func (f *fakeFirewall) Apply(_ context.Context, lanPrefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, lanPrefix)
	return nil
}

type fakePusher struct {
	mu  sync.Mutex
	msg map[string]protocol.IPUpdate
}

func (f *fakePusher) Push(appID string, msg protocol.IPUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msg == nil {
		f.msg = make(map[string]protocol.IPUpdate)
	}
	f.msg[appID] = msg
	return true
}

func TestReconcileAssignsAddressAndUpdatesCollaborators(t *testing.T) {
	apps := &fakeApps{apps: []AppRecord{{ID: "app-1", Slug: "hello", Suffix: 1}}}
	dns := &fakeDNS{}
	fw := &fakeFirewall{}
	pusher := &fakePusher{}

	r := New(Config{BaseDomain: "home.arpa"}, apps, dns, fw, pusher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan *pdclient.PrefixInfo, 1)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ch) }()

	ch <- &pdclient.PrefixInfo{Prefix: net.ParseIP("2001:db8:abcd:1::"), PrefixLen: 64}

	require.Eventually(t, func() bool {
		addrs, _ := apps.ListAddressable()
		return addrs[0].IPv6Address != nil
	}, time.Second, time.Millisecond)

	addrs, _ := apps.ListAddressable()
	require.True(t, addrs[0].IPv6Address.Equal(net.ParseIP("2001:db8:abcd:1::1")))

	dns.mu.Lock()
	require.Len(t, dns.calls, 1)
	require.Equal(t, "hello.home.arpa", dns.calls[0].name)
	require.Equal(t, "2001:db8:abcd:1::1", dns.calls[0].addr)
	dns.mu.Unlock()

	fw.mu.Lock()
	require.Len(t, fw.rules, 1)
	require.Equal(t, "agent-app-1", fw.rules[0].ID)
	require.Equal(t, "2001:db8:abcd:1::1/128", fw.rules[0].DestAddress)
	require.Equal(t, []string{"2001:db8:abcd:1::/64"}, fw.applied)
	fw.mu.Unlock()

	pusher.mu.Lock()
	require.Equal(t, "2001:db8:abcd:1::1", pusher.msg["app-1"].IPv6Address)
	pusher.mu.Unlock()

	cancel()
	<-done
}

func TestReconcileWithdrawalNullsAddressButKeepsEntry(t *testing.T) {
	apps := &fakeApps{apps: []AppRecord{{ID: "app-1", Slug: "hello", Suffix: 1, IPv6Address: net.ParseIP("2001:db8:abcd:1::1")}}}
	r := New(Config{BaseDomain: "home.arpa"}, apps, &fakeDNS{}, &fakeFirewall{}, &fakePusher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan *pdclient.PrefixInfo, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ch) }()

	ch <- nil

	require.Eventually(t, func() bool {
		addrs, _ := apps.ListAddressable()
		return addrs[0].IPv6Address == nil
	}, time.Second, time.Millisecond)

	addrs, _ := apps.ListAddressable()
	require.Len(t, addrs, 1, "withdrawal must not drop the catalogue entry")

	cancel()
	<-done
}
