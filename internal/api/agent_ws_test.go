package api

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/dnsserver"
	"github.com/homeroute/homeroute/internal/proxy"
	"github.com/homeroute/homeroute/internal/registry"
)

func newAgentServerFixture(t *testing.T) (*registry.Registry, *registry.ConnectionTable, *proxy.Table, *dnsserver.Records) {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	conns := registry.NewConnectionTable(clock, nil)
	proxyTbl := proxy.New()
	records := dnsserver.NewRecords()

	srv := NewAgentServer(AgentServerConfig{BaseDomain: "home.arpa"},
		reg, conns, NewAgentHub(nil), nil, nil, nil, proxyTbl, nil, records, nil, clock, nil)
	conns.SetOnDisconnect(srv.TeardownApp)
	return reg, conns, proxyTbl, records
}

// Routes and DNS survive while any socket is open and come down only
// when the last one closes.
func TestTeardownFiresOnlyOnLastDisconnect(t *testing.T) {
	reg, conns, proxyTbl, records := newAgentServerFixture(t)

	result, err := reg.Create(registry.CreateRequest{Name: "hello", Slug: "hello"})
	require.NoError(t, err)
	appID := result.Application.ID

	domain := "hello.home.arpa"
	proxyTbl.SetAppRoute(domain, proxy.Route{Domain: domain, TargetIP: "10.0.0.42", TargetPort: 3000, AgentOrigin: true})
	records.SetA(domain, net.ParseIP("10.0.0.42"))
	records.SetA("*."+domain, net.ParseIP("10.0.0.42"))

	conns.Connect(appID)
	conns.Connect(appID)
	require.Equal(t, 2, conns.ActiveCount(appID))

	conns.Disconnect(appID)
	_, found := proxyTbl.Config().Resolve(domain)
	require.True(t, found, "routes must survive while another socket is open")

	conns.Disconnect(appID)
	require.Equal(t, 0, conns.ActiveCount(appID))

	_, found = proxyTbl.Config().Resolve(domain)
	require.False(t, found, "last close must remove routes")

	require.Empty(t, records.Snapshot(), "last close must remove static DNS")

	app, err := reg.Get(appID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusDisconnected, app.Status)
}

func TestSameDomainSetIgnoresOrder(t *testing.T) {
	require.True(t, sameDomainSet([]string{"a.x", "b.x"}, []string{"b.x", "a.x"}))
	require.False(t, sameDomainSet([]string{"a.x"}, []string{"a.x", "b.x"}))
	require.False(t, sameDomainSet([]string{"a.x"}, []string{"c.x"}))
}
