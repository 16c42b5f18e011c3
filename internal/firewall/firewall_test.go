package firewall

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(t.TempDir(), Config{LANInterface: "eth1", DefaultInboundPolicy: "drop"}, slog.Default())
	require.NoError(t, err)
	return e
}

func TestBuildRendersBaselineClausesAlways(t *testing.T) {
	e := newTestEngine(t)
	out := e.build(nil, "2001:db8:abcd:1::/64")

	require.Contains(t, out, "flush ruleset ip6")
	require.Contains(t, out, "table ip6 homeroute_fw {")
	require.Contains(t, out, "ct state established,related accept")
	require.Contains(t, out, "meta l4proto icmpv6 accept")
	require.Contains(t, out, `iifname "eth1" accept`)
	require.Contains(t, out, `oifname "eth1" ip6 daddr 2001:db8:abcd:1::/64 drop`)
}

func TestBuildRendersTCPRuleWithPort(t *testing.T) {
	e := newTestEngine(t)
	out := e.build([]Rule{{
		ID: "agent-app1", Protocol: "tcp", DestPort: 443, Enabled: true,
		DestAddress: "2001:db8:abcd:1::1/128",
	}}, "2001:db8:abcd:1::/64")

	require.Contains(t, out, `ip6 daddr 2001:db8:abcd:1::1/128 meta l4proto tcp tcp dport 443 accept`)
}

func TestBuildRendersPortRangeOnlyWhenEndGreaterThanStart(t *testing.T) {
	e := newTestEngine(t)

	ranged := e.build([]Rule{{ID: "r1", Protocol: "udp", DestPort: 5000, DestPortEnd: 5010, Enabled: true}}, "")
	require.Contains(t, ranged, "udp dport 5000-5010")

	single := e.build([]Rule{{ID: "r1", Protocol: "udp", DestPort: 5000, DestPortEnd: 0, Enabled: true}}, "")
	require.Contains(t, single, "udp dport 5000")
	require.NotContains(t, single, "5000-")
}

func TestBuildSkipsDisabledRules(t *testing.T) {
	e := newTestEngine(t)
	out := e.build([]Rule{{ID: "r1", Protocol: "tcp", DestPort: 22, Enabled: false}}, "")
	require.NotContains(t, out, "tcp dport 22")
}

func TestBuildSkipsUnknownProtocol(t *testing.T) {
	e := newTestEngine(t)
	out := e.build([]Rule{{ID: "r1", Protocol: "sctp", Enabled: true}}, "")
	require.NotContains(t, out, "sctp")
}

func TestBuildOrdersRulesByID(t *testing.T) {
	e := newTestEngine(t)
	out := e.build([]Rule{
		{ID: "zzz", Protocol: "icmpv6", Enabled: true},
		{ID: "aaa", Protocol: "tcp", DestPort: 80, Enabled: true},
	}, "")

	tcpIdx := indexOf(out, "tcp dport 80")
	icmpIdx := indexOf(out, `oifname "eth1" meta l4proto icmpv6 accept`)
	require.GreaterOrEqual(t, tcpIdx, 0)
	require.GreaterOrEqual(t, icmpIdx, 0)
	require.Greater(t, icmpIdx, tcpIdx)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestPutThenListRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put(Rule{ID: "r1", Protocol: "tcp", DestPort: 443, Enabled: true}))

	rules, err := e.List()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].ID)
}

func TestPutReplacesExistingID(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put(Rule{ID: "r1", Protocol: "tcp", DestPort: 443, Enabled: true}))
	require.NoError(t, e.Put(Rule{ID: "r1", Protocol: "tcp", DestPort: 8443, Enabled: true}))

	rules, err := e.List()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 8443, rules[0].DestPort)
}

func TestRemoveDeletesRule(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Put(Rule{ID: "r1", Protocol: "tcp", DestPort: 443, Enabled: true}))
	require.NoError(t, e.Remove("r1"))

	rules, err := e.List()
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestApplyUsesInjectedExecutor(t *testing.T) {
	e := newTestEngine(t)
	var captured string
	e.exec = func(ctx context.Context, stdin string) error {
		captured = stdin
		return nil
	}
	require.NoError(t, e.Put(Rule{ID: "r1", Protocol: "tcp", DestPort: 443, Enabled: true}))

	require.NoError(t, e.Apply(context.Background(), "2001:db8:abcd:1::/64"))
	require.Contains(t, captured, "tcp dport 443")
}
