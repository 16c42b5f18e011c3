package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/dnsserver"
	"github.com/homeroute/homeroute/internal/firewall"
	"github.com/homeroute/homeroute/internal/proxy"
)

func newTestNetworkHandler(t *testing.T) *NetworkHandler {
	t.Helper()
	fw, err := firewall.New(t.TempDir(), firewall.Config{LANInterface: "lan0", DefaultInboundPolicy: "drop"}, nil)
	require.NoError(t, err)
	proxyStore, err := proxy.NewConfigStore(t.TempDir())
	require.NoError(t, err)
	return NewNetworkHandler(dnsserver.NewRecords(), proxy.New(), proxyStore, fw)
}

func TestSetDNSRecordInstallsAAndAAAA(t *testing.T) {
	h := newTestNetworkHandler(t)
	r := chi.NewRouter()
	r.Mount("/dns-ddns", h.DNSRoutes())

	body := `{"ipv4":"10.0.0.5","ipv6":"2001:db8::5"}`
	req := httptest.NewRequest(http.MethodPut, "/dns-ddns/hello.home.arpa.", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	snap := h.records.Snapshot()
	require.Len(t, snap["hello.home.arpa."].A, 1)
	require.Len(t, snap["hello.home.arpa."].AAAA, 1)
}

func TestSetProxyRouteValidation(t *testing.T) {
	h := newTestNetworkHandler(t)
	r := chi.NewRouter()
	r.Mount("/reverseproxy", h.ReverseProxyRoutes())

	req := httptest.NewRequest(http.MethodPut, "/reverseproxy/hello.home.arpa", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetProxyRouteSucceeds(t *testing.T) {
	h := newTestNetworkHandler(t)
	r := chi.NewRouter()
	r.Mount("/reverseproxy", h.ReverseProxyRoutes())

	body := `{"target_ip":"10.0.0.42","target_port":3000,"service_type":"frontend"}`
	req := httptest.NewRequest(http.MethodPut, "/reverseproxy/hello.home.arpa", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cfg := h.proxyTbl.Config()
	route, found := cfg.Resolve("hello.home.arpa")
	require.True(t, found)
	require.Equal(t, "10.0.0.42", route.TargetIP)

	persisted, err := h.proxyStore.Load()
	require.NoError(t, err)
	require.Len(t, persisted.Hosts, 1)
	require.Equal(t, "hello.home.arpa", persisted.Hosts[0].Domain)
}

func TestPutFirewallRuleValidatesProtocol(t *testing.T) {
	h := newTestNetworkHandler(t)
	r := chi.NewRouter()
	r.Mount("/firewall", h.FirewallRoutes())

	req := httptest.NewRequest(http.MethodPut, "/firewall/rule-1", bytes.NewBufferString(`{"protocol":"carrier-pigeon"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutFirewallRuleSucceeds(t *testing.T) {
	h := newTestNetworkHandler(t)
	r := chi.NewRouter()
	r.Mount("/firewall", h.FirewallRoutes())

	body := `{"protocol":"tcp","dest_port":22,"enabled":true}`
	req := httptest.NewRequest(http.MethodPut, "/firewall/ssh", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	rules, err := h.firewall.List()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "ssh", rules[0].ID)
}
