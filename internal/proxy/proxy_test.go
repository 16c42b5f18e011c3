package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAppRouteAndResolveExactMatch(t *testing.T) {
	table := New()
	table.SetAppRoute("app.example.com", Route{Domain: "app.example.com", TargetIP: "10.0.0.5", TargetPort: 8080})

	cfg := table.Config()
	r, ok := cfg.Resolve("app.example.com")
	require.True(t, ok)
	require.Equal(t, "10.0.0.5:8080", r.target())
}

func TestResolveFallsBackToLongestSuffixWildcard(t *testing.T) {
	table := New()
	table.SetAppRoute("*.apps.example.com", Route{Domain: "*.apps.example.com", TargetIP: "10.0.0.1", TargetPort: 80})
	table.SetAppRoute("*.example.com", Route{Domain: "*.example.com", TargetIP: "10.0.0.2", TargetPort: 80})

	cfg := table.Config()
	r, ok := cfg.Resolve("foo.apps.example.com")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", r.TargetIP)

	r, ok = cfg.Resolve("bar.example.com")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2", r.TargetIP)
}

func TestResolveWildcardNeedsLabelBoundary(t *testing.T) {
	table := New()
	table.SetAppRoute("*.apps.example.com", Route{Domain: "*.apps.example.com", TargetIP: "10.0.0.1", TargetPort: 80})

	cfg := table.Config()
	_, ok := cfg.Resolve("evil-apps.example.com")
	require.False(t, ok)

	_, ok = cfg.Resolve("apps.example.com")
	require.False(t, ok, "wildcard must not cover its own apex")
}

func TestResolveUnknownDomainNotFound(t *testing.T) {
	table := New()
	cfg := table.Config()
	_, ok := cfg.Resolve("nowhere.example.com")
	require.False(t, ok)
}

func TestRemoveAppRoute(t *testing.T) {
	table := New()
	table.SetAppRoute("app.example.com", Route{Domain: "app.example.com"})
	table.RemoveAppRoute("app.example.com")

	_, ok := table.Config().Resolve("app.example.com")
	require.False(t, ok)
}

func TestReloadConfigPreservesAgentOriginRoutes(t *testing.T) {
	table := New()
	table.SetAppRoute("agent.example.com", Route{Domain: "agent.example.com", AgentOrigin: true, TargetIP: "10.0.0.9"})
	table.SetAppRoute("static-old.example.com", Route{Domain: "static-old.example.com", TargetIP: "10.0.0.8"})

	table.ReloadConfig([]Route{
		{Domain: "static-new.example.com", TargetIP: "10.0.0.7"},
	})

	cfg := table.Config()
	_, ok := cfg.Resolve("agent.example.com")
	require.True(t, ok, "agent-origin route must survive a reload")

	_, ok = cfg.Resolve("static-old.example.com")
	require.False(t, ok, "stale static route must be replaced")

	_, ok = cfg.Resolve("static-new.example.com")
	require.True(t, ok)
}

func TestTLSManagerResolvesExactThenWildcard(t *testing.T) {
	m := NewTLSManager()
	exact := &tls.Certificate{Certificate: [][]byte{[]byte("exact")}}
	wild := &tls.Certificate{Certificate: [][]byte{[]byte("wild")}}
	m.SetCertificate("cert-exact", exact, []string{"app.example.com"})
	m.SetCertificate("cert-wild", wild, []string{"*.example.com"})

	got, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.example.com"})
	require.NoError(t, err)
	require.Same(t, exact, got)

	got, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.example.com"})
	require.NoError(t, err)
	require.Same(t, wild, got)
}

func TestTLSManagerUnknownSNIReturnsNotFound(t *testing.T) {
	m := NewTLSManager()
	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.example.com"})
	require.Error(t, err)
}

func TestTLSManagerPruneToDomainsRemovesStale(t *testing.T) {
	m := NewTLSManager()
	m.SetCertificate("c1", &tls.Certificate{}, []string{"a.example.com", "b.example.com"})

	m.PruneToDomains(map[string]bool{"a.example.com": true})

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "b.example.com"})
	require.Error(t, err)
}

func TestServeHTTPReturns404ForUnknownHost(t *testing.T) {
	table := New()
	handler := NewHandler(table, "", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://nowhere.example.com/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPReturns403ForLocalOnlyFromRemote(t *testing.T) {
	table := New()
	table.SetAppRoute("internal.example.com", Route{Domain: "internal.example.com", LocalOnly: true, TargetIP: "10.0.0.1", TargetPort: 80})
	_, cidr, _ := net.ParseCIDR("192.168.1.0/24")
	handler := NewHandler(table, "", nil, []*net.IPNet{cidr})

	req := httptest.NewRequest(http.MethodGet, "http://internal.example.com/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPAllowsLocalOnlyFromLocalCIDR(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host, port, _ := net.SplitHostPort(upstream.Listener.Addr().String())
	table := New()
	table.SetAppRoute("internal.example.com", Route{Domain: "internal.example.com", LocalOnly: true, TargetIP: host, TargetPort: mustAtoi(port)})
	_, cidr, _ := net.ParseCIDR("192.168.1.0/24")
	handler := NewHandler(table, "", nil, []*net.IPNet{cidr})

	req := httptest.NewRequest(http.MethodGet, "http://internal.example.com/", nil)
	req.RemoteAddr = "192.168.1.50:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTPDeniesAuthRequiredOnNon2xx(t *testing.T) {
	table := New()
	table.SetAppRoute("secure.example.com", Route{Domain: "secure.example.com", AuthRequired: true, TargetIP: "10.0.0.1", TargetPort: 80})
	checker := func(r *http.Request, authURL string) (bool, error) { return false, nil }
	handler := NewHandler(table, "https://auth.example.com", checker, nil)

	req := httptest.NewRequest(http.MethodGet, "http://secure.example.com/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPForwardsXForwardedHeaders(t *testing.T) {
	var gotHost, gotFor string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Header.Get("X-Forwarded-Host")
		gotFor = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host, port, _ := net.SplitHostPort(upstream.Listener.Addr().String())
	table := New()
	table.SetAppRoute("app.example.com", Route{Domain: "app.example.com", TargetIP: host, TargetPort: mustAtoi(port)})
	handler := NewHandler(table, "", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "app.example.com", gotHost)
	require.Equal(t, "198.51.100.7", gotFor)
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
