// Package proxy implements the reverse-proxy route table and TLS SNI
// resolver: a domain→route map mutated live by agent PublishRoutes
// and static config reloads, served through immutable snapshots, with
// request forwarding built on net/http/httputil's ReverseProxy.
package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"

	"github.com/homeroute/homeroute/internal/apierr"
)

// Route is one domain's proxy target.
type Route struct {
	Domain       string
	TargetIP     string
	TargetPort   int
	AuthRequired bool
	LocalOnly    bool
	ServiceType  string
	// AgentOrigin distinguishes routes published by a connected agent
	// (PublishRoutes) from routes loaded from the static
	// reverseproxy-config.json, so a reload can preserve the former.
	AgentOrigin bool
}

func (r Route) target() string { return net.JoinHostPort(r.TargetIP, strconv.Itoa(r.TargetPort)) }

// Config is an immutable snapshot of the route table, handed out to
// request-serving goroutines.
type Config struct {
	Routes   map[string]Route
	Wildcard map[string]Route // suffix (without leading "*.") -> route
}

// Table owns the mutable route table; Config snapshots are copy-on-read.
type Table struct {
	mu       sync.RWMutex
	routes   map[string]Route
	wildcard map[string]Route
}

// New constructs an empty route table.
func New() *Table {
	return &Table{routes: make(map[string]Route), wildcard: make(map[string]Route)}
}

// SetAppRoute installs or replaces a single domain's route — the
// O(1) hot-path mutation used by the agent registry.
func (t *Table) SetAppRoute(domain string, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.HasPrefix(domain, "*.") {
		t.wildcard[strings.TrimPrefix(domain, "*.")] = r
		return
	}
	t.routes[domain] = r
}

// RemoveAppRoute deletes a single domain's route.
func (t *Table) RemoveAppRoute(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.HasPrefix(domain, "*.") {
		delete(t.wildcard, strings.TrimPrefix(domain, "*."))
		return
	}
	delete(t.routes, domain)
}

// ReloadConfig replaces every non-agent-origin route with the supplied
// static set, preserving agent-published entries untouched.
func (t *Table) ReloadConfig(staticRoutes []Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keptRoutes := make(map[string]Route)
	keptWildcard := make(map[string]Route)
	for domain, r := range t.routes {
		if r.AgentOrigin {
			keptRoutes[domain] = r
		}
	}
	for suffix, r := range t.wildcard {
		if r.AgentOrigin {
			keptWildcard[suffix] = r
		}
	}

	for _, r := range staticRoutes {
		if strings.HasPrefix(r.Domain, "*.") {
			keptWildcard[strings.TrimPrefix(r.Domain, "*.")] = r
			continue
		}
		keptRoutes[r.Domain] = r
	}

	t.routes = keptRoutes
	t.wildcard = keptWildcard
}

// Config returns an immutable snapshot for request serving.
func (t *Table) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make(map[string]Route, len(t.routes))
	for k, v := range t.routes {
		routes[k] = v
	}
	wildcard := make(map[string]Route, len(t.wildcard))
	for k, v := range t.wildcard {
		wildcard[k] = v
	}
	return Config{Routes: routes, Wildcard: wildcard}
}

// Resolve looks up domain in c: exact match first, then longest-suffix
// wildcard match, matching standard TLS SNI semantics. Wildcard
// suffixes only match at a label boundary ("*.a.b" covers "x.a.b",
// never "xa.b").
func (c Config) Resolve(domain string) (Route, bool) {
	if r, ok := c.Routes[domain]; ok {
		return r, true
	}
	best := ""
	var bestRoute Route
	found := false
	for suffix, r := range c.Wildcard {
		if strings.HasSuffix(domain, "."+suffix) && len(suffix) > len(best) {
			best = suffix
			bestRoute = r
			found = true
		}
	}
	return bestRoute, found
}

// TLSManager keeps a domain → certificate map and resolves SNI
// ClientHellos against it.
type TLSManager struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate // key: cert_id
	byDom map[string]string           // domain -> cert_id
}

// NewTLSManager constructs an empty TLS manager.
func NewTLSManager() *TLSManager {
	return &TLSManager{certs: make(map[string]*tls.Certificate), byDom: make(map[string]string)}
}

// SetCertificate associates certID with a loaded certificate and binds
// it to one or more domains.
func (m *TLSManager) SetCertificate(certID string, cert *tls.Certificate, domains []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs[certID] = cert
	for _, d := range domains {
		m.byDom[d] = certID
	}
}

// PruneToDomains removes certificate bindings for domains no longer
// present in the current route set.
func (m *TLSManager) PruneToDomains(live map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for domain := range m.byDom {
		if !live[domain] {
			delete(m.byDom, domain)
		}
	}
}

// GetCertificate implements tls.Config.GetCertificate: exact match
// first, then longest-suffix wildcard.
func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if certID, ok := m.byDom[hello.ServerName]; ok {
		if cert, ok := m.certs[certID]; ok {
			return cert, nil
		}
	}
	best := ""
	var bestCertID string
	for domain, certID := range m.byDom {
		if strings.HasPrefix(domain, "*.") {
			suffix := strings.TrimPrefix(domain, "*.")
			if strings.HasSuffix(hello.ServerName, "."+suffix) && len(suffix) > len(best) {
				best = suffix
				bestCertID = certID
			}
		}
	}
	if bestCertID != "" {
		if cert, ok := m.certs[bestCertID]; ok {
			return cert, nil
		}
	}
	return nil, apierr.NotFound("no certificate for SNI %q", hello.ServerName)
}

// AuthChecker forwards a request to homerouteAuthURL and reports
// whether it returned a 2xx status.
type AuthChecker func(r *http.Request, homerouteAuthURL string) (bool, error)

// Handler serves proxied requests: resolve the route, enforce
// local-only and auth policy, then forward.
type Handler struct {
	table      *Table
	authURL    string
	checkAuth  AuthChecker
	localCIDRs []*net.IPNet
}

// NewHandler constructs a request handler bound to table.
func NewHandler(table *Table, authURL string, checkAuth AuthChecker, localCIDRs []*net.IPNet) *Handler {
	return &Handler{table: table, authURL: authURL, checkAuth: checkAuth, localCIDRs: localCIDRs}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.table.Config()
	route, ok := cfg.Resolve(hostOnly(r.Host))
	if !ok {
		http.NotFound(w, r)
		return
	}

	if route.LocalOnly && !h.isLocal(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if route.AuthRequired && h.checkAuth != nil {
		ok, err := h.checkAuth(r, h.authURL)
		if err != nil || !ok {
			http.Error(w, "unauthorized", http.StatusForbidden)
			return
		}
	}

	target := route.target()
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = target
			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Forwarded-Proto", "https")
			if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				req.Header.Set("X-Forwarded-For", ip)
			}
		},
	}
	proxy.ServeHTTP(w, r)
}

// hostOnly strips an explicit port from a Host header value, if any.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (h *Handler) isLocal(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range h.localCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

