package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/ca"
	"github.com/homeroute/homeroute/internal/dnsserver"
	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/firewall"
	"github.com/homeroute/homeroute/internal/protocol"
	"github.com/homeroute/homeroute/internal/proxy"
	"github.com/homeroute/homeroute/internal/registry"
)

const authTimeout = 5 * time.Second

// CertIssuer is the slice of *ca.CA the agent socket needs: look up or
// issue a leaf certificate for the app's derived domains and fetch the
// root to embed in its Config push.
type CertIssuer interface {
	Issue(domains []string) (ca.Certificate, error)
	Get(id string) (ca.Certificate, error)
	RootPEM() ([]byte, error)
}

// TLSInstaller is the slice of *proxy.TLSManager the agent socket
// needs: bind a freshly issued or reused certificate to its domains so
// the TLS-terminating proxy can serve them.
type TLSInstaller interface {
	SetCertificate(certID string, cert *tls.Certificate, domains []string)
}

// DNSAdapter is the slice of *clouddns.Adapter the agent socket needs.
type DNSAdapter interface {
	UpsertAAAA(ctx context.Context, name, addr string, proxied bool) (string, error)
	UpsertA(ctx context.Context, name, addr string, proxied bool) (string, error)
	Delete(ctx context.Context, recordID string) error
}

// FirewallPutter is the slice of *firewall.Engine the agent socket needs.
type FirewallPutter interface {
	Put(rule firewall.Rule) error
}

// AgentServerConfig carries the static knobs the provisioning cascade
// needs.
type AgentServerConfig struct {
	BaseDomain       string
	HomerouteAuthURL string
	DNSProxied       bool
	// MinAgentVersion, when set, flags agents reporting an older
	// version so the operator knows a redeploy is due. Connections are
	// never refused over version skew.
	MinAgentVersion string
}

// AgentServer upgrades and drives the application-agent WebSocket: the
// Auth/AuthResult handshake, the provisioning cascade, and the runtime
// message loop.
type AgentServer struct {
	cfg      AgentServerConfig
	registry *registry.Registry
	conns    *registry.ConnectionTable
	hub      *AgentHub
	ca       CertIssuer
	dns      DNSAdapter
	fw       FirewallPutter
	proxyTbl *proxy.Table
	tlsStore TLSInstaller
	records  *dnsserver.Records
	bus      *eventbus.Bus
	pending  *protocol.PendingRequests
	clock    clockwork.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	schemaCache map[string]protocol.SchemaMetadata // slug -> metadata
}

// NewAgentServer constructs an AgentServer.
func NewAgentServer(
	cfg AgentServerConfig,
	reg *registry.Registry,
	conns *registry.ConnectionTable,
	hub *AgentHub,
	caSvc CertIssuer,
	dns DNSAdapter,
	fw FirewallPutter,
	proxyTbl *proxy.Table,
	tlsStore TLSInstaller,
	records *dnsserver.Records,
	bus *eventbus.Bus,
	clock clockwork.Clock,
	log *slog.Logger,
) *AgentServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &AgentServer{
		cfg: cfg, registry: reg, conns: conns, hub: hub, ca: caSvc, dns: dns, fw: fw,
		proxyTbl: proxyTbl, tlsStore: tlsStore, records: records, bus: bus, clock: clock, log: log,
		pending:     protocol.NewPendingRequests(clock),
		schemaCache: make(map[string]protocol.SchemaMetadata),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP upgrades the request and drives one agent connection to
// completion; it does not return until the socket closes.
func (s *AgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: agent websocket upgrade failed", "error", err)
		return
	}

	app, ok := s.handshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	c := newConn(ws)
	s.hub.register(app.ID, c)
	s.conns.Connect(app.ID)
	go c.writePump()

	s.log.Info("api: agent connected", "app_id", app.ID, "slug", app.Slug)

	if err := s.provision(context.Background(), app); err != nil {
		s.log.Error("api: provisioning failed", "app_id", app.ID, "error", err)
	}

	s.runLoop(ws, app)

	s.conns.Disconnect(app.ID)
	s.hub.unregister(app.ID, c)
	c.close()
	s.log.Info("api: agent disconnected", "app_id", app.ID)
}

// handshake reads the first frame with a 5s deadline, expects an Auth
// message, authenticates it, and replies with AuthResult.
func (s *AgentServer) handshake(ws *websocket.Conn) (registry.Application, bool) {
	_ = ws.SetReadDeadline(s.clock.Now().Add(authTimeout))
	_, raw, err := ws.ReadMessage()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		s.log.Warn("api: agent auth frame read failed", "error", err)
		return registry.Application{}, false
	}

	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeAuth {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "first frame must be Auth"})
		return registry.Application{}, false
	}
	var auth protocol.Auth
	if err := json.Unmarshal(env.Body, &auth); err != nil {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "malformed Auth body"})
		return registry.Application{}, false
	}

	app, err := s.registry.Authenticate(auth.ServiceName, auth.Token)
	if err != nil {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "authentication failed"})
		return registry.Application{}, false
	}

	if auth.IPv4Address != "" {
		app, _ = s.registry.Update(app.ID, func(a *registry.Application) { a.IPv4Address = auth.IPv4Address })
	}
	if auth.Version != "" {
		app, _ = s.registry.Update(app.ID, func(a *registry.Application) { a.AgentVersion = auth.Version })
		if s.cfg.MinAgentVersion != "" && registry.CompareVersions(auth.Version, s.cfg.MinAgentVersion) < 0 {
			s.log.Warn("api: agent below minimum version",
				"app_id", app.ID, "version", auth.Version, "min_version", s.cfg.MinAgentVersion)
		}
	}
	app, _ = s.registry.Update(app.ID, func(a *registry.Application) { a.Status = registry.StatusConnected })

	s.writeAuthResult(ws, protocol.AuthResult{Success: true, AppID: app.ID})
	return app, true
}

func (s *AgentServer) writeAuthResult(ws *websocket.Conn, result protocol.AuthResult) {
	frame, err := protocol.Encode(protocol.TypeAuthResult, result)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

// derivedDomains returns the frontend and per-API domains declared by
// app.
func (s *AgentServer) derivedDomains(app registry.Application) []string {
	var domains []string
	if app.Frontend != nil {
		domains = append(domains, fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain))
	}
	for _, ep := range app.APIs {
		domains = append(domains, fmt.Sprintf("%s.%s.%s", ep.Name, app.Slug, s.cfg.BaseDomain))
	}
	if len(domains) == 0 {
		domains = append(domains, fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain))
	}
	return domains
}

// provision runs the on-connect provisioning cascade: certificate,
// cloud DNS, firewall rule, then the Config push.
func (s *AgentServer) provision(ctx context.Context, app registry.Application) error {
	domains := s.derivedDomains(app)

	cert, err := s.ensureCertificate(app, domains)
	if err != nil {
		return apierr.Wrap("", err, "issue certificate for "+app.Slug)
	}
	rootPEM, err := s.ca.RootPEM()
	if err != nil {
		return apierr.Wrap("", err, "fetch root PEM")
	}

	if s.tlsStore != nil {
		if keyPair, err := tls.LoadX509KeyPair(cert.CertPath, cert.KeyPath); err != nil {
			s.log.Warn("api: load issued certificate for TLS store failed", "cert_id", cert.ID, "error", err)
		} else {
			s.tlsStore.SetCertificate(cert.ID, &keyPair, cert.Domains)
		}
	}

	var recordIDs []string
	if s.dns != nil && app.IPv6Address != "" {
		for _, d := range domains {
			id, err := s.dns.UpsertAAAA(ctx, d, app.IPv6Address, s.cfg.DNSProxied)
			if err != nil {
				s.log.Warn("api: cloud-dns upsert failed", "domain", d, "error", err)
				continue
			}
			recordIDs = append(recordIDs, id)
		}
	}

	if err := s.fw.Put(firewall.Rule{
		ID:          "agent-" + app.ID,
		Description: "agent " + app.Slug,
		Protocol:    "tcp",
		DestPort:    443,
		DestAddress: app.IPv6Address + "/128",
		Enabled:     app.IPv6Address != "",
	}); err != nil {
		s.log.Warn("api: firewall rule provisioning failed", "app_id", app.ID, "error", err)
	}

	var routes []protocol.Route
	if app.Frontend != nil {
		domain := fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain)
		routes = append(routes, protocol.Route{Domain: domain, TargetPort: app.Frontend.TargetPort, AuthRequired: app.Frontend.AuthRequired, ServiceType: "frontend"})
		s.proxyTbl.SetAppRoute(domain, proxy.Route{Domain: domain, TargetIP: app.IPv4Address, TargetPort: app.Frontend.TargetPort, AuthRequired: app.Frontend.AuthRequired, ServiceType: "frontend", AgentOrigin: true})
	}
	for _, ep := range app.APIs {
		domain := fmt.Sprintf("%s.%s.%s", ep.Name, app.Slug, s.cfg.BaseDomain)
		routes = append(routes, protocol.Route{Domain: domain, TargetPort: ep.TargetPort, AuthRequired: ep.AuthRequired, ServiceType: ep.Name})
		s.proxyTbl.SetAppRoute(domain, proxy.Route{Domain: domain, TargetIP: app.IPv4Address, TargetPort: ep.TargetPort, AuthRequired: ep.AuthRequired, ServiceType: ep.Name, AgentOrigin: true})
	}

	if _, err := s.registry.Update(app.ID, func(a *registry.Application) {
		a.CertIDs = []string{cert.ID}
		a.RecordIDs = recordIDs
	}); err != nil {
		s.log.Warn("api: persist provisioning result failed", "app_id", app.ID, "error", err)
	}

	s.hub.sendEnvelope(app.ID, protocol.TypeConfig, protocol.Config{
		ConfigVersion:    s.clock.Now().Unix(),
		IPv6:             app.IPv6Address,
		Routes:           routes,
		CAPEM:            string(rootPEM),
		HomerouteAuthURL: s.cfg.HomerouteAuthURL,
	})
	return nil
}

// ensureCertificate reuses a still-valid certificate already owned by
// app when its domain set matches, issuing a fresh one otherwise, so a
// reconnecting agent does not mint a new leaf every time.
func (s *AgentServer) ensureCertificate(app registry.Application, domains []string) (ca.Certificate, error) {
	now := s.clock.Now()
	for _, id := range app.CertIDs {
		cert, err := s.ca.Get(id)
		if err != nil {
			continue
		}
		if sameDomainSet(cert.Domains, domains) && cert.ExpiresAt.After(now) {
			return cert, nil
		}
	}
	return s.ca.Issue(domains)
}

func sameDomainSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// TeardownApp removes an application's published routes and static DNS
// records and marks it disconnected. The connection table invokes it
// when the app's last socket closes or its heartbeat goes stale.
func (s *AgentServer) TeardownApp(appID string) {
	app, err := s.registry.Get(appID)
	if err != nil {
		return
	}
	for _, d := range s.derivedDomains(app) {
		s.proxyTbl.RemoveAppRoute(d)
	}
	domain := fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain)
	s.records.Remove(domain)
	s.records.Remove("*." + domain)
	_, _ = s.registry.Update(appID, func(a *registry.Application) { a.Status = registry.StatusDisconnected })
	s.log.Info("api: agent torn down", "app_id", appID, "slug", app.Slug)
}

// RepushConfig re-sends a Config frame to appID, used by the CA's
// renewal hook.
func (s *AgentServer) RepushConfig(appID string) {
	app, err := s.registry.Get(appID)
	if err != nil {
		return
	}
	if err := s.provision(context.Background(), app); err != nil {
		s.log.Warn("api: config re-push failed", "app_id", appID, "error", err)
	}
}

// runLoop processes runtime messages until the socket closes.
func (s *AgentServer) runLoop(ws *websocket.Conn, app registry.Application) {
	for {
		mtype, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mtype != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			s.log.Warn("api: malformed agent frame", "app_id", app.ID, "error", err)
			continue
		}
		s.handleRuntimeMessage(app, env)
	}
}

func (s *AgentServer) handleRuntimeMessage(app registry.Application, env protocol.Envelope) {
	agentMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()
	switch env.Type {
	case protocol.TypeHeartbeat:
		s.conns.Heartbeat(app.ID)

	case protocol.TypeMetrics:
		s.conns.Heartbeat(app.ID)
		var m protocol.Metrics
		if json.Unmarshal(env.Body, &m) == nil && s.bus != nil {
			s.bus.Publish(eventbus.TopicMetrics, struct {
				AppID  string             `json:"app_id"`
				Values map[string]float64 `json:"values"`
			}{AppID: app.ID, Values: m.Values})
		}

	case protocol.TypeServiceStateChanged:
		var ssc protocol.ServiceStateChanged
		if json.Unmarshal(env.Body, &ssc) == nil && s.bus != nil {
			s.bus.Publish(eventbus.TopicServiceState, struct {
				AppID string `json:"app_id"`
				protocol.ServiceStateChanged
			}{AppID: app.ID, ServiceStateChanged: ssc})
		}

	case protocol.TypeSchemaMetadata:
		var sm protocol.SchemaMetadata
		if json.Unmarshal(env.Body, &sm) == nil {
			s.mu.Lock()
			s.schemaCache[app.Slug] = sm
			s.mu.Unlock()
		}

	case protocol.TypeDataverseQueryResult:
		var result protocol.DataverseQueryResult
		if json.Unmarshal(env.Body, &result) == nil {
			s.pending.Resolve(result.RequestID, env.Body)
		}

	case protocol.TypeGetDataverseSchemas:
		var req protocol.GetDataverseSchemas
		if json.Unmarshal(env.Body, &req) == nil {
			s.mu.Lock()
			schemas := make(map[string]protocol.SchemaMetadata, len(s.schemaCache))
			for slug, sm := range s.schemaCache {
				if slug != app.Slug {
					schemas[slug] = sm
				}
			}
			s.mu.Unlock()
			s.hub.sendEnvelope(app.ID, protocol.TypeDataverseSchemas, protocol.DataverseSchemas{RequestID: req.RequestID, Schemas: schemas})
		}

	case protocol.TypeIPUpdate:
		var upd protocol.IPUpdate
		if json.Unmarshal(env.Body, &upd) == nil {
			s.handleIPUpdate(app, upd)
		}

	case protocol.TypePublishRoutes:
		var pub protocol.PublishRoutes
		if json.Unmarshal(env.Body, &pub) == nil {
			s.handlePublishRoutes(app, pub)
		}

	case protocol.TypeConfigAck:
		// idempotent acknowledgement; nothing to do.

	default:
		s.log.Debug("api: unhandled agent message type", "app_id", app.ID, "type", env.Type)
	}
}

// handleIPUpdate removes stale static DNS, updates the catalogue, and
// re-publishes static DNS for the new address.
func (s *AgentServer) handleIPUpdate(app registry.Application, upd protocol.IPUpdate) {
	domain := fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain)
	s.records.Remove(domain)
	s.records.Remove("*." + domain)

	updated, err := s.registry.Update(app.ID, func(a *registry.Application) {
		if upd.IPv4Address != "" {
			a.IPv4Address = upd.IPv4Address
		}
		if upd.IPv6Address != "" {
			a.IPv6Address = upd.IPv6Address
		}
	})
	if err != nil {
		s.log.Warn("api: catalogue update on IpUpdate failed", "app_id", app.ID, "error", err)
		return
	}

	if ip := parseIP(updated.IPv4Address); ip != nil {
		s.records.SetA(domain, ip)
		s.records.SetA("*."+domain, ip)
	}
	if ip := parseIP(updated.IPv6Address); ip != nil {
		s.records.SetAAAA(domain, ip)
		s.records.SetAAAA("*."+domain, ip)
	}
}

// handlePublishRoutes clears the app's previously published routes and
// installs the declared set, plus local static DNS.
func (s *AgentServer) handlePublishRoutes(app registry.Application, pub protocol.PublishRoutes) {
	for _, d := range s.derivedDomains(app) {
		s.proxyTbl.RemoveAppRoute(d)
	}

	for _, r := range pub.Routes {
		s.proxyTbl.SetAppRoute(r.Domain, proxy.Route{
			Domain: r.Domain, TargetIP: app.IPv4Address, TargetPort: r.TargetPort,
			AuthRequired: r.AuthRequired, LocalOnly: r.LocalOnly, ServiceType: r.ServiceType, AgentOrigin: true,
		})
	}

	domain := fmt.Sprintf("%s.%s", app.Slug, s.cfg.BaseDomain)
	wildcard := fmt.Sprintf("*.%s.%s", app.Slug, s.cfg.BaseDomain)
	if ip := parseIP(app.IPv4Address); ip != nil {
		s.records.SetA(domain, ip)
		s.records.SetA(wildcard, ip)
	}
	if ip := parseIP(app.IPv6Address); ip != nil {
		s.records.SetAAAA(domain, ip)
		s.records.SetAAAA(wildcard, ip)
	}
}
