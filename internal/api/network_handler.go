package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/dnsserver"
	"github.com/homeroute/homeroute/internal/firewall"
	"github.com/homeroute/homeroute/internal/proxy"
)

// NetworkHandler serves the thin admin-facing read/write surface over
// the three static network subsystems, each of which already owns its
// persisted state — this handler only exposes it over REST.
type NetworkHandler struct {
	records    *dnsserver.Records
	proxyTbl   *proxy.Table
	proxyStore *proxy.ConfigStore
	firewall   *firewall.Engine
	validate   *validator.Validate
}

// NewNetworkHandler constructs a NetworkHandler. proxyStore may be nil
// in tests that don't exercise persistence.
func NewNetworkHandler(records *dnsserver.Records, proxyTbl *proxy.Table, proxyStore *proxy.ConfigStore, fw *firewall.Engine) *NetworkHandler {
	return &NetworkHandler{records: records, proxyTbl: proxyTbl, proxyStore: proxyStore, firewall: fw, validate: validator.New()}
}

// DNSRoutes wires /api/dns-ddns.
func (h *NetworkHandler) DNSRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListDNSRecords)
	r.Put("/{name}", h.SetDNSRecord)
	return r
}

// ListDNSRecords implements GET /dns-ddns.
func (h *NetworkHandler) ListDNSRecords(w http.ResponseWriter, r *http.Request) {
	ok(w, h.records.Snapshot())
}

type setDNSRecordRequest struct {
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
}

// SetDNSRecord implements PUT /dns-ddns/{name}.
func (h *NetworkHandler) SetDNSRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setDNSRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if ip := parseIP(req.IPv4); ip != nil {
		h.records.SetA(name, ip)
	}
	if ip := parseIP(req.IPv6); ip != nil {
		h.records.SetAAAA(name, ip)
	}
	ok(w, map[string]any{"success": true})
}

// ReverseProxyRoutes wires /api/reverseproxy.
func (h *NetworkHandler) ReverseProxyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListProxyRoutes)
	r.Put("/{domain}", h.SetProxyRoute)
	return r
}

// ListProxyRoutes implements GET /reverseproxy.
func (h *NetworkHandler) ListProxyRoutes(w http.ResponseWriter, r *http.Request) {
	ok(w, h.proxyTbl.Config())
}

type setProxyRouteRequest struct {
	TargetIP     string `json:"target_ip" validate:"required"`
	TargetPort   int    `json:"target_port" validate:"required,min=1,max=65535"`
	AuthRequired bool   `json:"auth_required"`
	LocalOnly    bool   `json:"local_only"`
	ServiceType  string `json:"service_type"`
}

// SetProxyRoute implements PUT /reverseproxy/{domain}.
func (h *NetworkHandler) SetProxyRoute(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var req setProxyRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	host := proxy.StaticHost{
		Domain: domain, TargetIP: req.TargetIP, TargetPort: req.TargetPort,
		AuthRequired: req.AuthRequired, LocalOnly: req.LocalOnly, ServiceType: req.ServiceType,
	}
	if h.proxyStore != nil {
		cfg, err := h.proxyStore.SetHost(host)
		if err != nil {
			writeError(w, err)
			return
		}
		h.proxyTbl.ReloadConfig(cfg.Routes())
	} else {
		h.proxyTbl.SetAppRoute(domain, proxy.Route{
			Domain: domain, TargetIP: host.TargetIP, TargetPort: host.TargetPort,
			AuthRequired: host.AuthRequired, LocalOnly: host.LocalOnly, ServiceType: host.ServiceType,
		})
	}
	ok(w, map[string]any{"success": true})
}

// FirewallRoutes wires /api/firewall.
func (h *NetworkHandler) FirewallRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListFirewallRules)
	r.Put("/{id}", h.PutFirewallRule)
	return r
}

// ListFirewallRules implements GET /firewall.
func (h *NetworkHandler) ListFirewallRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.firewall.List()
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, rules)
}

type putFirewallRuleRequest struct {
	Description   string `json:"description"`
	Protocol      string `json:"protocol" validate:"required,oneof=tcp udp icmpv6 any"`
	DestPort      int    `json:"dest_port"`
	DestPortEnd   int    `json:"dest_port_end"`
	DestAddress   string `json:"dest_address"`
	SourceAddress string `json:"source_address"`
	Enabled       bool   `json:"enabled"`
}

// PutFirewallRule implements PUT /firewall/{id}.
func (h *NetworkHandler) PutFirewallRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req putFirewallRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	rule := firewall.Rule{
		ID: id, Description: req.Description, Protocol: req.Protocol,
		DestPort: req.DestPort, DestPortEnd: req.DestPortEnd,
		DestAddress: req.DestAddress, SourceAddress: req.SourceAddress, Enabled: req.Enabled,
	}
	if err := h.firewall.Put(rule); err != nil {
		writeError(w, err)
		return
	}
	// Before a prefix is delegated there is no ruleset to reconcile;
	// the rule takes effect on the next prefix-driven apply.
	if err := h.firewall.Reapply(r.Context()); err != nil && !apierr.Is(err, apierr.KindNotInitialized) {
		writeError(w, err)
		return
	}
	ok(w, rule)
}
