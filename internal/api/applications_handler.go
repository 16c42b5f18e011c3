package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/protocol"
	"github.com/homeroute/homeroute/internal/registry"
)

// CertRevoker is the slice of *ca.CA the delete cascade needs.
type CertRevoker interface {
	Revoke(id string) error
}

// FirewallRemover is the slice of *firewall.Engine the delete cascade
// needs.
type FirewallRemover interface {
	Remove(id string) error
}

// ApplicationsHandler serves the REST endpoints under
// /api/applications: one handler type per resource, constructed with
// its service-layer collaborators, exposing a chi.Router-returning
// Routes() method. The delete cascade tears down everything an
// application owns: cloud DNS records, its firewall rule, its
// certificates, and its published routes.
type ApplicationsHandler struct {
	registry *registry.Registry
	agents   *AgentHub
	hosts    *HostAgentServer
	teardown func(appID string)
	certs    CertRevoker
	dns      DNSAdapter
	fw       FirewallRemover
	validate *validator.Validate
	log      *slog.Logger
}

// NewApplicationsHandler constructs an ApplicationsHandler. teardown,
// certs, dns, and fw may be nil in tests that exercise only the
// non-cascading endpoints.
func NewApplicationsHandler(
	reg *registry.Registry,
	agents *AgentHub,
	hosts *HostAgentServer,
	teardown func(appID string),
	certs CertRevoker,
	dns DNSAdapter,
	fw FirewallRemover,
	log *slog.Logger,
) *ApplicationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ApplicationsHandler{
		registry: reg, agents: agents, hosts: hosts,
		teardown: teardown, certs: certs, dns: dns, fw: fw,
		validate: validator.New(), log: log,
	}
}

// Routes wires the applications resource's endpoints.
func (h *ApplicationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.GetApplication)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/regenerate-token", h.RegenerateToken)
	r.Post("/{id}/services/{serviceType}/start", h.StartService)
	r.Post("/{id}/services/{serviceType}/stop", h.StopService)
	r.Put("/{id}/power-policy", h.UpdatePowerPolicy)
	r.Post("/{id}/deploy", h.Deploy)
	r.Post("/{id}/prod/push", h.ProdPush)
	r.Post("/{id}/prod/exec", h.ProdExec)
	r.Get("/{id}/prod/status", h.ProdStatus)
	r.Get("/{id}/prod/logs", h.ProdLogs)
	return r
}

// List implements GET /applications.
func (h *ApplicationsHandler) List(w http.ResponseWriter, r *http.Request) {
	apps, err := h.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, apps)
}

type createApplicationRequest struct {
	Name        string                    `json:"name" validate:"required"`
	Slug        string                    `json:"slug" validate:"required,hostname_rfc1123"`
	Environment string                    `json:"environment" validate:"omitempty,oneof=development production"`
	LinkedAppID string                    `json:"linked_app_id"`
	Frontend    *registry.EndpointConfig  `json:"frontend"`
	APIs        []registry.EndpointConfig `json:"apis"`
	WakePage    bool                      `json:"wake_page"`
}

// Create implements POST /applications. The response carries the
// one-time cleartext agent token; it is never shown again.
func (h *ApplicationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	env := registry.Environment(req.Environment)
	if env == "" {
		env = registry.EnvProduction
	}

	result, err := h.registry.Create(registry.CreateRequest{
		Name:        req.Name,
		Slug:        req.Slug,
		Environment: env,
		LinkedAppID: req.LinkedAppID,
		Frontend:    req.Frontend,
		APIs:        req.APIs,
		WakePage:    req.WakePage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	created(w, map[string]any{"application": result.Application, "token": result.Token})
}

// GetApplication implements GET /applications/{id}.
func (h *ApplicationsHandler) GetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, app)
}

// Delete implements DELETE /applications/{id}, cascading teardown of
// everything the application owns before removing the catalogue entry.
func (h *ApplicationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.teardown != nil {
		h.teardown(app.ID)
	}
	if h.dns != nil {
		for _, recordID := range app.RecordIDs {
			if err := h.dns.Delete(r.Context(), recordID); err != nil {
				h.log.Warn("api: cloud-dns record delete failed", "app_id", id, "record_id", recordID, "error", err)
			}
		}
	}
	if h.fw != nil {
		if err := h.fw.Remove("agent-" + app.ID); err != nil {
			h.log.Warn("api: firewall rule removal failed", "app_id", id, "error", err)
		}
	}
	if h.certs != nil {
		for _, certID := range app.CertIDs {
			if err := h.certs.Revoke(certID); err != nil {
				h.log.Warn("api: certificate revoke failed", "app_id", id, "cert_id", certID, "error", err)
			}
		}
	}

	if err := h.registry.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	noContent(w)
}

// RegenerateToken implements POST /applications/{id}/regenerate-token.
func (h *ApplicationsHandler) RegenerateToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.registry.RegenerateToken(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"token": token})
}

func validServiceType(t string) bool {
	switch t {
	case "code-server", "app", "db":
		return true
	default:
		return false
	}
}

func (h *ApplicationsHandler) serviceCommand(w http.ResponseWriter, r *http.Request, action string) {
	id := chi.URLParam(r, "id")
	serviceType := chi.URLParam(r, "serviceType")
	if !validServiceType(serviceType) {
		writeError(w, apierr.Validation("invalid service type %q", serviceType))
		return
	}

	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !h.agents.sendEnvelope(app.ID, protocol.TypeServiceCommand, protocol.ServiceCommand{ServiceType: serviceType, Action: action}) {
		writeError(w, apierr.NotFound("application %s is not connected", id))
		return
	}
	ok(w, map[string]any{"success": true})
}

// StartService implements POST /{id}/services/{serviceType}/start.
func (h *ApplicationsHandler) StartService(w http.ResponseWriter, r *http.Request) {
	h.serviceCommand(w, r, "start")
}

// StopService implements POST /{id}/services/{serviceType}/stop.
func (h *ApplicationsHandler) StopService(w http.ResponseWriter, r *http.Request) {
	h.serviceCommand(w, r, "stop")
}

type powerPolicyRequest struct {
	Policy string `json:"policy" validate:"required,oneof=always_on auto_sleep"`
}

// UpdatePowerPolicy implements PUT /{id}/power-policy.
func (h *ApplicationsHandler) UpdatePowerPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req powerPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}

	app, err := h.registry.Update(id, func(a *registry.Application) { a.PowerPolicy = req.Policy })
	if err != nil {
		writeError(w, err)
		return
	}
	h.agents.sendEnvelope(app.ID, protocol.TypePowerPolicyUpdate, protocol.PowerPolicyUpdate{Policy: req.Policy})
	ok(w, map[string]any{"success": true})
}

// Deploy implements POST /{id}/deploy: stop the app's prod service,
// push the raw binary body over the same socket, and restart it.
func (h *ApplicationsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 512<<20))
	if err != nil {
		writeError(w, apierr.IO(err, "read deploy binary body"))
		return
	}

	deployID := uuid.NewString()
	go h.runDeploy(app, deployID, body)

	accepted(w, map[string]any{"success": true, "deploy_id": deployID})
}

func (h *ApplicationsHandler) runDeploy(app registry.Application, deployID string, binary []byte) {
	h.agents.sendEnvelope(app.ID, protocol.TypeServiceCommand, protocol.ServiceCommand{ServiceType: "app", Action: "stop"})
	time.Sleep(2 * time.Second)

	if err := h.agents.SendBinaryToAgent(deployID, app.ID, binary); err != nil {
		h.log.Error("api: deploy binary push failed", "deploy_id", deployID, "app_id", app.ID, "error", err)
		return
	}
	h.agents.sendEnvelope(app.ID, protocol.TypeServiceCommand, protocol.ServiceCommand{ServiceType: "app", Action: "start"})
	h.log.Info("api: deploy completed", "deploy_id", deployID, "app_id", app.ID)
}

// ProdPush implements POST /{id}/prod/push: relay a raw tarball (or
// single file) onto the application's host via the host-agent socket.
func (h *ApplicationsHandler) ProdPush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.HostID == "" {
		writeError(w, apierr.Validation("application %s has no assigned host", id))
		return
	}

	remotePath := r.Header.Get("X-Remote-Path")
	if remotePath == "" {
		writeError(w, apierr.Validation("X-Remote-Path header required"))
		return
	}
	isDirectory := r.Header.Get("X-Is-Directory") == "true"

	body, err := io.ReadAll(io.LimitReader(r.Body, 512<<20))
	if err != nil {
		writeError(w, apierr.IO(err, "read prod push body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.hosts.PushFile(ctx, app.HostID, remotePath, isDirectory, body); err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"success": true})
}

type execRequest struct {
	Command string `json:"command" validate:"required"`
}

// ProdExec implements POST /{id}/prod/exec.
func (h *ApplicationsHandler) ProdExec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.HostID == "" {
		writeError(w, apierr.Validation("application %s has no assigned host", id))
		return
	}

	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}

	result, err := h.hosts.Exec(r.Context(), app.HostID, app.ContainerName, []string{"sh", "-c", req.Command})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, result)
}

// ProdStatus implements GET /{id}/prod/status.
func (h *ApplicationsHandler) ProdStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.HostID == "" {
		writeError(w, apierr.Validation("application %s has no assigned host", id))
		return
	}
	result, err := h.hosts.Exec(r.Context(), app.HostID, "", []string{"machinectl", "status", app.ContainerName})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"status": result.Stdout})
}

// ProdLogs implements GET /{id}/prod/logs?lines=N.
func (h *ApplicationsHandler) ProdLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.HostID == "" {
		writeError(w, apierr.Validation("application %s has no assigned host", id))
		return
	}

	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	result, err := h.hosts.Exec(r.Context(), app.HostID, "", []string{
		"journalctl", "-u", "systemd-nspawn@" + app.ContainerName, "-n", strconv.Itoa(lines), "--no-pager",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"logs": result.Stdout})
}
