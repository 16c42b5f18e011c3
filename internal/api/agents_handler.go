package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/ca"
	"github.com/homeroute/homeroute/internal/registry"
)

// AgentsHandler serves the binary-distribution endpoints under
// /api/applications/agents: version, binary download, and
// token-authenticated certificate bundles.
type AgentsHandler struct {
	registry   *registry.Registry
	ca         *ca.CA
	binaryPath string
}

// NewAgentsHandler constructs an AgentsHandler. binaryPath is the
// compiled agent binary this control plane distributes to containers.
func NewAgentsHandler(reg *registry.Registry, caSvc *ca.CA, binaryPath string) *AgentsHandler {
	return &AgentsHandler{registry: reg, ca: caSvc, binaryPath: binaryPath}
}

// Routes wires the agent binary-distribution endpoints.
func (h *AgentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/version", h.Version)
	r.Get("/binary", h.Binary)
	r.Get("/certs", h.Certs)
	return r
}

// Version implements GET /agents/version.
func (h *AgentsHandler) Version(w http.ResponseWriter, r *http.Request) {
	info, err := os.Stat(h.binaryPath)
	if err != nil {
		writeError(w, apierr.NotFound("agent binary not found"))
		return
	}
	data, err := os.ReadFile(h.binaryPath)
	if err != nil {
		writeError(w, apierr.IO(err, "read agent binary"))
		return
	}
	sum := sha256.Sum256(data)
	ok(w, map[string]any{
		"version": info.ModTime().UTC().Format("20060102-150405"),
		"sha256":  hex.EncodeToString(sum[:]),
	})
}

// Binary implements GET /agents/binary.
func (h *AgentsHandler) Binary(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.binaryPath)
	if err != nil {
		writeError(w, apierr.NotFound("agent binary not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="hr-agent"`)
	_, _ = w.Write(data)
}

// Certs implements GET /agents/certs, Bearer-token authenticated
// against any registered application's token.
func (h *AgentsHandler) Certs(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeError(w, apierr.Validation("missing or invalid Authorization header"))
		return
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	app, err := h.registry.AuthenticateByToken(token)
	if err != nil {
		writeError(w, apierr.Validation("invalid token"))
		return
	}

	rootPEM, err := h.ca.RootPEM()
	if err != nil {
		writeError(w, err)
		return
	}

	var leafCert, leafKey []byte
	for _, id := range app.CertIDs {
		cert, err := h.ca.Get(id)
		if err != nil {
			continue
		}
		if c, err := os.ReadFile(cert.CertPath); err == nil {
			leafCert = c
		}
		if k, err := os.ReadFile(cert.KeyPath); err == nil {
			leafKey = k
		}
		break
	}

	ok(w, map[string]any{
		"app_id":   app.ID,
		"slug":     app.Slug,
		"root_pem": string(rootPEM),
		"cert_pem": string(leafCert),
		"key_pem":  string(leafKey),
	})
}
