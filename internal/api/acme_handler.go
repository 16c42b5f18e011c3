package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/ca"
)

// AcmeHandler serves /api/acme/*. There is no external ACME client in
// this system; the historical endpoint names are kept but map
// directly onto internal/ca.
type AcmeHandler struct {
	ca         *ca.CA
	baseDomain string
}

// NewAcmeHandler constructs an AcmeHandler.
func NewAcmeHandler(caSvc *ca.CA, baseDomain string) *AcmeHandler {
	return &AcmeHandler{ca: caSvc, baseDomain: baseDomain}
}

// Routes wires the acme endpoints.
func (h *AcmeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/renew", h.RenewAll)
	r.Post("/certificate/app/{slug}", h.IssueForApp)
	r.Post("/certificate/wildcard", h.IssueWildcard)
	return r
}

// Status implements GET /acme/status: the full certificate index plus
// which entries are within the renewal window.
func (h *AcmeHandler) Status(w http.ResponseWriter, r *http.Request) {
	certs, err := h.ca.List()
	if err != nil {
		writeError(w, err)
		return
	}
	renewing, err := h.ca.CertificatesNeedingRenewal(30)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"certificates": certs, "needs_renewal": renewing})
}

// RenewAll implements POST /acme/renew: renews every certificate
// currently within its renewal window.
func (h *AcmeHandler) RenewAll(w http.ResponseWriter, r *http.Request) {
	due, err := h.ca.CertificatesNeedingRenewal(30)
	if err != nil {
		writeError(w, err)
		return
	}
	renewed := make([]ca.Certificate, 0, len(due))
	for _, cert := range due {
		r, err := h.ca.Renew(cert.ID)
		if err != nil {
			continue
		}
		renewed = append(renewed, r)
	}
	ok(w, map[string]any{"renewed": renewed})
}

// IssueForApp implements POST /acme/certificate/app/{slug}: issues a
// fresh leaf certificate covering slug's derived domain and its
// per-app wildcard.
func (h *AcmeHandler) IssueForApp(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		writeError(w, apierr.Validation("slug required"))
		return
	}
	domains := []string{
		fmt.Sprintf("%s.%s", slug, h.baseDomain),
		ca.AppWildcard(slug).Pattern(h.baseDomain),
	}
	cert, err := h.ca.Issue(domains)
	if err != nil {
		writeError(w, err)
		return
	}
	created(w, cert)
}

// IssueWildcard implements POST /acme/certificate/wildcard: issues a
// certificate for a wildcard pattern given as its tagged form
// ("global", "code", or {"app": slug}; the legacy alias "main" is
// accepted for "global").
func (h *AcmeHandler) IssueWildcard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wildcard ca.Wildcard `json:"wildcard"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.ProtocolParse(err, "decode wildcard request"))
		return
	}
	cert, err := h.ca.Issue([]string{req.Wildcard.Pattern(h.baseDomain)})
	if err != nil {
		writeError(w, err)
		return
	}
	created(w, cert)
}
