package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/store"
)

// StoreApp is one entry in the static app-store catalogue. It is not
// the running application catalogue in internal/registry; it is the
// installable-software listing a UI browses before deploying.
type StoreApp struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	Releases    []string `json:"releases"`
}

type storeCatalogue struct {
	Apps []StoreApp `json:"apps"`
}

// StoreHandler serves the static app-store catalogue, persisted through
// the same internal/store.File atomic-write mechanism as every other
// collection.
type StoreHandler struct {
	file     *store.File[storeCatalogue]
	validate *validator.Validate
}

// NewStoreHandler constructs a StoreHandler backed by path.
func NewStoreHandler(path string) (*StoreHandler, error) {
	f, err := store.NewFile[storeCatalogue](path)
	if err != nil {
		return nil, err
	}
	return &StoreHandler{file: f, validate: validator.New()}, nil
}

// Routes wires /api/store.
func (h *StoreHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/apps", h.ListApps)
	r.Post("/apps", h.CreateApp)
	r.Get("/releases", h.ListReleases)
	r.Get("/updates", h.ListUpdates)
	return r
}

// ListApps implements GET /store/apps.
func (h *StoreHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	cat, err := h.file.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, cat.Apps)
}

type createStoreAppRequest struct {
	Name        string `json:"name" validate:"required"`
	Slug        string `json:"slug" validate:"required"`
	Description string `json:"description"`
}

// CreateApp implements POST /store/apps: adds a catalogue entry.
func (h *StoreHandler) CreateApp(w http.ResponseWriter, r *http.Request) {
	var req createStoreAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}

	cat, err := h.file.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, a := range cat.Apps {
		if a.Slug == req.Slug {
			writeError(w, apierr.Validation("slug %q already exists", req.Slug))
			return
		}
	}
	app := StoreApp{ID: uuid.NewString(), Name: req.Name, Slug: req.Slug, Description: req.Description}
	cat.Apps = append(cat.Apps, app)
	if err := h.file.Save(cat); err != nil {
		writeError(w, err)
		return
	}
	created(w, app)
}

// ListReleases implements GET /store/releases: every release string
// across the catalogue, flattened (this system has no per-release
// metadata beyond the version tag itself).
func (h *StoreHandler) ListReleases(w http.ResponseWriter, r *http.Request) {
	cat, err := h.file.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	releases := make([]map[string]any, 0)
	for _, a := range cat.Apps {
		for _, rel := range a.Releases {
			releases = append(releases, map[string]any{"app_id": a.ID, "slug": a.Slug, "release": rel})
		}
	}
	ok(w, releases)
}

// ListUpdates implements GET /store/updates. There is no deployed
// version tracking in this static catalogue, so this always reports no
// pending updates; a richer implementation would compare against the
// running registry.Application versions.
func (h *StoreHandler) ListUpdates(w http.ResponseWriter, r *http.Request) {
	ok(w, []any{})
}
