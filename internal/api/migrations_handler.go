package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/migration"
	"github.com/homeroute/homeroute/internal/registry"
)

// MigrationsHandler serves the admin surface over the container
// migration pipeline: start a transfer, watch its record, cancel it.
// The record is the authoritative status; clients re-poll it rather
// than trusting the start response alone.
type MigrationsHandler struct {
	registry *registry.Registry
	migrate  *migration.Manager
	validate *validator.Validate
}

// NewMigrationsHandler constructs a MigrationsHandler.
func NewMigrationsHandler(reg *registry.Registry, migrate *migration.Manager) *MigrationsHandler {
	return &MigrationsHandler{registry: reg, migrate: migrate, validate: validator.New()}
}

// Routes wires the migrations resource's endpoints.
func (h *MigrationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Start)
	r.Get("/{transferID}", h.Get)
	r.Post("/{transferID}/cancel", h.Cancel)
	return r
}

// List implements GET /migrations.
func (h *MigrationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ok(w, h.migrate.List())
}

type startMigrationRequest struct {
	AppID        string `json:"app_id" validate:"required"`
	SourceHostID string `json:"source_host_id" validate:"required"`
	TargetHostID string `json:"target_host_id" validate:"required"`
}

// Start implements POST /migrations: resolve the application's
// container and kick off the export/transfer/import pipeline.
func (h *MigrationsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startMigrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	if req.SourceHostID == req.TargetHostID {
		writeError(w, apierr.Validation("source and target host must differ"))
		return
	}

	app, err := h.registry.Get(req.AppID)
	if err != nil {
		writeError(w, err)
		return
	}
	containerName := app.ContainerName
	if containerName == "" {
		containerName = app.Slug
	}

	transferID, err := h.migrate.StartTransfer(r.Context(), app.ID, containerName, req.SourceHostID, req.TargetHostID)
	if err != nil {
		writeError(w, err)
		return
	}
	accepted(w, map[string]any{"transfer_id": transferID})
}

// Get implements GET /migrations/{transferID}.
func (h *MigrationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	record, found := h.migrate.Get(transferID)
	if !found {
		writeError(w, apierr.NotFound("transfer %s not found", transferID))
		return
	}
	ok(w, record)
}

// Cancel implements POST /migrations/{transferID}/cancel.
func (h *MigrationsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	if err := h.migrate.Cancel(r.Context(), transferID); err != nil {
		writeError(w, err)
		return
	}
	record, _ := h.migrate.Get(transferID)
	ok(w, record)
}
