package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/homeroute/homeroute/internal/apierr"
)

// envelope is the response shape every handler writes; the error
// field carries the rendered apierr.Error.
type envelope struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

type errBody struct {
	Kind    apierr.Kind `json:"kind"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

// writeError renders err's apierr.Kind as the matching HTTP status.
// Non-apierr errors render as 500 without leaking their text.
func writeError(w http.ResponseWriter, err error) {
	var e *apierr.Error
	if !errors.As(err, &e) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(envelope{Error: errBody{Kind: apierr.KindFatal, Message: "internal error"}})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(e.Kind))
	_ = json.NewEncoder(w).Encode(envelope{Error: errBody{Kind: e.Kind, Message: e.Message, Details: e.Details}})
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindNotInitialized:
		return http.StatusServiceUnavailable
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout
	case apierr.KindExternal, apierr.KindProtocolParse, apierr.KindIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func ok(w http.ResponseWriter, data any)       { writeJSON(w, http.StatusOK, data) }
func created(w http.ResponseWriter, data any)  { writeJSON(w, http.StatusCreated, data) }
func accepted(w http.ResponseWriter, data any) { writeJSON(w, http.StatusAccepted, data) }
func noContent(w http.ResponseWriter)          { w.WriteHeader(http.StatusNoContent) }
