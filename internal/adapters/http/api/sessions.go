package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SessionsHandler serves session projections.
type SessionsHandler struct {
	deps Dependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps Dependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// HandleGetSession handles GET /sessions/{clientID}.
func (h *SessionsHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	info, err := h.deps.GetSessionState(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
