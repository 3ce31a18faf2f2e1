package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okian/vouch/internal/domain/types"
)

const defaultListLimit = 10

// ScoresHandler serves published scores.
type ScoresHandler struct {
	deps Dependencies
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps Dependencies) *ScoresHandler {
	return &ScoresHandler{deps: deps}
}

// HandleGetScore handles GET /scores/{clientID}.
func (h *ScoresHandler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	rec, err := h.deps.GetScore(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleListScores handles GET /scores?limit=N. N defaults to 10 and must
// lie in [1, MaxListLimit].
func (h *ScoresHandler) HandleListScores(w http.ResponseWriter, r *http.Request) {
	limit := min(defaultListLimit, h.deps.MaxListLimit())
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > h.deps.MaxListLimit() {
			writeError(w, http.StatusBadRequest, "invalid_limit", ErrInvalidLimit)
			return
		}
		limit = n
	}
	records, err := h.deps.ListScores(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, http.StatusOK, types.Entries(records))
}
