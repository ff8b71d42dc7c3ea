package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// handleListConflicts handles GET /api/v1/conflicts - list detected conflicts
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := models.ConflictFilter{
		RecordID:   query.Get("recordId"),
		RecordType: types.RecordType(query.Get("recordType")),
		Impact:     types.ConflictImpact(query.Get("impact")),
		OpenOnly:   query.Get("open") == "true",
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	conflicts, err := s.conflictService.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// handleResolveConflict handles POST /api/v1/conflicts/:id/resolve - apply a
// manual resolution to an open conflict
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Conflict ID required", nil)
		return
	}

	var req struct {
		Value    string `json:"value"`
		Resolver string `json:"resolver"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.conflictService.ResolveManual(r.Context(), id, req.Value, req.Resolver); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":         id,
		"resolution": "resolved",
	})
}
