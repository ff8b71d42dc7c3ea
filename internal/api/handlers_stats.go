package api

import (
	"net/http"
)

// handleReconciliationStats handles GET /api/v1/reconciliation/stats
func (s *Server) handleReconciliationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.statsService.Reconciliation(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
