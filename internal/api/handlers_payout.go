package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/types"
)

// handleSubmitPayout handles POST /api/v1/payouts - submit a payout request
func (s *Server) handleSubmitPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id,omitempty"`
		UserID      string `json:"userId"`
		Amount      int64  `json:"amount"`
		TargetChain string `json:"targetChain"`
		Priority    string `json:"priority,omitempty"`
		Source      string `json:"source,omitempty"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	params := service.SubmitParams{
		ID:          req.ID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		TargetChain: types.ChainID(req.TargetChain),
		Priority:    types.PayoutPriority(req.Priority),
		Source:      req.Source,
	}

	payout, err := s.payoutService.Submit(r.Context(), params)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, payout)
}

// handleGetPayout handles GET /api/v1/payouts/:id - fetch one payout with its
// transaction history
func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Payout ID required", nil)
		return
	}

	payout, err := s.payoutService.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, payout)
}

// handleListPayouts handles GET /api/v1/payouts?userId=... - list a user's payouts
func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "userId query parameter required", nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	payouts, err := s.payoutService.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"payouts": payouts,
		"count":   len(payouts),
	})
}

// handleCancelPayout handles DELETE /api/v1/payouts/:id - cancel a pending payout
func (s *Server) handleCancelPayout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Payout ID required", nil)
		return
	}

	if err := s.payoutService.Cancel(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(types.PayoutStatusCancelled),
	})
}

// handleConfirmKYC handles POST /api/v1/payouts/:id/kyc - release a KYC hold
func (s *Server) handleConfirmKYC(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Payout ID required", nil)
		return
	}

	if err := s.payoutService.ConfirmKYC(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":  id,
		"kyc": "confirmed",
	})
}
