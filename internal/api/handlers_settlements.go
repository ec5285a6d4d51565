package api

import (
	"net/http"

	"github.com/coffee-change/internal/service"
	"github.com/coffee-change/internal/types"
	"github.com/gorilla/mux"
)

// settlementHTTPStatus maps a settlement outcome to a response code.
// ALREADY_SETTLED is a success for the caller.
func settlementHTTPStatus(status types.SettlementStatus) int {
	switch status {
	case types.SettlementSettled, types.SettlementAlreadySettled:
		return http.StatusOK
	case types.SettlementAmountTooSmall:
		return http.StatusUnprocessableEntity
	case types.SettlementBroadcastFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleSettle handles POST /api/settlements
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req service.SettleRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.settlement.SettleForUser(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, settlementHTTPStatus(result.Status), result)
}

// handleSettlePending handles POST /api/settlements/pending
func (s *Server) handleSettlePending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress string `json:"userAddress"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	batch, err := s.settlement.SettleAllPending(r.Context(), req.UserAddress)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// handleExternalSettlement handles POST /api/settlements/external, used
// when the wallet staked client-side and reports the transaction
func (s *Server) handleExternalSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserAddress     string `json:"userAddress"`
		StakingTxHash   string `json:"stakingTxHash"`
		AmountStakedWei string `json:"amountStakedWei,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.settlement.RecordExternalSettlement(r.Context(), req.UserAddress, req.StakingTxHash, req.AmountStakedWei)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleSettlementStatus handles GET /api/settlements/{ledgerEntryId}
func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.settlement.Status(r.Context(), mux.Vars(r)["ledgerEntryId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
