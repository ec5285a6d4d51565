package api

import (
	"net/http"

	"github.com/coffee-change/internal/types"
	"github.com/gorilla/mux"
)

type registerWalletRequest struct {
	Address  string  `json:"address"`
	Label    *string `json:"label,omitempty"`
	WalletID *string `json:"walletId,omitempty"`
}

// handleRegisterWallet handles POST /api/wallets
func (s *Server) handleRegisterWallet(w http.ResponseWriter, r *http.Request) {
	var req registerWalletRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.registry.Register(r.Context(), req.Address, req.Label, req.WalletID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Status == types.RegistrationAlreadyRegistered {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// handleListWallets handles GET /api/wallets
func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.registry.List(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// handleGetWallet handles GET /api/wallets/{address}
func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.registry.Lookup(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wallet)
}

// handleDeactivateWallet handles DELETE /api/wallets/{address}
func (s *Server) handleDeactivateWallet(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.registry.Deactivate(r.Context(), address); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"active":  false,
	})
}
