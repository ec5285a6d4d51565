package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleUserSummary handles GET /api/users/{address}/summary
func (s *Server) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.summary.Summary(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
