package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListBanks returns the live board for every bank.
func (s *Server) handleListBanks(w http.ResponseWriter, _ *http.Request) {
	banks := s.engine.Board().All()
	writeJSON(w, http.StatusOK, map[string]any{"banks": banks, "count": len(banks)})
}

// handleGetBank returns the live board for one bank.
func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Board().Get(chi.URLParam(r, "bank"))
	if !ok {
		writeNotFound(w, "bank not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
