package api

import "net/http"

// handleGetStats reports counts of the runs the engine still holds.
func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}
