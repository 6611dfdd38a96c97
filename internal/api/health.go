package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Executors int    `json:"executors"`
	ActiveRun string `json:"active_run,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	active, _ := s.engine.Active()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Executors: len(s.engine.Executors()),
		ActiveRun: active,
	})
}
