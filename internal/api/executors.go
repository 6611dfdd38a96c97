package api

import "net/http"

// executorsResponse is the JSON response for GET /v1/executors.
type executorsResponse struct {
	Default   string          `json:"default"`
	Executors []executorEntry `json:"executors"`
}

type executorEntry struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Remote      bool   `json:"remote"`
}

func (s *Server) handleListExecutors(w http.ResponseWriter, _ *http.Request) {
	infos := s.engine.Executors()
	entries := make([]executorEntry, len(infos))
	for i, info := range infos {
		entries[i] = executorEntry{
			Kind:        info.Kind,
			Name:        info.Capabilities.Name,
			Description: info.Capabilities.Description,
			Remote:      info.Capabilities.Remote,
		}
	}
	s.writeJSON(w, http.StatusOK, executorsResponse{Default: s.defaultExecutor, Executors: entries})
}
