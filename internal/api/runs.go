package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobflow/internal/engine"
	"github.com/seantiz/jobflow/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// runRequest is the JSON body for POST /v1/runs and its variants.
type runRequest struct {
	Executor   string            `json:"executor"`
	Script     string            `json:"script"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
	TimeoutS   float64           `json:"timeout_s"`
	Inputs     []fileSpec        `json:"inputs"`
	Outputs    []fileSpec        `json:"outputs"`
	Metadata   map[string]any    `json:"metadata"`
}

// fileSpec declares a staged input or uploaded output. Required defaults to
// true for inputs and false for outputs.
type fileSpec struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Required    *bool  `json:"required"`
}

// errorResponse is the JSON body of a request that failed before a run
// started.
type errorResponse struct {
	Error string          `json:"error"`
	Kind  model.ErrorKind `json:"kind,omitempty"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []engine.RunInfo `json:"runs"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (req runRequest) toEngine(defaultExecutor string) engine.Request {
	kind := req.Executor
	if kind == "" {
		kind = defaultExecutor
	}
	cfg := model.ScriptConfig{
		ScriptPath: req.Script,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutS * float64(time.Second)),
		Metadata:   req.Metadata,
	}
	for _, in := range req.Inputs {
		cfg.Inputs = append(cfg.Inputs, model.FileRequirement{
			Source:      in.Source,
			Destination: in.Destination,
			Required:    in.Required == nil || *in.Required,
		})
	}
	for _, out := range req.Outputs {
		cfg.Outputs = append(cfg.Outputs, model.FileOutput{
			Source:      out.Source,
			Destination: out.Destination,
			Required:    out.Required != nil && *out.Required,
		})
	}
	return engine.Request{Executor: kind, Config: cfg}
}

// decodeRun reads a run request, writing the error response itself when the
// body is unusable.
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (engine.Request, bool) {
	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return engine.Request{}, false
	}
	if req.Script == "" {
		s.writeError(w, http.StatusBadRequest, "script is required")
		return engine.Request{}, false
	}
	if req.TimeoutS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_s must not be negative")
		return engine.Request{}, false
	}
	return req.toEngine(s.defaultExecutor), true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	// Runs may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	info, _, err := s.engine.Run(r.Context(), req)
	if err != nil && info.ID == "" {
		s.writeRunError(w, err)
		return
	}
	s.writeJSON(w, statusFor(err), info)
}

func (s *Server) handleAsyncRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	info, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+info.ID)
	s.writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := s.engine.Get(id)
	if errors.Is(err, engine.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   s.engine.List(limit, offset),
		Total:  len(s.engine.List(0, 0)),
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	info, err := s.engine.Get(id)
	if err != nil {
		s.logger.Error("get cancelled run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, info)
}

// statusFor maps a run error to an HTTP status code.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, engine.ErrBusy) {
		return http.StatusConflict
	}
	switch model.KindOf(err) {
	case model.KindInvalidScript:
		return http.StatusBadRequest
	case model.KindExecutorNotFound, model.KindStagingFailed:
		return http.StatusUnprocessableEntity
	case model.KindUploadFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeRunError reports an error raised before a run started.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if !errors.Is(err, engine.ErrBusy) {
		resp.Kind = model.KindOf(err)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("run request failed", "error", err)
	}
	s.writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(data)
}
