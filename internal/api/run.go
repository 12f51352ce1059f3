package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcassidy/verity/internal/engine"
	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	OrgID     string          `json:"org_id"`
	ProjectID string          `json:"project_id"`
	SuiteID   string          `json:"suite_id"`
	Priority  *int            `json:"priority"`
	Cases     []submitCaseReq `json:"cases"`
}

type submitCaseReq struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.TestRun `json:"runs"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority := model.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := time.Now().UTC()
	run := &model.TestRun{
		ID:        model.NewID(),
		OrgID:     req.OrgID,
		ProjectID: req.ProjectID,
		SuiteID:   req.SuiteID,
		Priority:  priority,
		CreatedAt: now,
	}
	for _, c := range req.Cases {
		run.Cases = append(run.Cases, &model.TestCase{
			ID:     model.NewID(),
			RunID:  run.ID,
			Name:   c.Name,
			Type:   c.Type,
			Config: c.Config,
		})
	}

	if err := s.engine.Submit(r.Context(), run); err != nil {
		var admission *engine.AdmissionError
		if errors.As(err, &admission) {
			s.writeError(w, http.StatusBadRequest, admission.Reason)
			return
		}
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
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

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.TestRun{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// stepResultsResponse is the JSON response for GET /v1/runs/:id/results.
type stepResultsResponse struct {
	RunID   string             `json:"run_id"`
	Results []model.StepResult `json:"results"`
}

func (s *Server) handleGetStepResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	results, err := s.store.GetStepResults(r.Context(), id)
	if err != nil {
		s.logger.Error("get step results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get step results")
		return
	}
	if results == nil {
		results = []model.StepResult{}
	}

	s.writeJSON(w, http.StatusOK, stepResultsResponse{RunID: id, Results: results})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.Cancel)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.Pause)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.engine.Resume)
}

// lifecycleAction applies a state transition and responds with the updated run.
func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, runID string) error) {
	id := chi.URLParam(r, "id")

	if err := action(r.Context(), id); err != nil {
		s.writeTransitionError(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run after transition", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// reprioritizeRequest is the JSON body for PUT /v1/runs/:id/priority.
type reprioritizeRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleReprioritizeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reprioritizeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.engine.Reprioritize(r.Context(), id, req.Priority); err != nil {
		s.writeTransitionError(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run after reprioritize", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// writeTransitionError maps engine errors to HTTP status codes.
func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	var admission *engine.AdmissionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, engine.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &admission):
		s.writeError(w, http.StatusBadRequest, admission.Reason)
	default:
		s.logger.Error("run transition", "error", err)
		s.writeError(w, http.StatusInternalServerError, "transition failed")
	}
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
	s.writeJSON(w, status, map[string]string{"error": message})
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
