package server

import (
	"net/http"
	"strconv"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/report"
)

// Listing limits
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartRunRequest runs the whole grader for one store.
type StartRunRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

// AspectsPromptRequest replaces the aspects system prompt.
type AspectsPromptRequest struct {
	Prompt string `json:"prompt" validate:"required,max=20000"`
}

// ExplainPromptRequest replaces the explain prompt and optionally its pool.
type ExplainPromptRequest struct {
	Prompt string    `json:"prompt" validate:"max=20000"`
	Pool   *[]string `json:"pool"`
}

// MaxExplainPool caps the explain prompt pool.
const MaxExplainPool = 50

// RunDetail is a run with its lead, if one was captured.
type RunDetail struct {
	*grader.Run
	Lead *grader.Lead `json:"lead,omitempty"`
}

// parseLimit reads ?limit=, defaulting and clamping it.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.InvalidInput("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleStartRun runs the full pipeline synchronously with source admin.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.pipeline.Grade(r.Context(), req.URL, grader.SourceAdmin)
	if err != nil {
		var extra map[string]any
		if result != nil && result.RunID != "" {
			extra = map[string]any{"runId": result.RunID}
		}
		s.writeErrorWith(w, r, err, extra)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{
		"runId":    result.RunID,
		"reportId": result.Report.ID,
		"shareUrl": report.ShareURL(s.cfg.PublicBaseURL, result.Report.ID),
		"report":   result.Report,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail := RunDetail{Run: run}
	if run.ReportID != "" {
		lead, err := s.runs.GetLead(r.Context(), run.ReportID)
		switch {
		case err == nil:
			detail.Lead = lead
		case !apperr.Is(err, apperr.KindNotFound):
			s.writeError(w, r, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, detail)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	values, err := s.settings.Collection(r.Context(), r.PathValue("collection"), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, values)
}

func (s *Server) handlePutCollection(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := s.decodeJSON(w, r, &values); err != nil {
		s.writeError(w, r, err)
		return
	}
	if values == nil {
		s.writeError(w, r, apperr.InvalidInput("settings must be a JSON object"))
		return
	}
	res, err := s.settings.SetCollection(r.Context(), r.PathValue("collection"), r.PathValue("name"), values)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"values":  values,
		"warning": res.Warning,
	})
}

func (s *Server) handleGetAspectsPrompt(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.settings.AspectsPrompt(r.Context()))
}

func (s *Server) handlePutAspectsPrompt(w http.ResponseWriter, r *http.Request) {
	var req AspectsPromptRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res := s.settings.SetAspectsPrompt(r.Context(), req.Prompt)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"prompt":  req.Prompt,
		"warning": res.Warning,
	})
}

func (s *Server) handleAspectsHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.settings.AspectsHistory(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleGetExplainPrompt(w http.ResponseWriter, r *http.Request) {
	prompt := s.settings.ExplainPrompt(r.Context())
	pool := s.settings.ExplainPool(r.Context())
	if pool == nil {
		pool = []string{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"prompt":    prompt.Prompt,
		"isDefault": prompt.IsDefault,
		"pool":      pool,
	})
}

func (s *Server) handlePutExplainPrompt(w http.ResponseWriter, r *http.Request) {
	var req ExplainPromptRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Prompt == "" && req.Pool == nil {
		s.writeError(w, r, apperr.InvalidInput("prompt or pool is required"))
		return
	}
	var pool []string
	if req.Pool != nil {
		pool = *req.Pool
		if pool == nil {
			pool = []string{}
		}
		if len(pool) > MaxExplainPool {
			s.writeError(w, r, apperr.InvalidInput("pool holds at most %d prompts", MaxExplainPool))
			return
		}
	}
	res := s.settings.SetExplainPrompt(r.Context(), req.Prompt, pool)
	s.jsonResponse(w, http.StatusOK, map[string]any{"warning": res.Warning})
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.feedback.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"feedback": entries})
}
