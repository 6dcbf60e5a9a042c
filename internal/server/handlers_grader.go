package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/report"
	"github.com/xtalsearch/xtal-web/internal/server/middleware"
	"github.com/xtalsearch/xtal-web/internal/server/ratelimit"
)

// AnalyzeRequest starts a grader run.
type AnalyzeRequest struct {
	URL    string `json:"url" validate:"required,max=2048"`
	Source string `json:"source" validate:"omitempty,oneof=web batch admin"`
}

// SearchRequest runs the synthesized queries against the store.
type SearchRequest struct {
	RunID     string             `json:"runId"`
	StoreURL  string             `json:"storeUrl" validate:"required,url"`
	Platform  string             `json:"platform"`
	SearchURL string             `json:"searchUrl"`
	Queries   []grader.TestQuery `json:"queries" validate:"required,min=1,max=50,dive"`
}

// EvaluateRequest grades the query results.
type EvaluateRequest struct {
	RunID string `json:"runId"`
	grader.EvaluationInput
}

// SaveResponse is returned once a report is persisted.
type SaveResponse struct {
	ReportID string         `json:"reportId"`
	ShareURL string         `json:"shareUrl"`
	Report   *grader.Report `json:"report"`
}

// EmailRequest captures a lead for a report.
type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	source := grader.Source(req.Source)
	if source == "" {
		source = grader.SourceWeb
	}
	if source == grader.SourceWeb {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), ratelimit.GraderWebEndpoint, http.MethodPost)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
	} else if err := s.requireAdmin(r); err != nil {
		// Only admins may start runs that bypass the public limit
		s.writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.StartAnalysis(r.Context(), req.URL, source)
	if err != nil {
		var extra map[string]any
		if resp != nil && resp.RunID != "" {
			extra = map[string]any{"runId": resp.RunID}
		}
		s.writeErrorWith(w, r, err, extra)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.RunSearch(r.Context(), req.RunID, grader.SearchTarget{
		StoreURL:  req.StoreURL,
		Platform:  grader.ParsePlatform(req.Platform),
		SearchURL: req.SearchURL,
	}, req.Queries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rep, err := s.pipeline.RunEvaluation(r.Context(), req.RunID, req.EvaluationInput)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}

// handleSave persists the client's report draft. The body is the report
// itself; its runId names the run to complete.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var draft grader.Report
	if err := s.decodeJSON(w, r, &draft); err != nil {
		s.writeError(w, r, err)
		return
	}

	saved, err := s.pipeline.Save(r.Context(), draft.RunID, &draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, SaveResponse{
		ReportID: saved.ID,
		ShareURL: report.ShareURL(s.cfg.PublicBaseURL, saved.ID),
		Report:   saved,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.runs.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rep)
}

func (s *Server) handleCaptureEmail(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.runs.MarkEmailCaptured(r.Context(), r.PathValue("id"), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"reportId":      rep.ID,
		"emailCaptured": rep.EmailCaptured,
	})
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	if s.pdf == nil {
		s.writeError(w, r, apperr.New(apperr.KindUpstreamError, "pdf export is not available"))
		return
	}
	id := r.PathValue("id")
	rep, err := s.runs.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := report.RenderHTML(rep, report.Options{
		ShareURL: report.ShareURL(s.cfg.PublicBaseURL, rep.ID),
		Print:    true,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pdf, err := s.pdf.RenderPDF(r.Context(), page)
	if err != nil {
		s.writeError(w, r, apperr.Upstream(err, "pdf export failed"))
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="search-grade-%s.pdf"`, rep.ID))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		s.logger.Debug("pdf write aborted", zap.Error(err))
	}
}

// handleSharePage serves the public HTML report.
func (s *Server) handleSharePage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := s.runs.GetReport(r.Context(), id)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("failed to load shared report", zap.String("report_id", id), zap.Error(err))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	page, err := report.RenderHTML(rep, report.Options{ShareURL: report.ShareURL(s.cfg.PublicBaseURL, rep.ID)})
	if err != nil {
		s.logger.Error("failed to render shared report", zap.String("report_id", id), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(page)
}

// requireAdmin authenticates the request's bearer token and checks for the admin role.
func (s *Server) requireAdmin(r *http.Request) error {
	identity, err := middleware.Authenticate(s.tokenValidator(), r)
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, err, "admin token required")
	}
	if identity.GetRole() != middleware.RoleAdmin {
		return apperr.Wrap(apperr.KindForbidden, errors.New("role "+identity.GetRole()), "admin role required")
	}
	return nil
}
