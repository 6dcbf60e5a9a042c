// Package server provides the HTTP API: the public grader flow and share
// pages, the storefront proxy and the admin console.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/feedback"
	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/proxy"
	"github.com/xtalsearch/xtal-web/internal/report"
	"github.com/xtalsearch/xtal-web/internal/server/middleware"
	"github.com/xtalsearch/xtal-web/internal/server/ratelimit"
	"github.com/xtalsearch/xtal-web/internal/settings"
)

// ServiceName names the server in traces.
const ServiceName = "xtal-web"

// Config holds server configuration
type Config struct {
	Port int
	// PublicBaseURL prefixes share links, e.g. https://xtal.example
	PublicBaseURL string
}

// Deps are the collaborators the handlers call. Users and JWT may be nil, in
// which case the admin surface rejects every request. PDF may be nil, which
// disables PDF export.
type Deps struct {
	Pipeline *grader.Pipeline
	Proxy    *proxy.Forwarder
	Settings *settings.Store
	Feedback *feedback.Store
	Users    *UserService
	JWT      *JWTService
	PDF      report.PDFRenderer
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	cfg        Config

	pipeline    *grader.Pipeline
	runs        *grader.RunStore
	proxy       *proxy.Forwarder
	settings    *settings.Store
	feedback    *feedback.Store
	userService *UserService
	jwtService  *JWTService
	authHandler *AuthHandler
	pdf         report.PDFRenderer
	rateLimiter *ratelimit.Limiter
	validator   *validator.Validate
	logger      *zap.Logger
}

// New creates a new server instance
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(&ratelimit.Config{Enabled: false})
	}

	s := &Server{
		cfg:         cfg,
		pipeline:    deps.Pipeline,
		proxy:       deps.Proxy,
		settings:    deps.Settings,
		feedback:    deps.Feedback,
		userService: deps.Users,
		jwtService:  deps.JWT,
		pdf:         deps.PDF,
		rateLimiter: limiter,
		validator:   newValidator(),
		logger:      logger,
	}
	if deps.Pipeline != nil {
		s.runs = deps.Pipeline.Runs
	}
	s.authHandler = NewAuthHandler(s.userService, s.jwtService, s.validator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Grader flow
	mux.HandleFunc("POST /api/grader/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/grader/search", s.handleSearch)
	mux.HandleFunc("POST /api/grader/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/grader/save", s.handleSave)
	mux.HandleFunc("GET /api/grader/report/{id}", s.handleGetReport)
	mux.HandleFunc("GET /api/grader/report/{id}/pdf", s.handleReportPDF)
	mux.HandleFunc("POST /api/grader/report/{id}/email", s.handleCaptureEmail)
	mux.HandleFunc("GET /grade/{id}", s.handleSharePage)

	// Storefront proxy; endpoint may contain a slash (feedback/relevance)
	mux.HandleFunc("POST /api/xtal/{endpoint...}", s.handleProxy)

	// Admin console
	mux.HandleFunc("POST /api/admin/login", s.authHandler.Login)
	mux.Handle("/api/admin/", middleware.Chain(s.adminRoutes(),
		middleware.AuthMiddleware(s.tokenValidator()),
		middleware.RequireAdminForWrites,
	))

	s.handler = middleware.Chain(mux,
		middleware.Recover(logger),
		middleware.OTel(ServiceName),
		middleware.Logger(logger),
		middleware.CORS("*"),
		s.withRateLimit,
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second, // Long timeout for admin grader runs
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) adminRoutes() http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/me", s.authHandler.Me)

	admin.HandleFunc("GET /api/admin/grader/runs", s.handleListRuns)
	admin.HandleFunc("POST /api/admin/grader/runs", s.handleStartRun)
	admin.HandleFunc("GET /api/admin/grader/runs/{id}", s.handleGetRun)

	admin.HandleFunc("GET /api/admin/settings/{collection}/{name}", s.handleGetCollection)
	admin.HandleFunc("PUT /api/admin/settings/{collection}/{name}", s.handlePutCollection)

	admin.HandleFunc("GET /api/admin/prompts/aspects", s.handleGetAspectsPrompt)
	admin.HandleFunc("PUT /api/admin/prompts/aspects", s.handlePutAspectsPrompt)
	admin.HandleFunc("GET /api/admin/prompts/aspects/history", s.handleAspectsHistory)
	admin.HandleFunc("GET /api/admin/prompts/explain", s.handleGetExplainPrompt)
	admin.HandleFunc("PUT /api/admin/prompts/explain", s.handlePutExplainPrompt)

	admin.HandleFunc("GET /api/admin/feedback", s.handleListFeedback)
	return admin
}

// tokenValidator returns nil when sessions are not configured so the auth
// middleware rejects everything.
func (s *Server) tokenValidator() middleware.TokenValidator {
	if s.jwtService == nil {
		return nil
	}
	return s.jwtService.AsTokenValidator()
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr; X-Forwarded-For is not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with a Retry-After hint.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	retryAfter := retryAfterSeconds(info.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	s.logger.Info("rate limit exceeded",
		zap.Int("limit", info.Limit),
		zap.Int("retry_after_seconds", retryAfter))

	s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
		"error":      fmt.Sprintf("Too many requests. Please try again in %d seconds.", retryAfter),
		"retryAfter": retryAfter,
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}
