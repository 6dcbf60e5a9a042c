package server

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/proxy"
)

// handleProxy relays a storefront call to the search backend. Backend
// responses keep their status and content type.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		s.writeError(w, r, apperr.New(apperr.KindUpstreamError, "search backend is not configured"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, proxy.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperr.InvalidInput("request body too large"))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.KindInvalidInput, err, "failed to read request body"))
		return
	}

	resp, err := s.proxy.Forward(r.Context(), r.PathValue("endpoint"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if timing := proxy.ServerTiming(resp.Timings); timing != "" {
		w.Header().Set("Server-Timing", timing)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug("proxy response write aborted", zap.Error(err))
	}
}
