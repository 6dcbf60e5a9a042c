package grader

import (
	"errors"
	"fmt"

	"github.com/xtalsearch/xtal-web/internal/apperr"
)

// Pipeline failure sentinels. They are wrapped in an *apperr.Error so the HTTP
// layer can map them, and remain matchable with errors.Is.
var (
	ErrDetectionFailed  = errors.New("store detection failed")
	ErrAnalysisFailed   = errors.New("store analysis failed")
	ErrEvaluationFailed = errors.New("search evaluation failed")
	ErrRunTerminal      = errors.New("run already finished")
)

func detectionFailed(cause error) error {
	return apperr.Upstream(fmt.Errorf("%w: %w", ErrDetectionFailed, cause), "could not load the store's homepage")
}

func analysisFailed(cause error) error {
	return apperr.Upstream(fmt.Errorf("%w: %w", ErrAnalysisFailed, cause), "could not analyze the store")
}

func evaluationFailed(cause error) error {
	return apperr.Upstream(fmt.Errorf("%w: %w", ErrEvaluationFailed, cause), "could not evaluate search results")
}
