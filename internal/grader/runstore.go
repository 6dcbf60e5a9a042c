package grader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/kv"
)

// Run store keys and retention.
const (
	RunTTL        = 30 * 24 * time.Hour
	RunIndexKey   = "grader:runs:index"
	RunIndexLimit = 500
)

// RunKey is the key of a run record.
func RunKey(id string) string { return "grader:run:" + id }

// ReportKey is the key of a report record.
func ReportKey(id string) string { return "grader:report:" + id }

// LeadKey is the key of the email captured for a report.
func LeadKey(reportID string) string { return "grader:lead:" + reportID }

// Lead is the email captured for a report.
type Lead struct {
	ReportID   string    `json:"reportId"`
	Email      string    `json:"email"`
	StoreURL   string    `json:"storeUrl"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RunSummary is a run without its step payloads, for listings.
type RunSummary struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	StoreURL  string    `json:"storeUrl"`
	StoreName string    `json:"storeName,omitempty"`
	Platform  Platform  `json:"platform,omitempty"`
	Status    RunStatus `json:"status"`
	ReportID  string    `json:"reportId,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary drops the step payloads.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		ID:        r.ID,
		Source:    r.Source,
		StoreURL:  r.StoreURL,
		StoreName: r.StoreName,
		Platform:  r.Platform,
		Status:    r.Status,
		ReportID:  r.ReportID,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// RunStore persists runs and reports in the key-value store.
type RunStore struct {
	kv        kv.Store
	logger    *zap.Logger
	opTimeout time.Duration
	now       func() time.Time
	newID     func() string
}

// NewRunStore creates a run store over store.
func NewRunStore(store kv.Store, logger *zap.Logger) *RunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStore{
		kv:        store,
		logger:    logger,
		opTimeout: kv.DefaultOpTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// CreateRun records a new running run.
func (s *RunStore) CreateRun(ctx context.Context, storeURL string, source Source) (*Run, error) {
	now := s.now()
	run := &Run{
		ID:        s.newID(),
		Source:    source,
		StoreURL:  storeURL,
		Platform:  PlatformUnknown,
		Status:    StatusRunning,
		Steps:     map[string]*Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, run); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := kv.PushCapped(ctx, s.kv, RunIndexKey, []byte(run.ID), RunIndexLimit); err != nil {
		s.logger.Warn("failed to index run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, nil
}

// UpdateRun persists run as is. Concurrent writers are last-writer-wins.
func (s *RunStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = s.now()
	return s.put(ctx, run)
}

// CompleteRun stores report, assigning an id when it has none, and marks run completed.
// The report is written first so a completed run always resolves its report,
// and removed again when the run cannot be marked completed.
func (s *RunStore) CompleteRun(ctx context.Context, run *Run, report *Report) error {
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, run.ID, run.Status)
	}
	if report.ID == "" {
		report.ID = s.newID()
	}
	report.RunID = run.ID
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now()
	}
	if err := s.putReport(ctx, report); err != nil {
		return err
	}

	prev := *run
	run.Status = StatusCompleted
	run.ReportID = report.ID
	run.Error = ""
	if report.StoreName != "" {
		run.StoreName = report.StoreName
	}
	run.Platform = report.Platform
	if err := s.UpdateRun(ctx, run); err != nil {
		// The run is still stored as running; a report must not outlive it.
		*run = prev
		s.deleteReport(ctx, report.ID)
		return err
	}
	return nil
}

func (s *RunStore) deleteReport(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, ReportKey(id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.logger.Error("failed to remove report of an incomplete run", zap.String("report_id", id), zap.Error(err))
	}
}

// FailRun marks run failed with msg. It never produces a report.
func (s *RunStore) FailRun(ctx context.Context, run *Run, msg string) error {
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, run.ID, run.Status)
	}
	run.Status = StatusFailed
	run.Error = msg
	return s.UpdateRun(ctx, run)
}

// GetRun loads a run or returns a NotFound error.
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.get(ctx, RunKey(id), &run); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperr.NotFound("run %s not found", id)
		}
		return nil, err
	}
	return &run, nil
}

// GetReport loads a report or returns a NotFound error.
func (s *RunStore) GetReport(ctx context.Context, id string) (*Report, error) {
	var report Report
	if err := s.get(ctx, ReportKey(id), &report); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperr.NotFound("report %s not found", id)
		}
		return nil, err
	}
	return &report, nil
}

// ListRuns returns up to limit of the most recent runs, newest first.
// Expired runs are skipped.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > RunIndexLimit {
		limit = RunIndexLimit
	}
	rctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	ids, err := s.kv.LRange(rctx, RunIndexKey, 0, int64(limit)-1)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, string(id))
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, run.Summary())
	}
	return out, nil
}

// MarkEmailCaptured sets the report's emailCaptured flag and records the lead.
func (s *RunStore) MarkEmailCaptured(ctx context.Context, reportID, email string) (*Report, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, apperr.InvalidInput("email is required")
	}
	report, err := s.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	lead := Lead{ReportID: reportID, Email: email, StoreURL: report.StoreURL, CapturedAt: s.now()}
	if err := s.set(ctx, LeadKey(reportID), lead, 0); err != nil {
		return nil, err
	}
	if !report.EmailCaptured {
		report.EmailCaptured = true
		if err := s.putReport(ctx, report); err != nil {
			return nil, err
		}
	}
	s.logger.Info("report email captured", zap.String("report_id", reportID))
	return report, nil
}

// GetLead returns the lead captured for a report.
func (s *RunStore) GetLead(ctx context.Context, reportID string) (*Lead, error) {
	var lead Lead
	if err := s.get(ctx, LeadKey(reportID), &lead); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperr.NotFound("no lead for report %s", reportID)
		}
		return nil, err
	}
	return &lead, nil
}

func (s *RunStore) put(ctx context.Context, run *Run) error {
	return s.set(ctx, RunKey(run.ID), run, RunTTL)
}

func (s *RunStore) putReport(ctx context.Context, report *Report) error {
	return s.set(ctx, ReportKey(report.ID), report, 0)
}

func (s *RunStore) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := kv.SetJSON(ctx, s.kv, key, v, ttl); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *RunStore) get(ctx context.Context, key string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return kv.GetJSON(ctx, s.kv, key, dst)
}
