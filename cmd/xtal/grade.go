package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/observability"
	"github.com/xtalsearch/xtal-web/internal/report"
)

var (
	gradeOutput    string
	gradeHTML      string
	gradePublicURL string
)

var gradeCmd = &cobra.Command{
	Use:   "grade <store-url> [store-url...]",
	Short: "Grade one or more stores' search",
	Long: `Run the full grader pipeline (detect, analyze, search, evaluate, save) against
each store URL in order. Runs are recorded with source "batch" in the configured
KV store, so they show up in the admin console.

Stores are graded one at a time; a failure is reported and the next store is tried.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().StringVarP(&gradeOutput, "output", "o", "", "Write the reports as JSON to this file (default stdout)")
	gradeCmd.Flags().StringVar(&gradeHTML, "html", "", "Also write the HTML report for a single store to this file")
	gradeCmd.Flags().StringVar(&gradePublicURL, "public-url", "", "Base URL for share links (overrides PUBLIC_BASE_URL)")
	rootCmd.AddCommand(gradeCmd)
}

// gradeOutcome is one line of the batch result.
type gradeOutcome struct {
	URL      string         `json:"url"`
	RunID    string         `json:"runId,omitempty"`
	ShareURL string         `json:"shareUrl,omitempty"`
	Report   *grader.Report `json:"report,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func runGrade(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if gradePublicURL != "" {
		cfg.PublicBaseURL = gradePublicURL
	}
	if gradeHTML != "" && len(args) != 1 {
		return fmt.Errorf("--html needs exactly one store URL")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.KVBackend == "memory" {
		logger.Warn("kv_backend is memory, runs will not outlive this command")
	}

	ctx := cmd.Context()
	deps, err := openGrader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	var printer *observability.Printer
	if cfg.Verbose {
		printer = observability.NewPrinter(cmd.ErrOrStderr())
	}

	outcomes := make([]gradeOutcome, 0, len(args))
	failed := 0
	for _, url := range args {
		outcome := gradeOutcome{URL: url}
		result, err := deps.pipeline.Grade(ctx, url, grader.SourceBatch)
		if result != nil {
			outcome.RunID = result.RunID
		}
		if err != nil {
			failed++
			outcome.Error = err.Error()
			logger.Error("grading failed", zap.String("url", url), zap.String("run_id", outcome.RunID), zap.Error(err))
			if printer != nil {
				printer.PrintFailure(url, outcome.RunID, err)
			}
		} else {
			outcome.Report = result.Report
			outcome.ShareURL = report.ShareURL(cfg.PublicBaseURL, result.Report.ID)
			logger.Info("graded store",
				zap.String("url", url),
				zap.Int("score", result.Report.OverallScore),
				zap.String("grade", result.Report.OverallGrade))
			if printer != nil {
				printer.PrintQueryResults(result.Report.QueryResults)
				printer.PrintReport(result.Report)
			}
		}
		outcomes = append(outcomes, outcome)
		if ctx.Err() != nil {
			break
		}
	}

	if gradeHTML != "" && outcomes[0].Report != nil {
		page, err := report.RenderHTML(outcomes[0].Report, report.Options{ShareURL: outcomes[0].ShareURL})
		if err != nil {
			return err
		}
		if err := os.WriteFile(gradeHTML, page, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", gradeHTML, err)
		}
	}

	if err := writeOutcomes(cmd, outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d stores failed", failed, len(args))
	}
	return nil
}

func writeOutcomes(cmd *cobra.Command, outcomes []gradeOutcome) error {
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return err
	}
	if gradeOutput == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	if err := os.WriteFile(gradeOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", gradeOutput, err)
	}
	return nil
}
