// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/xtalsearch/xtal-web/internal/grader"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stderr; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintReport outputs a human-readable summary of a finished grade.
func (p *Printer) PrintReport(report *grader.Report) {
	if report == nil {
		return
	}

	var sb strings.Builder
	name := report.StoreName
	if name == "" {
		name = report.StoreURL
	}
	sb.WriteString(fmt.Sprintf("Store:    %s\n", name))
	sb.WriteString(fmt.Sprintf("Platform: %s\n", report.Platform))
	sb.WriteString(fmt.Sprintf("Score:    %d (%s)", report.OverallScore, report.OverallGrade))
	if report.ScoreDiverged && report.LLMOverallScore != nil {
		sb.WriteString(fmt.Sprintf("  ⚠ LLM said %d", *report.LLMOverallScore))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Queries:  %d run, %d with no results\n", report.QueryCount, report.ZeroResultCount))
	sb.WriteString("\n")

	if len(report.Dimensions) > 0 {
		sb.WriteString("Dimensions:\n")
		for _, d := range report.Dimensions {
			sb.WriteString(fmt.Sprintf("  %-28s %3d\n", d.Label, d.Score))
		}
		sb.WriteString("\n")
	}

	// Recommendations
	if len(report.Recommendations) > 0 {
		sb.WriteString("Recommendations:\n")
		count := min(len(report.Recommendations), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", report.Recommendations[i]))
		}
		if len(report.Recommendations) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(report.Recommendations)-maxItemsToShow))
		}
	}

	p.printBox("SEARCH GRADE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintQueryResults outputs the test queries that came back empty, worst first.
func (p *Printer) PrintQueryResults(results []grader.QueryResult) {
	if len(results) == 0 {
		return
	}

	var zero []grader.QueryResult
	for _, r := range results {
		if r.ResultCount == 0 {
			zero = append(zero, r)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Ran %d queries, %d returned nothing\n", len(results), len(zero)))
	if len(zero) > 0 {
		sb.WriteString("\n")
		count := min(len(zero), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("✗ %q [%s]\n", zero[i].Query, zero[i].Category))
		}
		if len(zero) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("... and %d more", len(zero)-maxItemsToShow))
		}
	}

	p.printBox("TEST QUERIES", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintFailure outputs a failed grade.
//
//nolint:errcheck // writing to stderr; errors are not recoverable
func (p *Printer) PrintFailure(url, runID string, err error) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate("✗ "+url, boxWidth-4))
	if runID != "" {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate("run "+runID, boxWidth-4))
	}
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(err.Error(), boxWidth-4))
	fmt.Fprintf(p.out, "└%s┘\n", border)
}
