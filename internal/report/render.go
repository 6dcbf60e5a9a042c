// Package report renders grader reports as the public share page and as PDF.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/xtalsearch/xtal-web/internal/grader"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Options controls page rendering.
type Options struct {
	// ShareURL is the canonical link shown on the page.
	ShareURL string
	// Print drops interactive elements for the PDF view.
	Print bool
}

// pageData is what the template sees.
type pageData struct {
	Report   *grader.Report
	ShareURL string
	Print    bool
	Grade    string
	Revenue  grader.RevenueImpact
}

var loadTemplate = sync.OnceValues(func() (*template.Template, error) {
	return template.New("report.html").Funcs(template.FuncMap{
		"money":      formatMoney,
		"gradeClass": gradeClass,
		"scoreClass": scoreClass,
		"percent":    func(w float64) string { return fmt.Sprintf("%.0f%%", w*100) },
	}).ParseFS(templateFiles, "templates/report.html")
})

// RenderHTML renders report as a standalone HTML page.
func RenderHTML(r *grader.Report, opts Options) ([]byte, error) {
	if r == nil {
		return nil, &TemplateError{Message: "report is nil"}
	}
	tmpl, err := loadTemplate()
	if err != nil {
		return nil, &TemplateError{Message: "failed to parse template", Cause: err}
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, pageData{
		Report:   r,
		ShareURL: opts.ShareURL,
		Print:    opts.Print,
		Grade:    r.OverallGrade,
		Revenue:  r.RevenueImpact,
	})
	if err != nil {
		return nil, &TemplateError{Message: "failed to execute template", Cause: err}
	}
	return buf.Bytes(), nil
}

// ShareURL builds the public link for a report.
func ShareURL(baseURL, reportID string) string {
	return strings.TrimRight(baseURL, "/") + "/grade/" + reportID
}

func formatMoney(v float64) string {
	whole := fmt.Sprintf("%.0f", v)
	var out strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(c)
	}
	return "$" + out.String()
}

func gradeClass(grade string) string {
	return "grade-" + strings.ToLower(grade)
}

func scoreClass(score int) string {
	switch {
	case score >= grader.GradeBThreshold:
		return "good"
	case score >= grader.GradeDThreshold:
		return "fair"
	default:
		return "poor"
	}
}
