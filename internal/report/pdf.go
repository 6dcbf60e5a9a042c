package report

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/fetch"
)

// DefaultPDFTimeout bounds one PDF render.
const DefaultPDFTimeout = 30 * time.Second

// PDFRenderer converts a rendered HTML page to PDF.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
}

// ChromePDF prints pages through headless Chrome.
type ChromePDF struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewChromePDF creates a Chrome-backed renderer.
func NewChromePDF(logger *zap.Logger) *ChromePDF {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromePDF{Timeout: DefaultPDFTimeout, Logger: logger}
}

// RenderPDF loads html into a blank tab and prints it with backgrounds.
// Requires Chrome/Chromium on the host.
func (c *ChromePDF) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultPDFTimeout
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, fetch.AllocatorOptions()...)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	start := time.Now()
	var pdf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				WithMarginTop(0.4).
				WithMarginBottom(0.4).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, &PDFError{Message: "failed to print report", Cause: err}
	}

	c.Logger.Debug("report printed to pdf",
		zap.Int("bytes", len(pdf)),
		zap.Duration("duration", time.Since(start)))
	return pdf, nil
}
