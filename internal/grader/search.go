package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xtalsearch/xtal-web/internal/fetch"
)

// Executor defaults.
const (
	DefaultQueryTimeout  = 10 * time.Second
	DefaultQueryInterval = 500 * time.Millisecond
	// MaxSnippets is how many hits per query are kept for the evaluator.
	MaxSnippets = 5
)

// SearchTarget identifies the search to run queries against.
type SearchTarget struct {
	StoreURL  string
	Platform  Platform
	SearchURL string
}

// QueryExecutor runs test queries against a store's own search, one at a
// time, spaced by a pacer. Concurrent requests trip storefront bot defences.
type QueryExecutor struct {
	Fetch        *fetch.Client
	QueryTimeout time.Duration
	Interval     time.Duration
	Logger       *zap.Logger
}

// NewQueryExecutor creates an executor.
func NewQueryExecutor(client *fetch.Client, queryTimeout, interval time.Duration, logger *zap.Logger) *QueryExecutor {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExecutor{Fetch: client, QueryTimeout: queryTimeout, Interval: interval, Logger: logger}
}

// RunAll executes queries sequentially and returns exactly one result per
// query in input order. Failures are recorded on the result, never returned.
func (e *QueryExecutor) RunAll(ctx context.Context, target SearchTarget, queries []TestQuery) ([]QueryResult, time.Duration) {
	start := time.Now()
	limit := rate.Inf
	if e.Interval > 0 {
		limit = rate.Every(e.Interval)
	}
	pacer := rate.NewLimiter(limit, 1)

	results := make([]QueryResult, len(queries))
	for i, q := range queries {
		if err := pacer.Wait(ctx); err != nil {
			results[i] = QueryResult{Query: q.Query, Category: q.Category, Results: []ResultSnippet{}, Error: err.Error()}
			continue
		}
		results[i] = e.Run(ctx, target, q)
	}

	total := time.Since(start)
	ev := CollectEvidence(results)
	e.Logger.Info("queries executed",
		zap.String("url", target.StoreURL),
		zap.String("platform", string(target.Platform)),
		zap.Int("queries", ev.QueryCount),
		zap.Int("zero_results", ev.ZeroResultCount),
		zap.Duration("duration", total))
	return results, total
}

// Run executes one query under its own timeout.
func (e *QueryExecutor) Run(ctx context.Context, target SearchTarget, q TestQuery) QueryResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	start := time.Now()
	res := QueryResult{Query: q.Query, Category: q.Category, Results: []ResultSnippet{}}

	count, snippets, err := e.search(ctx, target, q.Query)
	res.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		e.Logger.Debug("query failed", zap.String("query", q.Query), zap.Error(err))
		return res
	}
	res.ResultCount = count
	if len(snippets) > MaxSnippets {
		snippets = snippets[:MaxSnippets]
	}
	res.Results = snippets
	return res
}

func (e *QueryExecutor) timeout() time.Duration {
	if e.QueryTimeout <= 0 {
		return DefaultQueryTimeout
	}
	return e.QueryTimeout
}

// search tries the platform API first and falls back to counting product
// cards on the HTML search page.
func (e *QueryExecutor) search(ctx context.Context, target SearchTarget, query string) (int, []ResultSnippet, error) {
	base := strings.TrimRight(target.StoreURL, "/")
	var apiErr error
	switch target.Platform {
	case PlatformShopify:
		count, snippets, err := e.shopifySuggest(ctx, base, query)
		if err == nil {
			return count, snippets, nil
		}
		apiErr = err
	case PlatformWooCommerce:
		count, snippets, err := e.wooStoreAPI(ctx, base, query)
		if err == nil {
			return count, snippets, nil
		}
		apiErr = err
	}
	if apiErr != nil && ctx.Err() != nil {
		return 0, nil, apiErr
	}

	count, snippets, err := e.htmlSearch(ctx, searchPageURL(target, query))
	if err != nil && apiErr != nil {
		return 0, nil, errors.Join(apiErr, err)
	}
	return count, snippets, err
}

// searchPageURL fills the query into the detected template or the platform
// default. Templates that point off the store are ignored.
func searchPageURL(target SearchTarget, query string) string {
	tmpl := target.SearchURL
	if !strings.Contains(tmpl, QueryPlaceholder) || !OnStoreHost(tmpl, target.StoreURL) {
		tmpl = DefaultSearchTemplate(target.StoreURL, target.Platform)
	}
	return strings.ReplaceAll(tmpl, QueryPlaceholder, url.QueryEscape(query))
}

// OnStoreHost reports whether the search template is an http(s) URL on the
// same host and port as storeURL.
func OnStoreHost(tmpl, storeURL string) bool {
	t, err := url.Parse(strings.ReplaceAll(tmpl, QueryPlaceholder, "q"))
	if err != nil || (t.Scheme != "http" && t.Scheme != "https") || t.User != nil {
		return false
	}
	s, err := url.Parse(storeURL)
	if err != nil || s.Host == "" {
		return false
	}
	return strings.EqualFold(t.Host, s.Host)
}

func (e *QueryExecutor) get(ctx context.Context, u string, accept string) (*fetch.Result, error) {
	return e.Fetch.Get(ctx, u, &fetch.Options{
		Timeout: e.timeout(),
		Headers: map[string]string{"Accept": accept},
	})
}

type shopifySuggestResponse struct {
	Resources struct {
		Results struct {
			Products []struct {
				Title  string `json:"title"`
				Price  string `json:"price"`
				Vendor string `json:"vendor"`
			} `json:"products"`
		} `json:"results"`
	} `json:"resources"`
}

func (e *QueryExecutor) shopifySuggest(ctx context.Context, base, query string) (int, []ResultSnippet, error) {
	u := base + "/search/suggest.json?q=" + url.QueryEscape(query) +
		"&resources%5Btype%5D=product&resources%5Blimit%5D=10"
	res, err := e.get(ctx, u, "application/json")
	if err != nil {
		return 0, nil, err
	}
	var body shopifySuggestResponse
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return 0, nil, fmt.Errorf("invalid suggest response: %w", err)
	}
	products := body.Resources.Results.Products
	snippets := make([]ResultSnippet, 0, len(products))
	for _, p := range products {
		snippets = append(snippets, ResultSnippet{Title: p.Title, Price: p.Price, Vendor: p.Vendor})
	}
	return len(products), snippets, nil
}

type wooProduct struct {
	Name   string `json:"name"`
	Prices struct {
		Price             string `json:"price"`
		CurrencyCode      string `json:"currency_code"`
		CurrencyMinorUnit int    `json:"currency_minor_unit"`
	} `json:"prices"`
}

func (e *QueryExecutor) wooStoreAPI(ctx context.Context, base, query string) (int, []ResultSnippet, error) {
	u := base + "/wp-json/wc/store/v1/products?per_page=" + strconv.Itoa(MaxSnippets) + "&search=" + url.QueryEscape(query)
	res, err := e.get(ctx, u, "application/json")
	if err != nil {
		return 0, nil, err
	}
	var products []wooProduct
	if err := json.Unmarshal(res.Body, &products); err != nil {
		return 0, nil, fmt.Errorf("invalid store API response: %w", err)
	}
	count := len(products)
	if total, err := strconv.Atoi(res.Header.Get("X-WP-Total")); err == nil && total >= 0 {
		count = total
	}
	snippets := make([]ResultSnippet, 0, len(products))
	for _, p := range products {
		snippets = append(snippets, ResultSnippet{Title: p.Name, Price: wooPrice(p)})
	}
	return count, snippets, nil
}

// wooPrice converts a minor-unit price string such as "1999" to "19.99 USD".
func wooPrice(p wooProduct) string {
	raw := p.Prices.Price
	if raw == "" {
		return ""
	}
	minor, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	value := minor / math.Pow10(p.Prices.CurrencyMinorUnit)
	price := strconv.FormatFloat(value, 'f', p.Prices.CurrencyMinorUnit, 64)
	if p.Prices.CurrencyCode != "" {
		price += " " + p.Prices.CurrencyCode
	}
	return price
}

func (e *QueryExecutor) htmlSearch(ctx context.Context, u string) (int, []ResultSnippet, error) {
	res, err := e.get(ctx, u, "text/html")
	if err != nil {
		return 0, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML()))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid search page: %w", err)
	}
	cards := findCards(doc)
	snippets := make([]ResultSnippet, 0, MaxSnippets)
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if s := cardSnippet(card); s.Title != "" {
			snippets = append(snippets, s)
		}
		return len(snippets) < MaxSnippets
	})
	return cards.Length(), snippets, nil
}
