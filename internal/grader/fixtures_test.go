package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtalsearch/xtal-web/internal/fetch"
	"github.com/xtalsearch/xtal-web/internal/kv"
)

// completionFailingStore refuses the write that marks a run completed and
// remembers which reports were written.
type completionFailingStore struct {
	kv.Store

	mu      sync.Mutex
	reports []string
}

func (s *completionFailingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, RunKey("")) && bytes.Contains(value, []byte(`"status":"completed"`)) {
		return errors.New("kv unavailable")
	}
	if strings.HasPrefix(key, ReportKey("")) {
		s.mu.Lock()
		s.reports = append(s.reports, strings.TrimPrefix(key, ReportKey("")))
		s.mu.Unlock()
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *completionFailingStore) writtenReports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reports...)
}

const shopifyHome = `<!doctype html>
<html>
<head>
  <title>Home | Fixture Outfitters</title>
  <meta property="og:site_name" content="Fixture Outfitters">
  <script src="https://cdn.shopify.com/s/files/1/theme.js"></script>
  <script>window.Shopify = window.Shopify || {}; Shopify.theme = {"name":"Dawn"};</script>
  <script type="application/ld+json">
  {"@context":"https://schema.org","@graph":[
    {"@type":"Organization","name":"Fixture Outfitters"},
    {"@type":"Product","name":"Trail Runner 2","brand":{"@type":"Brand","name":"Fixture"},
     "image":["https://cdn.example.com/trail.jpg"],
     "offers":{"@type":"Offer","price":"129.00","priceCurrency":"USD"}}
  ]}
  </script>
  <script type="application/ld+json">
  {"@context":"https://schema.org","@type":"Product","name":"Merino Crew Sock","offers":[{"price":18,"priceCurrency":"USD"}]}
  </script>
</head>
<body>
  <form action="/search" method="get" role="search">
    <input type="search" name="q" placeholder="Search">
  </form>
</body>
</html>`

const shopifyProductsJSON = `{"products":[
  {"title":"Trail Runner 2","vendor":"Fixture","variants":[{"price":"129.00"}],"images":[{"src":"https://cdn.example.com/trail.jpg"}]},
  {"title":"Rain Shell","vendor":"Fixture","variants":[{"price":"220.00"}],"images":[]},
  {"title":"Camp Mug","vendor":"Fixture","variants":[{"price":"24.00"}],"images":[]}
]}`

// newShopifyStore serves a minimal Shopify storefront. Suggest queries
// containing "zzz" return no products.
func newShopifyStore(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, shopifyHome)
	})
	mux.HandleFunc("GET /products.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, shopifyProductsJSON)
	})
	mux.HandleFunc("GET /search/suggest.json", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		products := []map[string]string{}
		if !strings.Contains(q, "zzz") {
			products = append(products,
				map[string]string{"title": "Trail Runner 2", "price": "129.00", "vendor": "Fixture"},
				map[string]string{"title": "Rain Shell", "price": "220.00", "vendor": "Fixture"},
			)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resources": map[string]any{"results": map[string]any{"products": products}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher(srv *httptest.Server) *fetch.Client {
	return &fetch.Client{HTTP: srv.Client(), UserAgent: "grader-test"}
}

// analysisJSON returns a valid analysis document with n distinct queries.
func analysisJSON(n int) string {
	queries := make([]TestQuery, 0, n)
	for i := 0; i < n; i++ {
		queries = append(queries, TestQuery{
			Query:    fmt.Sprintf("waterproof trail shoe %d", i),
			Category: Archetypes[i%len(Archetypes)],
		})
	}
	data, _ := json.Marshal(map[string]any{
		"storeType": "outdoor apparel brand",
		"vertical":  "outdoor",
		"storeName": "Fixture Outfitters",
		"queries":   queries,
	})
	return string(data)
}

// evaluationJSON returns a valid evaluation scoring every dimension at score.
func evaluationJSON(score int, overall int, recommendations ...string) string {
	dims := make([]map[string]any, 0, len(Dimensions))
	for _, d := range Dimensions {
		dims = append(dims, map[string]any{
			"key":        d.Key,
			"score":      score,
			"problem":    "problem with " + d.Key,
			"suggestion": "fix " + d.Key,
			"advantage":  "handles " + d.Key,
		})
	}
	if recommendations == nil {
		recommendations = []string{}
	}
	data, _ := json.Marshal(map[string]any{
		"dimensions":      dims,
		"overallScore":    overall,
		"summary":         "Search struggles with descriptive queries.",
		"recommendations": recommendations,
	})
	return string(data)
}
