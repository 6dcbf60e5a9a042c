package grader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/fetch"
)

// MaxProductSamples caps the samples handed to the analyzer.
const MaxProductSamples = 8

// DefaultDetectionTimeout bounds the storefront fetch.
const DefaultDetectionTimeout = 15 * time.Second

// QueryPlaceholder marks where the query goes in a search URL template.
const QueryPlaceholder = "{query}"

type fingerprint struct {
	platform Platform
	markers  []string
}

// fingerprints are checked in order; the first match wins.
var fingerprints = []fingerprint{
	{PlatformShopify, []string{"cdn.shopify.com", "shopify.theme", "window.shopify", "shopify-checkout-api-token", ".myshopify.com"}},
	{PlatformWooCommerce, []string{"wp-content/plugins/woocommerce", "woocommerce", "wc-block", "wc-ajax"}},
	{PlatformBigCommerce, []string{"cdn11.bigcommerce.com", "bcdata", "bigcommerce.com"}},
}

// productCardSelectors match product tiles on listing and search pages.
var productCardSelectors = []string{
	"[data-product-id]",
	".product-card",
	".product-item",
	"li.product",
	".card-product",
	".grid-product",
	".productGrid .product",
	"article.card",
	".product-tile",
}

var (
	cardTitleSelectors = "[class*=title], [class*=name], .card__heading, h2, h3, h4"
	cardPriceSelectors = ".price, .money, [class*=price]"
)

// Detection is the detector output.
type Detection struct {
	Store   StoreInfo       `json:"store"`
	Samples []ProductSample `json:"productSamples"`
}

// Renderer renders a page in a headless browser.
type Renderer func(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (string, error)

// Detector classifies a storefront and samples its products.
type Detector struct {
	Fetch      *fetch.Client
	Timeout    time.Duration
	UseBrowser bool
	Render     Renderer
	Logger     *zap.Logger
}

// NewDetector creates a detector using client for all requests.
func NewDetector(client *fetch.Client, timeout time.Duration, useBrowser bool, logger *zap.Logger) *Detector {
	if timeout <= 0 {
		timeout = DefaultDetectionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		Fetch:      client,
		Timeout:    timeout,
		UseBrowser: useBrowser,
		Render:     fetch.WithBrowser,
		Logger:     logger,
	}
}

// NormalizeStoreURL validates raw and reduces it to scheme://host.
func NormalizeStoreURL(raw string) (string, error) {
	u, err := fetch.ParseStoreURL(raw)
	if err != nil {
		return "", apperr.InvalidInput("%s", err.Error())
	}
	return u.Scheme + "://" + u.Host, nil
}

// NormalizePublicStoreURL is NormalizeStoreURL that also refuses localhost and
// non-public IP hosts.
func NormalizePublicStoreURL(raw string) (string, error) {
	base, err := NormalizeStoreURL(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", apperr.InvalidInput("invalid url %q", raw)
	}
	if err := fetch.CheckPublicHost(u.Hostname()); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, err, "url must point to a public store")
	}
	return base, nil
}

// Detect fetches the storefront and classifies it. An invalid URL returns an
// InvalidInput error; a fetch failure wraps ErrDetectionFailed.
func (d *Detector) Detect(ctx context.Context, rawURL string) (*Detection, error) {
	base, err := NormalizeStoreURL(rawURL)
	if err != nil {
		return nil, err
	}

	res, err := d.Fetch.Get(ctx, base, &fetch.Options{Timeout: d.Timeout})
	if err != nil {
		return nil, detectionFailed(err)
	}
	html := res.HTML()

	if d.UseBrowser && d.Render != nil {
		if text, err := fetch.VisibleText(html); err == nil && fetch.ShouldUseBrowser(text) {
			if rendered, err := d.Render(ctx, base, d.Timeout, d.Logger); err == nil {
				html = rendered
			} else {
				d.Logger.Warn("browser render failed, using raw HTML", zap.String("url", base), zap.Error(err))
			}
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, detectionFailed(err)
	}

	platform := detectPlatform(html, res.Header)
	det := &Detection{
		Store: StoreInfo{
			URL:       base,
			Platform:  platform,
			Name:      storeName(doc, base),
			SearchURL: searchTemplate(doc, base, platform),
		},
	}

	det.Samples = jsonLDProducts(doc, MaxProductSamples)
	if len(det.Samples) < MaxProductSamples {
		det.Samples = appendUnique(det.Samples, cardProducts(doc, base, MaxProductSamples), MaxProductSamples)
	}
	if platform == PlatformShopify && len(det.Samples) < MaxProductSamples {
		det.Samples = appendUnique(det.Samples, d.shopifyProducts(ctx, base), MaxProductSamples)
	}
	if det.Samples == nil {
		det.Samples = []ProductSample{}
	}

	d.Logger.Info("store detected",
		zap.String("url", base),
		zap.String("platform", string(platform)),
		zap.Int("samples", len(det.Samples)))
	return det, nil
}

// Degraded is the detection used when the storefront cannot be fetched.
func Degraded(rawURL string) *Detection {
	base, err := NormalizeStoreURL(rawURL)
	if err != nil {
		base = rawURL
	}
	host := base
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return &Detection{
		Store:   StoreInfo{URL: base, Platform: PlatformUnknown, Name: host},
		Samples: []ProductSample{},
	}
}

func detectPlatform(html string, header http.Header) Platform {
	if header.Get("X-ShopId") != "" || header.Get("X-Shopify-Stage") != "" {
		return PlatformShopify
	}
	lower := strings.ToLower(html)
	for _, fp := range fingerprints {
		for _, marker := range fp.markers {
			if strings.Contains(lower, marker) {
				return fp.platform
			}
		}
	}
	return PlatformCustom
}

func storeName(doc *goquery.Document, base string) string {
	if name, ok := doc.Find(`meta[property="og:site_name"]`).Attr("content"); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	for _, sep := range []string{" | ", " – ", " — ", " - "} {
		if idx := strings.LastIndex(title, sep); idx > 0 {
			title = strings.TrimSpace(title[idx+len(sep):])
			break
		}
	}
	if title != "" {
		return title
	}
	if u, err := url.Parse(base); err == nil {
		return u.Hostname()
	}
	return base
}

// searchTemplate returns a URL containing QueryPlaceholder.
func searchTemplate(doc *goquery.Document, base string, platform Platform) string {
	form := doc.Find(`form[action*="search"], form[role="search"]`).First()
	if form.Length() > 0 {
		action, _ := form.Attr("action")
		input := form.Find(`input[type="search"], input[name="q"], input[name="s"], input[name="search_query"], input[type="text"]`).First()
		name, _ := input.Attr("name")
		if name != "" {
			if target := resolve(base, action); target != "" {
				sep := "?"
				if strings.Contains(target, "?") {
					sep = "&"
				}
				return target + sep + url.QueryEscape(name) + "=" + QueryPlaceholder
			}
		}
	}

	if platform == PlatformCustom || platform == PlatformUnknown {
		return ""
	}
	return DefaultSearchTemplate(base, platform)
}

// DefaultSearchTemplate is the platform's stock search page.
func DefaultSearchTemplate(base string, platform Platform) string {
	base = strings.TrimRight(base, "/")
	switch platform {
	case PlatformShopify:
		return base + "/search?type=product&q=" + QueryPlaceholder
	case PlatformWooCommerce:
		return base + "/?post_type=product&s=" + QueryPlaceholder
	case PlatformBigCommerce:
		return base + "/search.php?search_query=" + QueryPlaceholder
	default:
		return base + "/search?q=" + QueryPlaceholder
	}
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

// jsonLDProducts extracts Product entities from ld+json blocks, including @graph arrays.
func jsonLDProducts(doc *goquery.Document, limit int) []ProductSample {
	var out []ProductSample
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		walkLD(data, func(obj map[string]any) {
			if len(out) >= limit {
				return
			}
			if p, ok := ldProduct(obj); ok {
				out = append(out, p)
			}
		})
		return len(out) < limit
	})
	return out
}

func walkLD(v any, visit func(map[string]any)) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			walkLD(item, visit)
		}
	case map[string]any:
		visit(t)
		if graph, ok := t["@graph"]; ok {
			walkLD(graph, visit)
		}
		if items, ok := t["itemListElement"]; ok {
			walkLD(items, visit)
		}
		if item, ok := t["item"]; ok {
			walkLD(item, visit)
		}
	}
}

func ldProduct(obj map[string]any) (ProductSample, bool) {
	if !ldTypeIs(obj["@type"], "Product") {
		return ProductSample{}, false
	}
	name := ldString(obj["name"])
	if name == "" {
		return ProductSample{}, false
	}
	p := ProductSample{Title: name, Image: ldImage(obj["image"])}
	switch b := obj["brand"].(type) {
	case string:
		p.Vendor = b
	case map[string]any:
		p.Vendor = ldString(b["name"])
	}
	offers := obj["offers"]
	if list, ok := offers.([]any); ok && len(list) > 0 {
		offers = list[0]
	}
	if o, ok := offers.(map[string]any); ok {
		price := ldString(o["price"])
		if price == "" {
			price = ldString(o["lowPrice"])
		}
		if cur := ldString(o["priceCurrency"]); price != "" && cur != "" {
			price = price + " " + cur
		}
		p.Price = price
	}
	return p, true
}

func ldTypeIs(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func ldImage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			return ldImage(t[0])
		}
	case map[string]any:
		return ldString(t["url"])
	}
	return ""
}

// cardProducts reads product tiles using the first selector that matches.
func cardProducts(doc *goquery.Document, base string, limit int) []ProductSample {
	cards := findCards(doc)
	var out []ProductSample
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		snippet := cardSnippet(card)
		if snippet.Title == "" {
			return true
		}
		p := ProductSample{Title: snippet.Title, Price: snippet.Price, Vendor: snippet.Vendor}
		img := card.Find("img").First()
		src, _ := img.Attr("src")
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		if src != "" {
			p.Image = resolve(base, src)
		}
		out = append(out, p)
		return len(out) < limit
	})
	return out
}

func findCards(doc *goquery.Document) *goquery.Selection {
	for _, sel := range productCardSelectors {
		if cards := doc.Find(sel); cards.Length() > 0 {
			return cards
		}
	}
	return doc.Find("[data-product-card]")
}

func cardSnippet(card *goquery.Selection) ResultSnippet {
	title := strings.TrimSpace(card.Find(cardTitleSelectors).First().Text())
	if title == "" {
		title, _ = card.Find("a[title]").First().Attr("title")
	}
	if title == "" {
		title, _ = card.Find("img[alt]").First().Attr("alt")
	}
	return ResultSnippet{
		Title:  strings.Join(strings.Fields(title), " "),
		Price:  strings.Join(strings.Fields(card.Find(cardPriceSelectors).First().Text()), " "),
		Vendor: strings.TrimSpace(card.Find("[class*=vendor], [class*=brand]").First().Text()),
	}
}

type shopifyProductsResponse struct {
	Products []struct {
		Title    string `json:"title"`
		Vendor   string `json:"vendor"`
		Variants []struct {
			Price string `json:"price"`
		} `json:"variants"`
		Images []struct {
			Src string `json:"src"`
		} `json:"images"`
	} `json:"products"`
}

func (d *Detector) shopifyProducts(ctx context.Context, base string) []ProductSample {
	res, err := d.Fetch.Get(ctx, base+"/products.json?limit=8", &fetch.Options{
		Timeout: d.Timeout,
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		d.Logger.Debug("shopify products.json unavailable", zap.String("url", base), zap.Error(err))
		return nil
	}
	var body shopifyProductsResponse
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return nil
	}
	out := make([]ProductSample, 0, len(body.Products))
	for _, p := range body.Products {
		sample := ProductSample{Title: p.Title, Vendor: p.Vendor}
		if len(p.Variants) > 0 {
			sample.Price = p.Variants[0].Price
		}
		if len(p.Images) > 0 {
			sample.Image = p.Images[0].Src
		}
		out = append(out, sample)
	}
	return out
}

func appendUnique(dst, src []ProductSample, limit int) []ProductSample {
	seen := make(map[string]bool, len(dst))
	for _, p := range dst {
		seen[strings.ToLower(p.Title)] = true
	}
	for _, p := range src {
		if len(dst) >= limit {
			break
		}
		key := strings.ToLower(p.Title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		dst = append(dst, p)
	}
	return dst
}
