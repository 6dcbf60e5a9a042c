package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Token provider defaults.
const (
	DefaultTokenTimeout = 5 * time.Second
	// TokenRefreshSkew refreshes a cached token this long before it expires.
	TokenRefreshSkew = 30 * time.Second
)

// TokenConfig configures the client-credentials grant.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Enabled reports whether credentials are configured.
func (c TokenConfig) Enabled() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TokenProvider caches a client-credentials access token and refreshes it
// shortly before expiry. A provider without credentials yields no token.
type TokenProvider struct {
	mu     sync.Mutex
	cfg    TokenConfig
	source oauth2.TokenSource
}

// NewTokenProvider creates a provider. Tokens are fetched lazily.
func NewTokenProvider(cfg TokenConfig) *TokenProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTokenTimeout
	}
	p := &TokenProvider{cfg: cfg}
	if cfg.Enabled() {
		p.source = p.newSource()
	}
	return p
}

func (p *TokenProvider) newSource() oauth2.TokenSource {
	base := p.cfg.HTTPClient
	if base == nil {
		base = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	client := *base
	client.Timeout = p.cfg.Timeout

	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     p.cfg.TokenURL,
		Scopes:       p.cfg.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &client)
	// cc.TokenSource caches on its own with a shorter expiry delta, which
	// would hide the refresh skew for short-lived tokens.
	return oauth2.ReuseTokenSourceWithExpiry(nil, grantSource{ctx: ctx, cc: cc}, TokenRefreshSkew)
}

// grantSource requests a new token on every call.
type grantSource struct {
	ctx context.Context
	cc  *clientcredentials.Config
}

func (g grantSource) Token() (*oauth2.Token, error) {
	return g.cc.Token(g.ctx)
}

// Enabled reports whether the provider will attach tokens.
func (p *TokenProvider) Enabled() bool {
	return p != nil && p.cfg.Enabled()
}

// Token returns a valid access token, or "" when no credentials are configured.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("token endpoint returned an empty access token")
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
// Used after the backend rejects a token.
func (p *TokenProvider) Invalidate() {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	p.source = p.newSource()
	p.mu.Unlock()
}
