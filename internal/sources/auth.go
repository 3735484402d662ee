package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ObiAU/alertrelay/internal/models"
)

// tokenEarlyExpiry is how long before expiry a cached token is replaced.
const tokenEarlyExpiry = 5 * time.Minute

// TokenCache hands out one token source per set of client credentials so
// every metric definition sharing them reuses the same bearer token.
type TokenCache struct {
	client *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewTokenCache(client *http.Client) *TokenCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenCache{client: client, sources: make(map[string]oauth2.TokenSource)}
}

func cacheKey(g models.MetricGlobalConfig) string {
	return strings.Join([]string{g.AzureTenantID, g.ClientID, g.ClientSecret, g.TokenURL}, keySep)
}

// Source returns the cached token source for g, creating it on first use.
func (tc *TokenCache) Source(g models.MetricGlobalConfig) oauth2.TokenSource {
	g.Normalize()
	key := cacheKey(g)

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if ts, ok := tc.sources[key]; ok {
		return ts
	}

	tokenURL := g.TokenURL
	if strings.Contains(tokenURL, "%s") {
		tokenURL = fmt.Sprintf(tokenURL, g.AzureTenantID)
	}
	cfg := &clientcredentials.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{models.DefaultMetricTokenScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, tc.client)
	ts := oauth2.ReuseTokenSourceWithExpiry(nil, &fetchSource{ctx: ctx, cfg: cfg}, tokenEarlyExpiry)
	tc.sources[key] = ts
	return ts
}

// Forget drops the cached source for g so the next call fetches a fresh
// token. Used after the API rejects a token.
func (tc *TokenCache) Forget(g models.MetricGlobalConfig) {
	g.Normalize()
	tc.mu.Lock()
	delete(tc.sources, cacheKey(g))
	tc.mu.Unlock()
}

// fetchSource requests a new token on every call; caching is left to the
// ReuseTokenSource wrapping it.
type fetchSource struct {
	ctx context.Context
	cfg *clientcredentials.Config
}

func (s *fetchSource) Token() (*oauth2.Token, error) {
	return s.cfg.Token(s.ctx)
}

func bearerToken(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return "", fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuth, rerr.Response.StatusCode, truncate(string(rerr.Body), 200))
		}
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}
	return tok.AccessToken, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
