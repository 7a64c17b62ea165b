package sources

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
)

const spotifyTokenURL = "https://accounts.spotify.com/api/token"

// CredentialCache holds the streaming-service bearer token. Readers take a
// shared lock; a refresh holds the exclusive lock so concurrent callers that
// find the token expired trigger exactly one exchange and all observe its
// result.
type CredentialCache struct {
	cfg  clientcredentials.Config
	http *http.Client
	log  *logging.Logger

	mu  sync.RWMutex
	tok *oauth2.Token

	exchanges atomic.Int64
}

func NewCredentialCache(clientID, clientSecret string, httpClient *http.Client, log *logging.Logger) *CredentialCache {
	return &CredentialCache{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     spotifyTokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		http: httpClient,
		log:  log,
	}
}

// Token returns a valid access token, exchanging credentials if the cached one
// is missing or expired.
func (c *CredentialCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.tok
	c.mu.RUnlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if c.tok.Valid() {
		return c.tok.AccessToken, nil
	}

	if c.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	}
	c.exchanges.Add(1)
	fresh, err := c.cfg.Token(ctx)
	if err != nil {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if fresh.Type() != "Bearer" {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("token exchange: unexpected token type %q", fresh.Type())
	}
	metrics.TokenExchangesTotal.WithLabelValues("ok").Inc()
	c.log.Debugf("spotify: new token, expires %s", fresh.Expiry.Format("15:04:05"))
	c.tok = fresh
	return fresh.AccessToken, nil
}

// Invalidate drops the cached token, typically after the API rejected it.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}

// Exchanges is the number of token requests sent so far.
func (c *CredentialCache) Exchanges() int64 {
	return c.exchanges.Load()
}
