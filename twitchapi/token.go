package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// appTokenLeeway is how long before expiry a cached app token is replaced.
const appTokenLeeway = time.Minute

// AppTokenSource caches the app access token from the client credentials grant.
// It authorizes Helix lookups such as the channel readiness check. It never
// stands in for the bot's user token, which chat requires.
type AppTokenSource struct {
	Client *Client
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// NewAppTokenSource returns an AppTokenSource for c.
func NewAppTokenSource(c *Client) *AppTokenSource {
	return &AppTokenSource{Client: c}
}

func (s *AppTokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Token returns the cached app token, fetching a new one when it is missing
// or inside the expiry leeway. Concurrent callers share one fetch.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil && s.token.AccessToken != "" &&
		(s.token.Expiry.IsZero() || s.now().Add(appTokenLeeway).Before(s.token.Expiry)) {
		return s.token.AccessToken, nil
	}
	c := s.Client
	if c == nil || c.ClientID == "" || c.ClientSecret == "" {
		return "", errors.New("app token needs TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
	}
	cc := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.idURL("/oauth2/token"),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(c.oauth2Context(ctx))
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", fromOAuth2Error(err))
	}
	if tok.AccessToken == "" {
		return "", errors.New("twitch app token: empty access_token")
	}
	s.token = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *AppTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// invalidOnUnauthorized drops the cached token when Helix rejected it and
// reports whether a retry with a new token may help.
func (s *AppTokenSource) invalidOnUnauthorized(err error) bool {
	var oe *OAuthError
	if errors.As(err, &oe) && oe.StatusCode == http.StatusUnauthorized {
		s.Invalidate()
		return true
	}
	return false
}
