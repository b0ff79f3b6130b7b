package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// Validation is the identity service's view of a user token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks a user token against /oauth2/validate. A rejected token yields an *OAuthError with status 401.
func (c *Client) Validate(ctx context.Context, token string) (*Validation, error) {
	token = StripOAuthPrefix(token)
	if token == "" {
		return nil, errors.New("missing token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.idURL("/oauth2/validate"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	var v Validation
	if err := c.do(req, "validate", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Revoke invalidates a token at Twitch.
func (c *Client) Revoke(ctx context.Context, token string) error {
	token = StripOAuthPrefix(token)
	if c.ClientID == "" || token == "" {
		return errors.New("missing clientID/token for revoke")
	}
	q := url.Values{}
	q.Set("client_id", c.ClientID)
	q.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.idURL("/oauth2/revoke")+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, "revoke", nil)
}
