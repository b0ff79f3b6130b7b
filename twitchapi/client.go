// Package twitchapi talks to the Twitch identity service (id.twitch.tv) and the
// Helix API on behalf of the credential manager: authorization-code and device-code
// grants, refresh, validation and revocation of user tokens, plus an app token
// source and a user lookup.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultIDBaseURL    = "https://id.twitch.tv"
	DefaultHelixBaseURL = "https://api.twitch.tv/helix"

	// DeviceGrantType is the grant used to poll a device code.
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Client holds the application credentials and endpoints. The zero base URLs
// resolve to the production Twitch hosts.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	IDBaseURL    string
	HelixBaseURL string
	HTTPClient   *http.Client
}

// NewClient builds a client for the production endpoints with a bounded HTTP timeout.
func NewClient(clientID, clientSecret, redirectURI string) *Client {
	return &Client{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// TokenResult is a granted or refreshed user token.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) idURL(path string) string {
	base := c.IDBaseURL
	if base == "" {
		base = DefaultIDBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

func (c *Client) helixURL(path string) string {
	base := c.HelixBaseURL
	if base == "" {
		base = DefaultHelixBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

func (c *Client) oauth2Config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.idURL("/oauth2/authorize"),
			TokenURL:  c.idURL("/oauth2/token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauth2Context makes the oauth2 package use our HTTP client.
func (c *Client) oauth2Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http())
}

// do sends req and decodes a 200 JSON body into out. Non-200 responses become *OAuthError.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("twitch %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return parseOAuthError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("twitch %s: decode response: %w", op, err)
	}
	return nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// StripOAuthPrefix removes the IRC-style "oauth:" prefix so the token can be used against the APIs.
func StripOAuthPrefix(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 6 && strings.EqualFold(token[:6], "oauth:") {
		return token[6:]
	}
	return token
}
