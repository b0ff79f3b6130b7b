package twitchapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthorizeURL constructs the user authorization URL for the code grant.
// force_verify makes Twitch show the consent screen even for an already-authorized account,
// so the operator can pick which login they connect.
func (c *Client) AuthorizeURL(state string, scopes []string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	if state == "" {
		return "", errors.New("missing state")
	}
	return c.oauth2Config(scopes).AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// ExchangeCode exchanges an authorization code for access & refresh tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResult, error) {
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURI == "" || code == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := c.oauth2Config(nil).Exchange(c.oauth2Context(ctx), code)
	if err != nil {
		return nil, fromOAuth2Error(err)
	}
	return tokenResult(tok), nil
}

// Refresh exchanges a refresh token for a new access token. Twitch public clients
// (device flow) refresh without a secret.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if c.ClientID == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/refreshToken")
	}
	ts := c.oauth2Config(nil).TokenSource(c.oauth2Context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fromOAuth2Error(err)
	}
	res := tokenResult(tok)
	if res.RefreshToken == "" {
		res.RefreshToken = refreshToken
	}
	return res, nil
}

func tokenResult(tok *oauth2.Token) *TokenResult {
	res := &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopesFromExtra(tok.Extra("scope")),
	}
	if res.ExpiresAt.IsZero() {
		res.ExpiresAt = ComputeExpiry(time.Now(), int(tok.ExpiresIn))
	}
	return res
}

// Twitch returns scope as a JSON array; other providers use a space separated string.
func scopesFromExtra(v any) []string {
	switch s := v.(type) {
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	case string:
		return strings.Fields(strings.ReplaceAll(s, ",", " "))
	default:
		return nil
	}
}
