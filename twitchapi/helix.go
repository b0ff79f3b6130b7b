package twitchapi

import (
	"context"
	"fmt"
	"net/http"
)

// User is the subset of a Helix user the service shows to operators.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetCurrentUser resolves the user that owns a user access token.
func (c *Client) GetCurrentUser(ctx context.Context, userToken string) (*User, error) {
	userToken = StripOAuthPrefix(userToken)
	if userToken == "" {
		return nil, fmt.Errorf("token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.helixURL("/users"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+userToken)
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.do(req, "get user", &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetUserByLogin resolves a login name with the app token, used to check the
// configured channel exists. A rejected app token is replaced once.
func (c *Client) GetUserByLogin(ctx context.Context, ts *AppTokenSource, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	user, err := c.getUserByLogin(ctx, ts, login)
	if err != nil && ts.invalidOnUnauthorized(err) {
		user, err = c.getUserByLogin(ctx, ts, login)
	}
	return user, err
}

func (c *Client) getUserByLogin(ctx context.Context, ts *AppTokenSource, login string) (*User, error) {
	tok, err := ts.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.helixURL("/users"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.do(req, "get user", &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user %q not found", login)
	}
	return &body.Data[0], nil
}
