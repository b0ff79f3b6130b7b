package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceCode is the answer to a device authorization request.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartDevice requests a device code. Twitch expects the scopes under "scopes",
// which is why this goes over plain HTTP rather than oauth2.Config.DeviceAuth.
func (c *Client) StartDevice(ctx context.Context, scopes []string) (*DeviceCode, error) {
	if c.ClientID == "" {
		return nil, errors.New("missing clientID for device authorization")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(scopes, " "))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.idURL("/oauth2/device"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var dc DeviceCode
	if err := c.do(req, "device authorization", &dc); err != nil {
		return nil, err
	}
	if dc.DeviceCode == "" {
		return nil, errors.New("empty device_code in twitch response")
	}
	return &dc, nil
}

// PollDevice asks whether the user has approved the device code. While the user
// has not, it returns an *OAuthError with code authorization_pending or slow_down.
func (c *Client) PollDevice(ctx context.Context, deviceCode string, scopes []string) (*TokenResult, error) {
	if c.ClientID == "" || deviceCode == "" {
		return nil, errors.New("missing clientID/deviceCode")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(scopes, " "))
	form.Set("device_code", deviceCode)
	form.Set("grant_type", DeviceGrantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.idURL("/oauth2/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        any    `json:"scope"`
	}
	if err := c.do(req, "device token", &body); err != nil {
		return nil, err
	}
	if body.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &TokenResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Scopes:       scopesFromExtra(body.Scope),
		ExpiresAt:    ComputeExpiry(time.Now(), body.ExpiresIn),
	}, nil
}
