package twitchapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// OAuthError is a non-200 answer from the identity service. Code is normalized
// to lower snake case from the body's "error" field, or from "message" when
// Twitch only sends a message (the device endpoint answers
// {"status":400,"message":"authorization_pending"}).
type OAuthError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *OAuthError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("twitch oauth error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twitch oauth error %d %s", e.StatusCode, e.Code)
}

// ErrorCode returns the normalized OAuth error code of err, or "".
func ErrorCode(err error) string {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

func parseOAuthError(status int, body []byte) *OAuthError {
	var payload struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload) //nolint:errcheck // non-JSON bodies fall through to the status text
	oe := &OAuthError{StatusCode: status, Message: strings.TrimSpace(payload.Message)}
	if oe.Message == "" {
		oe.Message = strings.TrimSpace(payload.Description)
	}
	switch {
	case payload.Error != "" && !strings.EqualFold(payload.Error, http.StatusText(status)):
		oe.Code = normalizeCode(payload.Error)
	case oe.Message != "":
		oe.Code = normalizeCode(oe.Message)
	case payload.Error != "":
		oe.Code = normalizeCode(payload.Error)
	default:
		oe.Code = normalizeCode(http.StatusText(status))
		if oe.Message == "" {
			oe.Message = strings.TrimSpace(string(body))
		}
	}
	return oe
}

func normalizeCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	}), "_")
}

// fromOAuth2Error converts errors from golang.org/x/oauth2 into *OAuthError when the server answered.
func fromOAuth2Error(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	oe := parseOAuthError(status, re.Body)
	if re.ErrorCode != "" && oe.Code == normalizeCode(http.StatusText(status)) {
		oe.Code = normalizeCode(re.ErrorCode)
	}
	return oe
}
