package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/chatgate/twitchapi"
)

// Code is the machine-readable error code surfaced to operators.
type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeUnknownAccount      Code = "UNKNOWN_ACCOUNT"
	CodeFlowNotEnabled      Code = "FLOW_NOT_ENABLED"
	CodeConfigMissing       Code = "CONFIG_MISSING"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeNoPendingDeviceAuth Code = "NO_PENDING_DEVICE_AUTH"
	CodeDeviceCodeExpired   Code = "DEVICE_CODE_EXPIRED"
	CodeExpiredToken        Code = "EXPIRED_TOKEN"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeInvalidDeviceCode   Code = "INVALID_DEVICE_CODE"
	CodeExchangeFailed      Code = "TOKEN_EXCHANGE_FAILED"
	CodeDeviceStartFailed   Code = "DEVICE_AUTH_START_FAILED"
	CodeDeviceAuthFailed    Code = "DEVICE_AUTH_FAILED"
	CodeInvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	CodeRefreshFailed       Code = "TOKEN_REFRESH_FAILED"
	CodeStorage             Code = "STORAGE_ERROR"
)

// Error is returned by Manager operations.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// ErrorClass tells callers how to react to an error.
type ErrorClass int

const (
	// ClassConfig errors are surfaced and never retried.
	ClassConfig ErrorClass = iota
	// ClassSecurity errors need the operator to re-authorize.
	ClassSecurity
	// ClassTransient errors are retried on the next poll or sweep.
	ClassTransient
	// ClassTerminal errors end a pending flow.
	ClassTerminal
	// ClassUnknown errors cannot be placed.
	ClassUnknown
)

// String returns a human-readable name for the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassSecurity:
		return "security"
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify places err into an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	switch CodeOf(err) {
	case CodeConfigMissing, CodeFlowNotEnabled, CodeBadRequest, CodeUnknownAccount:
		return ClassConfig
	case CodeInvalidState, CodeInvalidRefreshToken:
		return ClassSecurity
	case CodeDeviceCodeExpired, CodeExpiredToken, CodeAccessDenied, CodeInvalidDeviceCode, CodeNoPendingDeviceAuth,
		CodeDeviceAuthFailed:
		return ClassTerminal
	}
	switch twitchapi.ErrorCode(err) {
	case "authorization_pending", "slow_down":
		return ClassTransient
	case "expired_token", "access_denied", "invalid_device_code":
		return ClassTerminal
	case "invalid_refresh_token", "invalid_grant", "invalid_access_token":
		return ClassSecurity
	}
	if isTransientNetwork(err) {
		return ClassTransient
	}
	return ClassUnknown
}

// isTransientNetwork reports timeouts, connection failures and 5xx/429 answers.
func isTransientNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *twitchapi.OAuthError
	if errors.As(err, &oe) {
		return oe.StatusCode >= http.StatusInternalServerError || oe.StatusCode == http.StatusTooManyRequests
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "connection refused", "timeout", "eof", "no such host"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// refreshFailureCode maps a refresh error to INVALID_REFRESH_TOKEN or TOKEN_REFRESH_FAILED.
func refreshFailureCode(err error) Code {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "invalid refresh token") || strings.Contains(lower, "refresh token is invalid") ||
		twitchapi.ErrorCode(err) == "invalid_refresh_token" {
		return CodeInvalidRefreshToken
	}
	return CodeRefreshFailed
}
