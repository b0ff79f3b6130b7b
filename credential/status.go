package credential

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/chatgate/twitchapi"
)

// Status reasons.
const (
	ReasonMissingPrimaryChannel = "MISSING_PRIMARY_CHANNEL"
	ReasonPendingAuth           = "PENDING_AUTH"
	ReasonNoToken               = "NO_TOKEN"
	ReasonInvalidToken          = "INVALID_TOKEN"
	ReasonConfigMissing         = "CONFIG_MISSING"
	ReasonExpired               = "EXPIRED"
)

// Status is the derived connection state of one account.
type Status struct {
	Account             string       `json:"account"`
	AuthFlow            string       `json:"auth_flow"`
	Connected           bool         `json:"connected"`
	Reason              string       `json:"reason,omitempty"`
	Detail              string       `json:"detail,omitempty"`
	DisplayName         string       `json:"display_name,omitempty"`
	TokenSource         string       `json:"token_source"`
	Scopes              []string     `json:"scopes,omitempty"`
	ExpiresAt           *time.Time   `json:"expires_at,omitempty"`
	PrimaryChannel      string       `json:"primary_channel,omitempty"`
	PendingAuth         *PendingView `json:"pending_auth,omitempty"`
	LastRefreshError    string       `json:"last_refresh_error,omitempty"`
	ConnectAvailable    bool         `json:"connect_available"`
	DisconnectAvailable bool         `json:"disconnect_available"`
	CheckedAt           time.Time    `json:"checked_at"`
}

// PendingView is the operator-visible part of a pending auth. It never carries the state or device code.
type PendingView struct {
	Flow            string    `json:"flow"`
	UserCode        string    `json:"user_code,omitempty"`
	VerificationURI string    `json:"verification_uri,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	InitiatedBy     string    `json:"initiated_by,omitempty"`
}

// RemoteCheck is the outcome of validating a token with Twitch.
type RemoteCheck struct {
	Validation *twitchapi.Validation
	Err        error
}

// StatusInput is everything Derive looks at.
type StatusInput struct {
	Account        string
	AuthFlow       string
	Now            time.Time
	PrimaryChannel string
	MissingConfig  []string
	BotNick        string

	LocalToken       string
	EnvToken         string
	Disconnected     bool
	ExpiresAt        *time.Time
	RefreshInvalid   bool
	Scopes           []string
	DisplayName      string
	Pending          *PendingAuth
	LastRefreshError string

	Remote *RemoteCheck
}

// EffectiveToken is the token the account would post with: none once
// disconnected, else the local token, else the env fallback.
func (in StatusInput) EffectiveToken() (token, source string) {
	switch {
	case in.Disconnected:
		return "", SourceNone
	case strings.TrimSpace(in.LocalToken) != "":
		return strings.TrimSpace(in.LocalToken), SourceLocal
	case strings.TrimSpace(in.EnvToken) != "":
		return strings.TrimSpace(in.EnvToken), SourceEnv
	default:
		return "", SourceNone
	}
}

var bareTokenRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{20,}$`)

// TokenShapeValid accepts "oauth:<rest>" or a bare token of 20+ url-safe characters.
func TokenShapeValid(token string) bool {
	token = strings.TrimSpace(token)
	if len(token) > 6 && strings.EqualFold(token[:6], "oauth:") {
		return strings.TrimSpace(token[6:]) != ""
	}
	return bareTokenRe.MatchString(token)
}

// Derive computes an account status. It is pure: same input, same output.
func Derive(in StatusInput) Status {
	token, source := in.EffectiveToken()
	st := Status{
		Account:          in.Account,
		AuthFlow:         in.AuthFlow,
		DisplayName:      in.DisplayName,
		TokenSource:      source,
		Scopes:           slices.Clone(in.Scopes),
		PrimaryChannel:   in.PrimaryChannel,
		LastRefreshError: in.LastRefreshError,
		CheckedAt:        in.Now,
	}
	if in.ExpiresAt != nil && source == SourceLocal {
		t := *in.ExpiresAt
		st.ExpiresAt = &t
	}
	if in.Pending.active(in.Now) {
		st.PendingAuth = &PendingView{
			Flow:            in.Pending.Flow,
			UserCode:        in.Pending.UserCode,
			VerificationURI: in.Pending.VerificationURI,
			ExpiresAt:       in.Pending.ExpiresAt,
			InitiatedBy:     in.Pending.InitiatedBy,
		}
	}
	st.ConnectAvailable = len(in.MissingConfig) == 0 && in.PrimaryChannel != ""
	st.DisconnectAvailable = token != "" || in.Pending != nil

	fail := func(reason, detail string) Status {
		st.Connected = false
		st.Reason = reason
		st.Detail = detail
		return st
	}

	if in.PrimaryChannel == "" {
		return fail(ReasonMissingPrimaryChannel, "TWITCH_CHANNEL is not set")
	}
	if token == "" {
		if st.PendingAuth != nil {
			return fail(ReasonPendingAuth, "waiting for the account owner to approve the connection")
		}
		return fail(ReasonNoToken, "no token stored for this account")
	}
	if !TokenShapeValid(token) {
		return fail(ReasonInvalidToken, "token is malformed")
	}

	nick := in.BotNick
	if nick == "" {
		nick = strings.ToLower(in.DisplayName)
	}
	if nick == "" && in.Remote != nil && in.Remote.Validation != nil {
		nick = in.Remote.Validation.Login
	}
	if in.Account == AccountBot && nick == "" {
		return fail(ReasonConfigMissing, "bot nick unknown: set TWITCH_BOT_NICK")
	}
	if len(in.MissingConfig) > 0 {
		return fail(ReasonConfigMissing, "missing required config: "+strings.Join(in.MissingConfig, ", "))
	}
	if in.RefreshInvalid {
		return fail(ReasonExpired, "refresh token was rejected; reconnect the account")
	}
	if st.ExpiresAt != nil && !in.Now.Before(*st.ExpiresAt) {
		return fail(ReasonExpired, "token expired")
	}
	if in.Remote != nil {
		if in.Remote.Err != nil {
			return fail(ReasonInvalidToken, "remote validation failed: "+in.Remote.Err.Error())
		}
		if v := in.Remote.Validation; v != nil {
			if st.DisplayName == "" {
				st.DisplayName = v.Login
			}
			if len(v.Scopes) > 0 {
				st.Scopes = slices.Clone(v.Scopes)
			}
		}
	}
	st.Connected = true
	return st
}
