package credential

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

// AuthStart is returned when a connection attempt begins. Code-flow starts carry
// AuthURL; device-flow starts carry the user code and verification URI.
type AuthStart struct {
	Account         string    `json:"account"`
	Flow            string    `json:"flow"`
	AuthURL         string    `json:"auth_url,omitempty"`
	UserCode        string    `json:"user_code,omitempty"`
	VerificationURI string    `json:"verification_uri,omitempty"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// AuthResult is returned when an account finishes connecting.
type AuthResult struct {
	Account     string     `json:"account"`
	DisplayName string     `json:"display_name,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	InitiatedBy string     `json:"initiated_by,omitempty"`
}

// PollResult is the answer to a device-code poll.
type PollResult struct {
	Account           string      `json:"account"`
	Connected         bool        `json:"connected"`
	Pending           bool        `json:"pending"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
	Detail            string      `json:"detail,omitempty"`
	Auth              *AuthResult `json:"auth,omitempty"`
}

// Connect starts whichever flow is configured.
func (m *Manager) Connect(ctx context.Context, account, initiatedBy string) (*AuthStart, error) {
	if m.cfg.AuthFlow == config.FlowDeviceCode {
		return m.StartDeviceAuth(ctx, account, initiatedBy)
	}
	return m.StartAuth(account, initiatedBy)
}

// StartAuth begins an authorization-code flow, replacing any pending auth of the account.
func (m *Manager) StartAuth(account, initiatedBy string) (*AuthStart, error) {
	if m.cfg.AuthFlow != config.FlowAuthorizationCode {
		return nil, newError(CodeFlowNotEnabled, "authorization code flow is not enabled")
	}
	if missing := m.cfg.MissingTwitchFields(); len(missing) > 0 {
		return nil, newError(CodeConfigMissing, "missing required config: %s", strings.Join(missing, ", "))
	}
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	authURL, err := m.client.AuthorizeURL(state, m.cfg.ScopeList())
	if err != nil {
		return nil, &Error{Code: CodeConfigMissing, Detail: "cannot build authorize url", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.account(account)
	if err != nil {
		return nil, err
	}
	now := m.now()
	acct.Pending = &PendingAuth{
		Flow:        config.FlowAuthorizationCode,
		State:       state,
		ExpiresAt:   now.Add(pendingCodeTTL).UTC(),
		InitiatedBy: initiatedBy,
		CreatedAt:   now.UTC(),
	}
	if err := m.saveLocked(acct); err != nil {
		return nil, err
	}
	return &AuthStart{Account: account, Flow: config.FlowAuthorizationCode, AuthURL: authURL, ExpiresAt: acct.Pending.ExpiresAt}, nil
}

// FinishAuth completes the code flow for whichever account holds state.
func (m *Manager) FinishAuth(ctx context.Context, code, state string) (*AuthResult, error) {
	code = strings.TrimSpace(code)
	state = strings.TrimSpace(state)
	if code == "" || state == "" {
		return nil, newError(CodeBadRequest, "code and state are required")
	}
	if m.cfg.AuthFlow != config.FlowAuthorizationCode {
		return nil, newError(CodeFlowNotEnabled, "authorization code flow is not enabled")
	}
	if missing := m.cfg.MissingTwitchFields(); len(missing) > 0 {
		return nil, newError(CodeConfigMissing, "missing required config: %s", strings.Join(missing, ", "))
	}

	m.mu.Lock()
	account, pending := m.findStateLocked(state)
	if account == "" {
		m.mu.Unlock()
		return nil, newError(CodeInvalidState, "state does not match a pending authorization")
	}
	if !pending.active(m.now()) {
		acct := m.accounts[account]
		acct.Pending = nil
		_ = m.saveLocked(acct) //nolint:errcheck // logged inside; the caller gets INVALID_STATE either way
		m.mu.Unlock()
		return nil, newError(CodeInvalidState, "authorization expired; start again")
	}
	m.mu.Unlock()

	xctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	tok, err := m.client.ExchangeCode(xctx, code)
	cancel()
	if err != nil {
		m.clearPendingIf(account, state, "")
		slog.Warn("twitch code exchange failed", slog.String("component", "credential"), slog.String("account", account), slog.Any("err", err))
		return nil, &Error{Code: CodeExchangeFailed, Detail: "twitch rejected the authorization code", Err: err}
	}
	displayName := m.lookupDisplayName(ctx, tok.AccessToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[account]
	if acct.Pending == nil || acct.Pending.State != state {
		return nil, newError(CodeInvalidState, "authorization was superseded by a newer attempt")
	}
	initiatedBy := acct.Pending.InitiatedBy
	m.applyTokenLocked(acct, tok, displayName)
	if err := m.saveLocked(acct); err != nil {
		return nil, err
	}
	return &AuthResult{Account: account, DisplayName: acct.DisplayName, Scopes: acct.Scopes, ExpiresAt: acct.ExpiresAt, InitiatedBy: initiatedBy}, nil
}

// StartDeviceAuth begins a device-code flow, replacing any pending auth of the account.
func (m *Manager) StartDeviceAuth(ctx context.Context, account, initiatedBy string) (*AuthStart, error) {
	if m.cfg.AuthFlow != config.FlowDeviceCode {
		return nil, newError(CodeFlowNotEnabled, "device code flow is not enabled")
	}
	if m.cfg.TwitchClientID == "" {
		return nil, newError(CodeConfigMissing, "missing required config: TWITCH_CLIENT_ID")
	}
	if !knownAccount(account) {
		return nil, newError(CodeUnknownAccount, "unknown account %q", account)
	}

	xctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	dc, err := m.client.StartDevice(xctx, m.cfg.ScopeList())
	cancel()
	if err != nil {
		return nil, &Error{Code: CodeDeviceStartFailed, Detail: "twitch refused the device authorization request", Err: err}
	}

	interval := dc.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	interval = clampInt(interval, 1, maxPollInterval)
	expiresIn := dc.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 1800
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[account]
	now := m.now()
	acct.Pending = &PendingAuth{
		Flow:            config.FlowDeviceCode,
		DeviceCode:      dc.DeviceCode,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		ExpiresAt:       now.Add(time.Duration(expiresIn) * time.Second).UTC(),
		IntervalSeconds: interval,
		NextPollAt:      now.UTC(),
		InitiatedBy:     initiatedBy,
		CreatedAt:       now.UTC(),
	}
	if err := m.saveLocked(acct); err != nil {
		return nil, err
	}
	return &AuthStart{
		Account:         account,
		Flow:            config.FlowDeviceCode,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		IntervalSeconds: interval,
		ExpiresAt:       acct.Pending.ExpiresAt,
	}, nil
}

// PollDeviceAuth polls Twitch at most once per interval. Calls before the next
// allowed time answer pending without touching the network.
func (m *Manager) PollDeviceAuth(ctx context.Context, account string) (*PollResult, error) {
	if m.cfg.AuthFlow != config.FlowDeviceCode {
		return nil, newError(CodeFlowNotEnabled, "device code flow is not enabled")
	}
	if m.cfg.TwitchClientID == "" {
		return nil, newError(CodeConfigMissing, "missing required config: TWITCH_CLIENT_ID")
	}

	m.mu.Lock()
	acct, err := m.account(account)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	p := acct.Pending
	if p == nil || p.Flow != config.FlowDeviceCode || p.DeviceCode == "" {
		m.mu.Unlock()
		return nil, newError(CodeNoPendingDeviceAuth, "no device authorization in progress")
	}
	now := m.now()
	if !now.Before(p.ExpiresAt) {
		acct.Pending = nil
		_ = m.saveLocked(acct) //nolint:errcheck // logged inside
		m.mu.Unlock()
		return nil, newError(CodeDeviceCodeExpired, "device code expired; start again")
	}
	if now.Before(p.NextPollAt) {
		wait := int(math.Ceil(p.NextPollAt.Sub(now).Seconds()))
		m.mu.Unlock()
		return &PollResult{Account: account, Pending: true, RetryAfterSeconds: max(1, wait)}, nil
	}
	// Reserve the slot so concurrent polls do not double-call Twitch.
	p.NextPollAt = now.Add(time.Duration(p.IntervalSeconds) * time.Second).UTC()
	deviceCode := p.DeviceCode
	m.mu.Unlock()

	xctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	tok, pollErr := m.client.PollDevice(xctx, deviceCode, m.cfg.ScopeList())
	cancel()
	var displayName string
	if pollErr == nil {
		displayName = m.lookupDisplayName(ctx, tok.AccessToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	acct = m.accounts[account]
	p = acct.Pending
	if p == nil || p.DeviceCode != deviceCode {
		return nil, newError(CodeNoPendingDeviceAuth, "device authorization was superseded")
	}
	now = m.now()

	if pollErr == nil {
		telemetry.ObserveDevicePoll("connected")
		initiatedBy := p.InitiatedBy
		m.applyTokenLocked(acct, tok, displayName)
		if err := m.saveLocked(acct); err != nil {
			return nil, err
		}
		return &PollResult{Account: account, Connected: true, Auth: &AuthResult{
			Account: account, DisplayName: acct.DisplayName, Scopes: acct.Scopes, ExpiresAt: acct.ExpiresAt, InitiatedBy: initiatedBy,
		}}, nil
	}

	code := twitchapi.ErrorCode(pollErr)
	switch code {
	case "authorization_pending", "slow_down":
		telemetry.ObserveDevicePoll(code)
		if code == "slow_down" {
			p.IntervalSeconds = min(maxPollInterval, p.IntervalSeconds+slowDownIncrease)
		}
		p.NextPollAt = now.Add(time.Duration(p.IntervalSeconds) * time.Second).UTC()
		if err := m.saveLocked(acct); err != nil {
			return nil, err
		}
		return &PollResult{Account: account, Pending: true, RetryAfterSeconds: p.IntervalSeconds, Detail: code}, nil
	case "expired_token", "access_denied", "invalid_device_code":
		telemetry.ObserveDevicePoll(code)
		acct.Pending = nil
		_ = m.saveLocked(acct) //nolint:errcheck // logged inside
		return nil, &Error{Code: Code(strings.ToUpper(code)), Detail: "device authorization ended", Err: pollErr}
	}
	if rejectedByTwitch(pollErr) {
		telemetry.ObserveDevicePoll("rejected")
		acct.Pending = nil
		_ = m.saveLocked(acct) //nolint:errcheck // logged inside
		return nil, &Error{Code: CodeDeviceAuthFailed, Detail: "twitch rejected the device poll: " + code, Err: pollErr}
	}
	telemetry.ObserveDevicePoll("transient_error")
	p.NextPollAt = now.Add(time.Duration(p.IntervalSeconds) * time.Second).UTC()
	if err := m.saveLocked(acct); err != nil {
		return nil, err
	}
	slog.Warn("twitch device poll failed", slog.String("component", "credential"), slog.String("account", account), slog.Any("err", pollErr))
	return &PollResult{Account: account, Pending: true, RetryAfterSeconds: p.IntervalSeconds, Detail: "poll failed, will retry: " + pollErr.Error()}, nil
}

// rejectedByTwitch reports a 4xx OAuth answer other than 429. Those will not
// succeed on retry.
func rejectedByTwitch(err error) bool {
	var oe *twitchapi.OAuthError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.StatusCode >= 400 && oe.StatusCode < 500 && oe.StatusCode != http.StatusTooManyRequests
}

// applyTokenLocked stores a freshly granted token and clears the pending auth.
func (m *Manager) applyTokenLocked(acct *Account, tok *twitchapi.TokenResult, displayName string) {
	acct.AccessToken = tok.AccessToken
	acct.RefreshToken = tok.RefreshToken
	if !tok.ExpiresAt.IsZero() {
		acct.ExpiresAt = timePtr(tok.ExpiresAt)
	} else {
		acct.ExpiresAt = nil
	}
	if len(tok.Scopes) > 0 {
		acct.Scopes = tok.Scopes
	} else {
		acct.Scopes = m.cfg.ScopeList()
	}
	if displayName != "" {
		acct.DisplayName = displayName
	}
	acct.Disconnected = false
	acct.RefreshInvalid = false
	acct.LastRefreshError = ""
	acct.Pending = nil
}

// lookupDisplayName asks Helix who owns the token; failures are logged and leave the name empty.
func (m *Manager) lookupDisplayName(ctx context.Context, token string) string {
	lctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	u, err := m.client.GetCurrentUser(lctx, token)
	if err != nil {
		slog.Warn("twitch user lookup failed", slog.String("component", "credential"), slog.Any("err", err))
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Login
}

func (m *Manager) findStateLocked(state string) (string, *PendingAuth) {
	for _, name := range Accounts {
		p := m.accounts[name].Pending
		if p != nil && p.Flow == config.FlowAuthorizationCode && p.State == state {
			return name, p
		}
	}
	return "", nil
}

// clearPendingIf drops the pending auth of account when it still matches state or deviceCode.
func (m *Manager) clearPendingIf(account, state, deviceCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[account]
	p := acct.Pending
	if p == nil {
		return
	}
	if (state != "" && p.State == state) || (deviceCode != "" && p.DeviceCode == deviceCode) {
		acct.Pending = nil
		_ = m.saveLocked(acct) //nolint:errcheck // logged inside
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
