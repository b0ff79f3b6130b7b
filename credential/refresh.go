package credential

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/twitchapi"
)

// Refresh skip reasons.
const (
	SkipDisconnected   = "DISCONNECTED"
	SkipNoRefreshToken = "NO_REFRESH_TOKEN"
	SkipNoExpiry       = "NO_EXPIRY"
	SkipNotDue         = "NOT_DUE"
	SkipNoToken        = "NO_TOKEN"
)

const refreshTimeout = 15 * time.Second

// AccountRefresh is the sweep outcome of one account.
type AccountRefresh struct {
	Account            string     `json:"account"`
	Attempted          bool       `json:"attempted"`
	Refreshed          bool       `json:"refreshed"`
	SkipReason         string     `json:"skip_reason,omitempty"`
	Error              Code       `json:"error,omitempty"`
	Detail             string     `json:"detail,omitempty"`
	SecondsUntilExpiry *float64   `json:"seconds_until_expiry,omitempty"`
	ExpiresAtBefore    *time.Time `json:"expires_at_before,omitempty"`
	ExpiresAtAfter     *time.Time `json:"expires_at_after,omitempty"`
}

// SweepResult is the outcome of RefreshDue.
type SweepResult struct {
	Enabled      bool                      `json:"enabled"`
	Forced       bool                      `json:"forced"`
	OK           bool                      `json:"ok"`
	RefreshedAny bool                      `json:"refreshed_any"`
	CheckedAt    time.Time                 `json:"checked_at"`
	Accounts     map[string]AccountRefresh `json:"accounts"`
}

type refreshJob struct {
	account      string
	refreshToken string
}

// RefreshDue refreshes every account whose token expires within the lead
// window, or every refreshable account when force is set.
func (m *Manager) RefreshDue(ctx context.Context, force bool) SweepResult {
	now := m.now()
	res := SweepResult{Forced: force, OK: true, CheckedAt: now.UTC(), Accounts: map[string]AccountRefresh{}}
	if !m.cfg.AutoRefresh && !force {
		return res
	}
	res.Enabled = true

	var jobs []refreshJob
	m.mu.Lock()
	for _, name := range Accounts {
		acct := m.accounts[name]
		ar := AccountRefresh{Account: name, ExpiresAtBefore: acct.ExpiresAt}
		if acct.ExpiresAt != nil {
			secs := acct.ExpiresAt.Sub(now).Seconds()
			ar.SecondsUntilExpiry = &secs
		}
		switch {
		case acct.Disconnected:
			ar.SkipReason = SkipDisconnected
		case strings.TrimSpace(acct.RefreshToken) == "":
			ar.SkipReason = SkipNoRefreshToken
		case !force && acct.ExpiresAt == nil:
			ar.SkipReason = SkipNoExpiry
		case !force && *ar.SecondsUntilExpiry > m.cfg.RefreshLead.Seconds():
			ar.SkipReason = SkipNotDue
		case strings.TrimSpace(acct.AccessToken) == "" && !TokenShapeValid(m.envToken(name)):
			ar.SkipReason = SkipNoToken
		}
		if ar.SkipReason != "" {
			res.Accounts[name] = ar
			continue
		}
		ar.Attempted = true
		if missing := m.refreshConfigMissing(); len(missing) > 0 {
			ar.Error = CodeConfigMissing
			ar.Detail = "missing required config: " + strings.Join(missing, ", ")
			res.Accounts[name] = ar
			res.OK = false
			continue
		}
		res.Accounts[name] = ar
		jobs = append(jobs, refreshJob{account: name, refreshToken: acct.RefreshToken})
	}
	m.mu.Unlock()

	for _, job := range jobs {
		tok, err := m.refreshWithRetry(ctx, job.refreshToken)
		ar := m.commitRefresh(job, tok, err)
		res.Accounts[job.account] = mergeRefresh(res.Accounts[job.account], ar)
		if ar.Error != "" {
			res.OK = false
		}
		if ar.Refreshed {
			res.RefreshedAny = true
		}
	}
	return res
}

func (m *Manager) refreshConfigMissing() []string {
	var missing []string
	if m.cfg.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if m.cfg.AuthFlow == config.FlowAuthorizationCode && m.cfg.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}
	return missing
}

// refreshWithRetry retries transient failures with exponential backoff. Any
// other failure ends the attempt at once.
func (m *Manager) refreshWithRetry(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error) {
	var (
		tok      *twitchapi.TokenResult
		finalErr error
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(m.retryAttempts),
		retry.DelayType(func(n uint, err error, dc retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, dc)
		}),
	)
	retryErr := r.Do(func() error {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		var err error
		tok, err = m.client.Refresh(rctx, refreshToken)
		if err != nil && Classify(err) != ClassTransient {
			finalErr = err
			return nil
		}
		finalErr = nil
		return err
	})
	if finalErr != nil {
		return nil, finalErr
	}
	if retryErr != nil {
		return nil, retryErr
	}
	return tok, nil
}

func (m *Manager) commitRefresh(job refreshJob, tok *twitchapi.TokenResult, refreshErr error) AccountRefresh {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[job.account]
	ar := AccountRefresh{Account: job.account, Attempted: true}
	now := m.now()

	if acct.Disconnected || acct.RefreshToken != job.refreshToken {
		ar.Detail = "credentials changed during refresh; result discarded"
		return ar
	}
	if refreshErr == nil && (tok == nil || strings.TrimSpace(tok.AccessToken) == "") {
		refreshErr = newError(CodeRefreshFailed, "missing access token in refresh response")
	}
	if refreshErr != nil {
		ar.Error = refreshFailureCode(refreshErr)
		ar.Detail = refreshErr.Error()
		acct.LastRefreshError = string(ar.Error)
		if ar.Error == CodeInvalidRefreshToken {
			acct.RefreshInvalid = true
		}
		if err := m.saveLocked(acct); err != nil {
			ar.Detail += "; " + err.Error()
		}
		slog.Warn("twitch token refresh failed", slog.String("component", "credential"), slog.String("account", job.account),
			slog.String("code", string(ar.Error)), slog.Any("err", refreshErr))
		m.notifyRefresh(job.account, "error")
		return ar
	}

	acct.AccessToken = tok.AccessToken
	if strings.TrimSpace(tok.RefreshToken) != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	if !tok.ExpiresAt.IsZero() {
		acct.ExpiresAt = timePtr(tok.ExpiresAt)
	}
	if len(tok.Scopes) > 0 {
		acct.Scopes = tok.Scopes
	}
	acct.Disconnected = false
	acct.RefreshInvalid = false
	acct.LastRefreshError = ""
	acct.LastRefreshAt = timePtr(now)
	acct.Pending = nil
	if err := m.saveLocked(acct); err != nil {
		ar.Error = CodeOf(err)
		ar.Detail = err.Error()
		m.notifyRefresh(job.account, "error")
		return ar
	}
	ar.Refreshed = true
	ar.ExpiresAtAfter = acct.ExpiresAt
	slog.Info("twitch token refreshed", slog.String("component", "credential"), slog.String("account", job.account))
	m.notifyRefresh(job.account, "success")
	return ar
}

func (m *Manager) notifyRefresh(account, result string) {
	if m.onRefresh != nil {
		m.onRefresh(account, result)
	}
}

func mergeRefresh(before, after AccountRefresh) AccountRefresh {
	after.SecondsUntilExpiry = before.SecondsUntilExpiry
	after.ExpiresAtBefore = before.ExpiresAtBefore
	return after
}
