package credential

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

// RevocationSummary reports which tokens were revoked with Twitch on disconnect.
type RevocationSummary struct {
	Account   string   `json:"account"`
	Attempted int      `json:"attempted"`
	Revoked   int      `json:"revoked"`
	Failed    int      `json:"failed"`
	Details   []string `json:"details,omitempty"`
}

// Disconnect wipes an account's local credentials, marks it disconnected so the
// env fallback is ignored, unsets the legacy env variables, then revokes every
// distinct token it held. Revocation failures are reported, never returned.
func (m *Manager) Disconnect(ctx context.Context, account string) (*RevocationSummary, error) {
	m.mu.Lock()
	acct, err := m.account(account)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var tokens []string
	seen := map[string]bool{}
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return
		}
		bare := twitchapi.StripOAuthPrefix(tok)
		if seen[bare] {
			return
		}
		seen[bare] = true
		tokens = append(tokens, bare)
	}
	add(acct.AccessToken)
	add(acct.RefreshToken)
	add(m.envToken(account))
	for _, key := range envTokenKeys[account] {
		m.env.Unset(key)
	}
	acct.clearTokens()
	acct.Disconnected = true
	saveErr := m.saveLocked(acct)
	m.mu.Unlock()

	summary := &RevocationSummary{Account: account}
	if saveErr != nil {
		return summary, saveErr
	}
	timeout := m.cfg.RevokeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for i, tok := range tokens {
		summary.Attempted++
		rctx, cancel := context.WithTimeout(ctx, timeout)
		err := m.client.Revoke(rctx, tok)
		cancel()
		if err != nil {
			summary.Failed++
			summary.Details = append(summary.Details, "token "+strconv.Itoa(i+1)+": "+err.Error())
			slog.Warn("twitch revoke failed", slog.String("component", "credential"), slog.String("account", account), slog.Any("err", err))
			continue
		}
		summary.Revoked++
	}
	telemetry.AddRevocationFailures(summary.Failed)
	slog.Info("account disconnected", slog.String("component", "credential"), slog.String("account", account),
		slog.Int("revoked", summary.Revoked), slog.Int("failed", summary.Failed))
	return summary, nil
}

// CancelPending drops an in-flight connection attempt without touching stored tokens.
func (m *Manager) CancelPending(account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.account(account)
	if err != nil {
		return err
	}
	if acct.Pending == nil {
		return nil
	}
	acct.Pending = nil
	return m.saveLocked(acct)
}
