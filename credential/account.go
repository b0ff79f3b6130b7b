// Package credential owns the lifecycle of the Twitch user credentials the bot
// posts with: authorization-code and device-code connection flows, background
// refresh, revocation on disconnect, encryption at rest and the derived
// connection status each account reports.
package credential

import (
	"slices"
	"time"
)

// Account names.
const (
	AccountBot         = "bot"
	AccountBroadcaster = "broadcaster"
)

// Accounts lists every managed account in display order.
var Accounts = []string{AccountBot, AccountBroadcaster}

// Token sources reported in status.
const (
	SourceLocal = "local"
	SourceEnv   = "env"
	SourceNone  = "none"
)

// envTokenKeys are the legacy env variables that may carry a token for an account.
var envTokenKeys = map[string][]string{
	AccountBot:         {"TWITCH_OAUTH_TOKEN", "TWITCH_OAUTH"},
	AccountBroadcaster: {"TWITCH_BROADCASTER_OAUTH_TOKEN", "TWITCH_BROADCASTER_TOKEN"},
}

func knownAccount(name string) bool {
	return slices.Contains(Accounts, name)
}

// Account is the decrypted, in-memory credential record of one account.
type Account struct {
	Name             string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        *time.Time
	Scopes           []string
	DisplayName      string
	Disconnected     bool
	RefreshInvalid   bool
	LastRefreshError string
	LastRefreshAt    *time.Time
	UpdatedAt        *time.Time
	Pending          *PendingAuth
}

// PendingAuth is an in-flight connection attempt. At most one exists per account.
type PendingAuth struct {
	Flow            string    `json:"flow"`
	State           string    `json:"state,omitempty"`
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"user_code,omitempty"`
	VerificationURI string    `json:"verification_uri,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	NextPollAt      time.Time `json:"next_poll_at,omitempty"`
	InitiatedBy     string    `json:"initiated_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (p *PendingAuth) active(now time.Time) bool {
	return p != nil && now.Before(p.ExpiresAt)
}

func (a *Account) clone() *Account {
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.Pending != nil {
		p := *a.Pending
		c.Pending = &p
	}
	return &c
}

// clearTokens wipes every credential field but keeps the account name.
func (a *Account) clearTokens() {
	a.AccessToken = ""
	a.RefreshToken = ""
	a.ExpiresAt = nil
	a.Scopes = nil
	a.DisplayName = ""
	a.RefreshInvalid = false
	a.LastRefreshError = ""
	a.Pending = nil
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
