package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

// OAuthClient is the slice of the Twitch identity API the manager needs.
type OAuthClient interface {
	AuthorizeURL(state string, scopes []string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*twitchapi.TokenResult, error)
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error)
	StartDevice(ctx context.Context, scopes []string) (*twitchapi.DeviceCode, error)
	PollDevice(ctx context.Context, deviceCode string, scopes []string) (*twitchapi.TokenResult, error)
	Validate(ctx context.Context, token string) (*twitchapi.Validation, error)
	Revoke(ctx context.Context, token string) error
	GetCurrentUser(ctx context.Context, userToken string) (*twitchapi.User, error)
}

// Env reads and clears the legacy token variables.
type Env interface {
	Lookup(key string) string
	Unset(key string)
}

type osEnv struct{}

func (osEnv) Lookup(key string) string { return os.Getenv(key) }

func (osEnv) Unset(key string) {
	if err := os.Unsetenv(key); err != nil {
		slog.Warn("failed to unset env", slog.String("key", key), slog.Any("err", err))
	}
}

const (
	pendingCodeTTL   = 10 * time.Minute
	exchangeTimeout  = 6 * time.Second
	validateTimeout  = 4 * time.Second
	defaultInterval  = 5
	maxPollInterval  = 60
	slowDownIncrease = 5
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithEnv overrides the process environment.
func WithEnv(env Env) Option { return func(m *Manager) { m.env = env } }

// WithRetryAttempts sets how many times a refresh is tried on transient errors.
func WithRetryAttempts(n uint) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retryAttempts = n
		}
	}
}

// WithRefreshHook observes refresh outcomes (account, result), used for metrics.
func WithRefreshHook(fn func(account, result string)) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

// Manager owns the credential records. Its mutex guards the records and the
// status cache and is never held across a network call.
type Manager struct {
	mu       sync.Mutex
	cfg      *config.Config
	client   OAuthClient
	store    *FileStore
	env      Env
	now      func() time.Time
	accounts map[string]*Account
	cache    statusCache

	breaker       *gobreaker.CircuitBreaker
	retryAttempts uint
	onRefresh     func(account, result string)
}

type statusCache struct {
	valid    bool
	gen      uint64
	at       time.Time
	statuses map[string]Status
}

// NewManager loads every account from the store. A file that cannot be read is
// logged and treated as empty; it is overwritten by the next mutation.
func NewManager(cfg *config.Config, client OAuthClient, store *FileStore, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		client:        client,
		store:         store,
		env:           osEnv{},
		now:           time.Now,
		accounts:      make(map[string]*Account, len(Accounts)),
		retryAttempts: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twitch-validate",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A rejected token means Twitch answered; only transport trouble should trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != ClassTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	})
	for _, name := range Accounts {
		acct, err := store.Load(name)
		if err != nil {
			slog.Error("credential load failed", slog.String("component", "credential"), slog.String("account", name), slog.Any("err", err))
			acct = &Account{Name: name}
		}
		m.accounts[name] = acct
	}
	return m
}

// Statuses returns every account's status, served from the TTL cache unless force is set.
func (m *Manager) Statuses(ctx context.Context, force bool) map[string]Status {
	now := m.now()
	m.mu.Lock()
	ttl := m.cfg.StatusCacheTTL
	if !force && m.cache.valid && ttl > 0 && now.Sub(m.cache.at) < ttl {
		out := copyStatuses(m.cache.statuses)
		m.mu.Unlock()
		return out
	}
	gen := m.cache.gen
	inputs := make(map[string]StatusInput, len(Accounts))
	for _, name := range Accounts {
		inputs[name] = m.statusInputLocked(name, now)
	}
	m.mu.Unlock()

	if m.cfg.ValidateRemote {
		for name, in := range inputs {
			if tok, _ := in.EffectiveToken(); tok != "" && TokenShapeValid(tok) {
				in.Remote = m.validateRemote(ctx, tok)
				inputs[name] = in
			}
		}
	}

	out := make(map[string]Status, len(inputs))
	for name, in := range inputs {
		out[name] = Derive(in)
	}

	m.mu.Lock()
	if m.cache.gen == gen {
		m.cache = statusCache{valid: true, gen: gen, at: now, statuses: copyStatuses(out)}
	}
	m.mu.Unlock()
	return out
}

// Status returns one account's status.
func (m *Manager) Status(ctx context.Context, account string, force bool) (Status, error) {
	if !knownAccount(account) {
		return Status{}, newError(CodeUnknownAccount, "unknown account %q", account)
	}
	return m.Statuses(ctx, force)[account], nil
}

// EffectiveToken returns the token an account would post with, "" when none.
func (m *Manager) EffectiveToken(account string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, _ := m.statusInputLocked(account, m.now()).EffectiveToken()
	return tok
}

// DisplayName returns the stored display name of an account.
func (m *Manager) DisplayName(account string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[account]; ok {
		return a.DisplayName
	}
	return ""
}

func (m *Manager) statusInputLocked(name string, now time.Time) StatusInput {
	acct := m.accounts[name]
	if acct == nil {
		acct = &Account{Name: name}
	}
	var missing []string
	for _, f := range m.cfg.MissingTwitchFields() {
		if f != "TWITCH_CHANNEL" {
			missing = append(missing, f)
		}
	}
	return StatusInput{
		Account:          name,
		AuthFlow:         m.cfg.AuthFlow,
		Now:              now,
		PrimaryChannel:   m.cfg.PrimaryChannel,
		MissingConfig:    missing,
		BotNick:          m.cfg.BotNick,
		LocalToken:       acct.AccessToken,
		EnvToken:         m.envToken(name),
		Disconnected:     acct.Disconnected,
		ExpiresAt:        acct.ExpiresAt,
		RefreshInvalid:   acct.RefreshInvalid,
		Scopes:           slices.Clone(acct.Scopes),
		DisplayName:      acct.DisplayName,
		Pending:          acct.clone().Pending,
		LastRefreshError: acct.LastRefreshError,
	}
}

func (m *Manager) envToken(account string) string {
	for _, key := range envTokenKeys[account] {
		if v := strings.TrimSpace(m.env.Lookup(key)); v != "" {
			return v
		}
	}
	return ""
}

func (m *Manager) validateRemote(ctx context.Context, token string) *RemoteCheck {
	res, err := m.breaker.Execute(func() (interface{}, error) {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		return m.client.Validate(vctx, token)
	})
	if err != nil {
		return &RemoteCheck{Err: err}
	}
	v, _ := res.(*twitchapi.Validation)
	return &RemoteCheck{Validation: v}
}

// saveLocked persists an account and invalidates the status cache.
func (m *Manager) saveLocked(acct *Account) error {
	acct.UpdatedAt = timePtr(m.now())
	m.invalidateLocked()
	if err := m.store.Save(acct); err != nil {
		slog.Error("credential persist failed", slog.String("component", "credential"), slog.String("account", acct.Name), slog.Any("err", err))
		return &Error{Code: CodeStorage, Detail: "could not write credential file", Err: err}
	}
	return nil
}

func (m *Manager) invalidateLocked() {
	m.cache.valid = false
	m.cache.gen++
}

func (m *Manager) account(name string) (*Account, error) {
	if !knownAccount(name) {
		return nil, newError(CodeUnknownAccount, "unknown account %q", name)
	}
	return m.accounts[name], nil
}

func copyStatuses(in map[string]Status) map[string]Status {
	out := make(map[string]Status, len(in))
	for k, v := range in {
		v.Scopes = slices.Clone(v.Scopes)
		out[k] = v
	}
	return out
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
