// Package status computes the single authoritative answer to "may the bot post
// right now", together with the reasons it may not.
package status

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/control"
	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/telemetry"
)

// Blockers reported in blocked_by.
const (
	BlockKillSwitch = "KILL_SWITCH"
	BlockDisarmed   = "DISARMED"
	BlockDryRun     = "DRY_RUN"
	BlockSilence    = "SILENCE_TTL"
	BlockCostCap    = "COST_CAP"
)

// Setup gate blockers.
const (
	SetupTwitchConfig     = "SETUP_TWITCH_CONFIG"
	SetupBotAuth          = "SETUP_TWITCH_BOT_AUTH"
	SetupBroadcasterAuth  = "SETUP_TWITCH_BROADCASTER_AUTH"
	SetupProviderKeys     = "SETUP_PROVIDER_KEYS"
	SetupRuntimeReadiness = "SETUP_RUNTIME_READINESS"
)

const (
	readinessCheckDeadline = 2 * time.Second
	defaultReadinessTTL    = 15 * time.Second
)

// BlockedBy returns the ordered reasons posting is blocked. setupBlockers are
// appended as given; pass nil when the setup gate is not enforced.
func BlockedBy(snap control.Snapshot, costCap bool, setupBlockers []string) []string {
	out := []string{}
	if snap.KillSwitch {
		out = append(out, BlockKillSwitch)
	}
	if !snap.Armed {
		out = append(out, BlockDisarmed)
	}
	if snap.DryRun {
		out = append(out, BlockDryRun)
	}
	if snap.Silenced {
		out = append(out, BlockSilence)
	}
	if costCap {
		out = append(out, BlockCostCap)
	}
	return append(out, setupBlockers...)
}

// ControlSource is the control register.
type ControlSource interface {
	Snapshot() control.Snapshot
}

// CredentialSource serves cached account statuses.
type CredentialSource interface {
	Statuses(ctx context.Context, force bool) map[string]credential.Status
}

// ReadinessCheck is one runtime dependency check.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of a ReadinessCheck.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SetupStep is one line of the setup checklist.
type SetupStep struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Setup is the setup gate view.
type Setup struct {
	Enforced bool        `json:"enforced"`
	Complete bool        `json:"complete"`
	Blockers []string    `json:"blockers"`
	Steps    []SetupStep `json:"steps"`
}

// Report is the full status document.
type Report struct {
	CanPost     bool                         `json:"can_post"`
	BlockedBy   []string                     `json:"blocked_by"`
	Control     control.Snapshot             `json:"control"`
	CostCap     bool                         `json:"cost_cap"`
	Accounts    map[string]credential.Status `json:"accounts"`
	Setup       Setup                        `json:"setup"`
	Readiness   []CheckResult                `json:"readiness"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

// Aggregator assembles Reports. It only reads.
type Aggregator struct {
	cfg     *config.Config
	control ControlSource
	creds   CredentialSource
	costCap CostCap
	now     func() time.Time

	mu     sync.Mutex
	checks []ReadinessCheck
	cache  readinessCache
}

type readinessCache struct {
	valid   bool
	gen     uint64
	at      time.Time
	results []CheckResult
}

// NewAggregator builds an Aggregator. costCap may be nil.
func NewAggregator(cfg *config.Config, ctrl ControlSource, creds CredentialSource, costCap CostCap) *Aggregator {
	return &Aggregator{cfg: cfg, control: ctrl, creds: creds, costCap: costCap, now: time.Now}
}

// AddCheck registers a readiness check and drops cached results.
func (a *Aggregator) AddCheck(c ReadinessCheck) {
	a.mu.Lock()
	a.checks = append(a.checks, c)
	a.cache = readinessCache{gen: a.cache.gen + 1}
	a.mu.Unlock()
}

func (a *Aggregator) readinessTTL() time.Duration {
	if a.cfg.ReadinessCacheTTL > 0 {
		return a.cfg.ReadinessCacheTTL
	}
	return defaultReadinessTTL
}

// Readiness returns the check results, served from the TTL cache unless force
// is set. Only a forced or expired read runs the checks.
func (a *Aggregator) Readiness(ctx context.Context, force bool) []CheckResult {
	now := a.now()
	a.mu.Lock()
	if !force && a.cache.valid && now.Sub(a.cache.at) < a.readinessTTL() {
		out := slices.Clone(a.cache.results)
		a.mu.Unlock()
		return out
	}
	gen := a.cache.gen
	checks := slices.Clone(a.checks)
	a.mu.Unlock()

	out := runChecks(ctx, checks)

	a.mu.Lock()
	if a.cache.gen == gen {
		a.cache = readinessCache{valid: true, gen: gen, at: now, results: slices.Clone(out)}
	}
	a.mu.Unlock()
	return out
}

func runChecks(ctx context.Context, checks []ReadinessCheck) []CheckResult {
	out := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, readinessCheckDeadline)
		err := c.Check(cctx)
		cancel()
		res := CheckResult{Name: c.Name, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// Ready reports whether every readiness check passes.
func Ready(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// SetupBlockers lists unmet prerequisites regardless of enforcement, using
// cached readiness.
func (a *Aggregator) SetupBlockers(ctx context.Context) []string {
	return a.setup(a.creds.Statuses(ctx, false), a.Readiness(ctx, false)).Blockers
}

// ArmBlockers is what Arm must refuse on: the setup blockers when the gate is
// enforced, otherwise none. Readiness is rechecked live.
func (a *Aggregator) ArmBlockers(ctx context.Context) []string {
	if !a.cfg.EnforceSetupGate {
		return nil
	}
	return a.setup(a.creds.Statuses(ctx, false), a.Readiness(ctx, true)).Blockers
}

func (a *Aggregator) setup(accounts map[string]credential.Status, readiness []CheckResult) Setup {
	missing := a.cfg.MissingTwitchFields()
	configReady := len(missing) == 0
	botConnected := accounts[credential.AccountBot].Connected
	broadcasterConnected := accounts[credential.AccountBroadcaster].Connected
	keysReady := a.cfg.HasProviderKey()
	runtimeReady := Ready(readiness)

	blockers := []string{}
	if !configReady {
		blockers = append(blockers, SetupTwitchConfig)
	}
	if configReady && !botConnected {
		blockers = append(blockers, SetupBotAuth)
	}
	if configReady && !broadcasterConnected {
		blockers = append(blockers, SetupBroadcasterAuth)
	}
	if !keysReady {
		blockers = append(blockers, SetupProviderKeys)
	}
	if !runtimeReady {
		blockers = append(blockers, SetupRuntimeReadiness)
	}

	configDetail := ""
	if !configReady {
		configDetail = "missing: " + strings.Join(missing, ", ")
	}
	return Setup{
		Enforced: a.cfg.EnforceSetupGate,
		Complete: len(blockers) == 0,
		Blockers: blockers,
		Steps: []SetupStep{
			{ID: "twitch_config", Label: "Twitch runtime config", Ready: configReady, Detail: configDetail},
			{ID: "bot_auth", Label: "Bot account connected", Ready: botConnected},
			{ID: "broadcaster_auth", Label: "Broadcaster account connected", Ready: broadcasterConnected},
			{ID: "provider_keys", Label: "Provider API key available", Ready: keysReady,
				Detail: "expected one of OPENAI_API_KEY, GROK_API_KEY/XAI_API_KEY, ANTHROPIC_API_KEY"},
			{ID: "runtime_readiness", Label: "System readiness", Ready: runtimeReady},
		},
	}
}

// Report builds the status document. Credential statuses and readiness come
// from their caches, so a poll makes at most one round of network checks per TTL.
func (a *Aggregator) Report(ctx context.Context) Report {
	snap := a.control.Snapshot()
	accounts := a.creds.Statuses(ctx, false)
	readiness := a.Readiness(ctx, false)
	setup := a.setup(accounts, readiness)
	capped := a.costCap != nil && a.costCap.Active()

	var gate []string
	if setup.Enforced {
		gate = setup.Blockers
	}
	blocked := BlockedBy(snap, capped, gate)
	canPost := CanPost(blocked, snap)
	telemetry.SetCanPost(canPost)
	return Report{
		CanPost:     canPost,
		BlockedBy:   blocked,
		Control:     snap,
		CostCap:     capped,
		Accounts:    accounts,
		Setup:       setup,
		Readiness:   readiness,
		GeneratedAt: a.now().UTC(),
	}
}

// CanPost cross-checks blocked_by against the control register's own
// output_disabled flag. Both must agree that posting is allowed.
func CanPost(blocked []string, snap control.Snapshot) bool {
	fromList := len(blocked) == 0
	fromControl := !snap.OutputDisabled
	if fromList && !fromControl {
		slog.Error("can_post disagreement: blocked_by is empty but output is disabled",
			slog.String("component", "status"), slog.Bool("armed", snap.Armed), slog.Bool("silenced", snap.Silenced))
		return false
	}
	return fromList && fromControl
}
