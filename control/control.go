// Package control holds the operator's manual control register: armed/disarmed,
// the kill switch, timed silence, dry-run and the active director. It is the
// single place that decides whether output is disabled.
//
// armed and session_id live in memory only, so every process start comes up
// disarmed. The kill switch, dry-run, silence deadline and active director
// persist to a small JSON file.
package control

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Director selects which response engine drives the bot.
type Director string

const (
	ProviderDirector Director = "ProviderDirector"
	OfflineDirector  Director = "OfflineDirector"
)

// ParseDirector accepts the two known director names.
func ParseDirector(s string) (Director, error) {
	switch Director(s) {
	case ProviderDirector, OfflineDirector:
		return Director(s), nil
	default:
		return "", fmt.Errorf("unknown director %q", s)
	}
}

// Snapshot is a point-in-time copy of the register.
type Snapshot struct {
	Armed          bool       `json:"armed"`
	KillSwitch     bool       `json:"kill_switch"`
	DryRun         bool       `json:"dry_run"`
	Silenced       bool       `json:"silenced"`
	SilenceUntil   *time.Time `json:"silence_until,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ActiveDirector Director   `json:"active_director"`
	OutputDisabled bool       `json:"output_disabled"`
}

// Change reports the register before and after an operation.
type Change struct {
	Previous Snapshot `json:"previous"`
	Current  Snapshot `json:"current"`
	Applied  bool     `json:"applied"`
}

// ArmResult is returned by Arm. Blockers lists what refused the arm; empty means armed.
type ArmResult struct {
	Change
	Blockers []string `json:"blockers,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPersistence enables the state file at path.
func WithPersistence(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithSessionIDs overrides the session id generator.
func WithSessionIDs(gen func() string) Option {
	return func(s *Store) { s.newSessionID = gen }
}

// WithHook registers a callback invoked after each applied mutation with the action name.
func WithHook(fn func(action string, c Change)) Option {
	return func(s *Store) { s.hook = fn }
}

// Store is the control register. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	armed          bool
	killSwitch     bool
	dryRun         bool
	silenceUntil   *time.Time
	sessionID      string
	activeDirector Director

	now          func() time.Time
	path         string
	newSessionID func() string
	hook         func(action string, c Change)
}

// NewStore builds the register and, when persistence is enabled, restores the
// persisted fields. armed is always false after construction.
func NewStore(opts ...Option) *Store {
	s := &Store{
		activeDirector: ProviderDirector,
		now:            time.Now,
		newSessionID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path != "" {
		if p, err := readState(s.path); err != nil {
			slog.Warn("control state unreadable, starting from defaults", slog.String("component", "control"), slog.String("path", s.path), slog.Any("err", err))
		} else if p != nil {
			s.killSwitch = p.KillSwitch
			s.dryRun = p.DryRun
			s.silenceUntil = p.SilenceUntil
			if d, err := ParseDirector(p.ActiveDirector); err == nil {
				s.activeDirector = d
			}
		}
	}
	return s
}

// Snapshot returns the current register, clearing an expired silence first.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireSilenceLocked() {
		s.persistLocked()
	}
	return s.snapshotLocked()
}

// Arm enables output. It is refused while the kill switch is on or while any
// setup blocker is supplied. Every successful arm mints a new session id.
func (s *Store) Arm(setupBlockers []string) ArmResult {
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	var blockers []string
	if s.killSwitch {
		blockers = append(blockers, "KILL_SWITCH")
	}
	blockers = append(blockers, setupBlockers...)
	if len(blockers) > 0 {
		s.mu.Unlock()
		return ArmResult{Change: Change{Previous: prev, Current: prev}, Blockers: blockers}
	}
	s.armed = true
	s.sessionID = s.newSessionID()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	s.notify("arm", c)
	return ArmResult{Change: c}
}

// Disarm disables output and clears any silence.
func (s *Store) Disarm() Change {
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	s.disarmLocked()
	s.persistLocked()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	s.notify("disarm", c)
	return c
}

// SetKillSwitch engages or releases the kill switch. Engaging it disarms.
// Releasing it does not re-arm.
func (s *Store) SetKillSwitch(on bool) Change {
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	s.killSwitch = on
	if on {
		s.disarmLocked()
	}
	s.persistLocked()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	action := "kill_switch_release"
	if on {
		action = "kill_switch_engage"
	}
	s.notify(action, c)
	return c
}

// SilenceFor suppresses output for d, clamped to at least one second. On a
// disarmed register the deadline is kept and takes effect once armed; Disarm
// still clears it.
func (s *Store) SilenceFor(d time.Duration) Change {
	if d < time.Second {
		d = time.Second
	}
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	until := s.now().Add(d).UTC()
	s.silenceUntil = &until
	s.persistLocked()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	s.notify("silence", c)
	return c
}

// SetDryRun toggles dry-run.
func (s *Store) SetDryRun(on bool) Change {
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	s.dryRun = on
	s.persistLocked()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	s.notify("dry_run", c)
	return c
}

// SetActiveDirector switches the director.
func (s *Store) SetActiveDirector(d Director) (Change, error) {
	if _, err := ParseDirector(string(d)); err != nil {
		return Change{}, err
	}
	s.mu.Lock()
	s.expireSilenceLocked()
	prev := s.snapshotLocked()
	s.activeDirector = d
	s.persistLocked()
	c := Change{Previous: prev, Current: s.snapshotLocked(), Applied: true}
	s.mu.Unlock()
	s.notify("director", c)
	return c, nil
}

func (s *Store) disarmLocked() {
	s.armed = false
	s.sessionID = ""
	s.silenceUntil = nil
}

// expireSilenceLocked drops a silence deadline that has passed and reports whether it did.
func (s *Store) expireSilenceLocked() bool {
	if s.silenceUntil != nil && !s.now().Before(*s.silenceUntil) {
		s.silenceUntil = nil
		return true
	}
	return false
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Armed:          s.armed,
		KillSwitch:     s.killSwitch,
		DryRun:         s.dryRun,
		SessionID:      s.sessionID,
		ActiveDirector: s.activeDirector,
	}
	if s.silenceUntil != nil {
		until := *s.silenceUntil
		snap.SilenceUntil = &until
		snap.Silenced = s.armed && s.now().Before(until)
	}
	snap.OutputDisabled = !snap.Armed || snap.Silenced
	return snap
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	p := persisted{
		KillSwitch:     s.killSwitch,
		DryRun:         s.dryRun,
		SilenceUntil:   s.silenceUntil,
		ActiveDirector: string(s.activeDirector),
	}
	if err := writeState(s.path, p); err != nil {
		slog.Error("control state persist failed", slog.String("component", "control"), slog.String("path", s.path), slog.Any("err", err))
	}
}

func (s *Store) notify(action string, c Change) {
	if s.hook != nil {
		s.hook(action, c)
	}
}
