package gate

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/onnwee/chatgate/control"
	"github.com/onnwee/chatgate/telemetry"
)

// Envelope is what the transport posts.
type Envelope struct {
	Type         string `json:"type"`
	ResponseText string `json:"response_text"`
}

// Metadata travels with an Envelope.
type Metadata struct {
	Mode      string `json:"mode"`
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id,omitempty"`
	Category  string `json:"category"`
}

// Transport delivers emitted outputs to chat.
type Transport interface {
	HandleOutput(ctx context.Context, env Envelope, meta Metadata) error
}

// ControlReader exposes the live control register.
type ControlReader interface {
	Snapshot() control.Snapshot
}

// DefaultRateLimit is the minimum spacing between two emissions.
const DefaultRateLimit = 6 * time.Second

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithRateLimit sets the global emission spacing. Zero disables the limit.
func WithRateLimit(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.rateLimit = d
		}
	}
}

// WithMode sets the mode label passed to the transport.
func WithMode(mode string) Option { return func(g *Gate) { g.mode = mode } }

// Gate holds the rate-limit clock and the per-category cooldown clocks.
// Construct one per process and share it.
type Gate struct {
	control   ControlReader
	transport Transport
	now       func() time.Time
	rateLimit time.Duration
	mode      string

	mu        sync.Mutex
	lastEmit  time.Time
	lastByKey map[string]time.Time
}

// New builds a Gate. A nil transport makes emitted outputs log-only.
func New(ctrl ControlReader, transport Transport, opts ...Option) *Gate {
	g := &Gate{
		control:   ctrl,
		transport: transport,
		now:       time.Now,
		rateLimit: DefaultRateLimit,
		mode:      "live",
		lastByKey: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type emission struct {
	env  Envelope
	meta Metadata
}

// Evaluate runs every decision through the checks in order and hands emitted
// ones to the transport. Earlier emissions in a batch count against later ones.
func (g *Gate) Evaluate(ctx context.Context, decisions []Decision) []Output {
	snap := g.control.Snapshot()
	outputs := make([]Output, 0, len(decisions))
	var sends []emission

	g.mu.Lock()
	now := g.now()
	for _, d := range decisions {
		out := g.check(d, snap, now)
		if out.Emitted {
			g.lastEmit = now
			if key, _, _ := CooldownFor(out.Category); key != "" {
				g.lastByKey[key] = now
			}
			sends = append(sends, emission{
				env:  Envelope{Type: d.action(), ResponseText: d.ResponseText},
				meta: Metadata{Mode: g.mode, EventID: d.EventID, SessionID: out.SessionID, Category: out.Category},
			})
		}
		telemetry.ObserveGateDecision(out.Reason)
		outputs = append(outputs, out)
	}
	g.mu.Unlock()

	for _, s := range sends {
		g.deliver(ctx, s)
	}
	return outputs
}

// check must be called with g.mu held.
func (g *Gate) check(d Decision, snap control.Snapshot, now time.Time) Output {
	out := Output{EventID: d.EventID, SessionID: d.SessionID, Category: d.category()}
	if out.SessionID == "" {
		out.SessionID = snap.SessionID
	}
	suppress := func(reason string) Output {
		out.Reason = reason
		return out
	}

	if snap.OutputDisabled {
		return suppress(ReasonOutputDisabled)
	}
	switch action := d.action(); {
	case action == ActionNoop:
		return suppress(ReasonNoop)
	case action != ActionRespondPublic:
		if upstreamReasons[d.SuppressionReason] {
			return suppress(d.SuppressionReason)
		}
		return suppress(ReasonActionNotAllowed)
	}
	if snap.DryRun {
		return suppress(ReasonDryRun)
	}
	if tok := DisallowedEmote(d.ResponseText, d.TriggerText, d.ApprovedEmotes); tok != "" {
		out.DisallowedToken = tok
		return suppress(ReasonDisallowedEmote)
	}
	if key, window, reason := CooldownFor(out.Category); key != "" {
		if last, ok := g.lastByKey[key]; ok {
			if elapsed := now.Sub(last); elapsed < window {
				out.CooldownKey = key
				out.CooldownRemainingSeconds = math.Round((window-elapsed).Seconds()*1000) / 1000
				return suppress(reason)
			}
		}
	}
	if g.rateLimit > 0 && !g.lastEmit.IsZero() && now.Sub(g.lastEmit) < g.rateLimit {
		return suppress(ReasonRateLimit)
	}
	out.Emitted = true
	out.Reason = ReasonEmitted
	return out
}

func (g *Gate) deliver(ctx context.Context, s emission) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "gate"), slog.String("event_id", s.meta.EventID))
	if g.transport == nil {
		logger.Info("output emitted without transport", slog.String("category", s.meta.Category))
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "gate", "gate.deliver")
	defer span.End()
	if err := g.transport.HandleOutput(ctx, s.env, s.meta); err != nil {
		telemetry.RecordError(span, err)
		telemetry.IncTransportFailure()
		logger.Warn("transport failed to deliver output", slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
}
