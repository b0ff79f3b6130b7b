// Package gate decides, per candidate chat message, whether the bot may post it.
// Each decision in a batch passes a fixed sequence of checks; the first failing
// check names the suppression reason.
package gate

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Actions a decision can carry.
const (
	ActionRespondPublic = "RESPOND_PUBLIC"
	ActionNoop          = "NOOP"
)

// Reasons reported on an Output.
const (
	ReasonEmitted          = "EMITTED"
	ReasonOutputDisabled   = "OUTPUT_DISABLED"
	ReasonActionNotAllowed = "ACTION_NOT_ALLOWED"
	ReasonNoop             = "NOOP"
	ReasonDryRun           = "DRY_RUN"
	ReasonDisallowedEmote  = "DISALLOWED_EMOTE"
	ReasonEventCooldown    = "EVENT_COOLDOWN"
	ReasonGreetingCooldown = "GREETING_COOLDOWN"
	ReasonRateLimit        = "RATE_LIMIT"
	ReasonCostCap          = "COST_CAP"
	ReasonModerationBlock  = "MODERATION_BLOCK"
	ReasonProviderError    = "PROVIDER_ERROR"
)

// upstreamReasons may be passed through from the decision engine.
var upstreamReasons = map[string]bool{
	ReasonModerationBlock: true,
	ReasonProviderError:   true,
	ReasonCostCap:         true,
}

// Emote is one allow-list entry. It decodes from either a plain string or an
// object {"name": ..., "denied": ...}.
type Emote struct {
	Name   string `json:"name"`
	Denied bool   `json:"denied,omitempty"`
}

// UnmarshalJSON accepts the string and object forms.
func (e *Emote) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = Emote{Name: s}
		return nil
	}
	type plain Emote
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = Emote(p)
	return nil
}

// Decision is one candidate output produced by the decision engine.
type Decision struct {
	EventID           string  `json:"event_id"`
	Action            string  `json:"action"`
	ResponseText      string  `json:"response_text"`
	Category          string  `json:"behavior_category"`
	ApprovedEmotes    []Emote `json:"approved_emotes,omitempty"`
	TriggerText       string  `json:"trigger_text,omitempty"`
	SuppressionReason string  `json:"suppression_reason,omitempty"`
	SessionID         string  `json:"session_id,omitempty"`
}

func (d Decision) category() string {
	c := strings.ToUpper(strings.TrimSpace(d.Category))
	if c == "" {
		return "OTHER"
	}
	return c
}

func (d Decision) action() string {
	return strings.ToUpper(strings.TrimSpace(d.Action))
}

// Output is the verdict for one decision.
type Output struct {
	EventID                  string  `json:"event_id"`
	SessionID                string  `json:"session_id,omitempty"`
	Category                 string  `json:"category"`
	Emitted                  bool    `json:"emitted"`
	Reason                   string  `json:"reason"`
	DisallowedToken          string  `json:"disallowed_token,omitempty"`
	CooldownKey              string  `json:"cooldown_key,omitempty"`
	CooldownRemainingSeconds float64 `json:"cooldown_remaining_seconds,omitempty"`
}
