package server

import (
	"net/http"
	"time"

	"github.com/onnwee/chatgate/control"
)

// Audit actions of the control routes.
const (
	ActionArm               = "CONTROL_ARM_SET"
	ActionDisarm            = "CONTROL_DISARM_SET"
	ActionEmergencyStop     = "EMERGENCY_STOP"
	ActionKillSwitchRelease = "KILL_SWITCH_RELEASE"
	ActionSilenceNow        = "SILENCE_NOW"
	ActionDryRun            = "CONTROL_DRY_RUN_SET"
	ActionDirector          = "CONTROL_DIRECTOR_SET"
	ActionCostCap           = "CONTROL_COST_CAP_SET"
)

func changePayload(c control.Change) map[string]any {
	return map[string]any{
		"previous_armed": c.Previous.Armed,
		"new_armed":      c.Current.Armed,
		"session_id":     c.Current.SessionID,
	}
}

// HandleArm arms output unless the kill switch or a setup blocker refuses it.
func (h *Handlers) HandleArm(r *http.Request, _ Operator, _ map[string]any) opResult {
	res := h.Control.Arm(h.Status.ArmBlockers(r.Context()))
	payload := changePayload(res.Change)
	if len(res.Blockers) > 0 {
		payload["blockers"] = res.Blockers
		out := failed(http.StatusConflict, "ARM_REFUSED", "arm refused", payload)
		out.body = map[string]any{"state": res.Current, "blockers": res.Blockers}
		return out
	}
	return succeeded(map[string]any{"state": res.Current}, payload)
}

// HandleDisarm disarms output and clears any silence.
func (h *Handlers) HandleDisarm(_ *http.Request, _ Operator, _ map[string]any) opResult {
	c := h.Control.Disarm()
	return succeeded(map[string]any{"state": c.Current}, changePayload(c))
}

// HandleEmergencyStop engages the kill switch, which also disarms.
func (h *Handlers) HandleEmergencyStop(_ *http.Request, _ Operator, _ map[string]any) opResult {
	c := h.Control.SetKillSwitch(true)
	payload := changePayload(c)
	payload["kill_switch"] = true
	return succeeded(map[string]any{"state": c.Current}, payload)
}

// HandleKillSwitchRelease clears the kill switch. Output stays disarmed until an explicit arm.
func (h *Handlers) HandleKillSwitchRelease(_ *http.Request, _ Operator, _ map[string]any) opResult {
	c := h.Control.SetKillSwitch(false)
	payload := changePayload(c)
	payload["kill_switch"] = false
	return succeeded(map[string]any{"state": c.Current}, payload)
}

// HandleSilenceNow silences output for ttl_seconds, defaulting to SILENCE_TTL_SECONDS.
func (h *Handlers) HandleSilenceNow(_ *http.Request, _ Operator, body map[string]any) opResult {
	ttl := h.Config.SilenceTTL
	if v, ok := body["ttl_seconds"].(float64); ok && v > 0 {
		ttl = time.Duration(v * float64(time.Second))
	}
	c := h.Control.SilenceFor(ttl)
	payload := map[string]any{"ttl_seconds": ttl.Seconds(), "armed": c.Current.Armed}
	return succeeded(map[string]any{"state": c.Current, "applied": c.Applied}, payload)
}

// HandleDryRun toggles dry-run mode from {"enabled": bool}.
func (h *Handlers) HandleDryRun(_ *http.Request, _ Operator, body map[string]any) opResult {
	on, ok := boolField(body, "enabled")
	if !ok {
		return failed(http.StatusBadRequest, "BAD_REQUEST", `body must include boolean "enabled"`, body)
	}
	c := h.Control.SetDryRun(on)
	return succeeded(map[string]any{"state": c.Current},
		map[string]any{"previous": c.Previous.DryRun, "new": c.Current.DryRun})
}

// HandleDirector switches the active director from {"director": name}.
func (h *Handlers) HandleDirector(_ *http.Request, _ Operator, body map[string]any) opResult {
	name, _ := body["director"].(string)
	d, err := control.ParseDirector(name)
	if err != nil {
		return failed(http.StatusBadRequest, "BAD_REQUEST", err.Error(), body)
	}
	c, err := h.Control.SetActiveDirector(d)
	if err != nil {
		return failed(http.StatusBadRequest, "BAD_REQUEST", err.Error(), body)
	}
	return succeeded(map[string]any{"state": c.Current},
		map[string]any{"previous": string(c.Previous.ActiveDirector), "new": string(c.Current.ActiveDirector)})
}

// HandleCostCap sets the operator cost cap flag from {"active": bool}.
func (h *Handlers) HandleCostCap(_ *http.Request, _ Operator, body map[string]any) opResult {
	on, ok := boolField(body, "active")
	if !ok {
		return failed(http.StatusBadRequest, "BAD_REQUEST", `body must include boolean "active"`, body)
	}
	prev := h.CostCap.Set(on)
	return succeeded(map[string]any{"cost_cap": h.CostCap.Active()},
		map[string]any{"previous": prev, "new": on})
}
