package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatgate/audit"
	"github.com/onnwee/chatgate/telemetry"
)

// Audit actions of the credential routes.
const (
	ActionConnectStart    = "TWITCH_CONNECT_START"
	ActionConnectCallback = "TWITCH_CONNECT_CALLBACK"
	ActionDevicePoll      = "TWITCH_DEVICE_POLL"
	ActionDisconnect      = "TWITCH_DISCONNECT"
	ActionRefresh         = "TWITCH_REFRESH"
)

// accountParam reads the account from ?account= or the JSON body.
func accountParam(r *http.Request, body map[string]any) string {
	if v := r.URL.Query().Get("account"); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	v, _ := body["account"].(string)
	return strings.ToLower(strings.TrimSpace(v))
}

// HandleConnectStart begins the configured auth flow for an account.
func (h *Handlers) HandleConnectStart(r *http.Request, op Operator, body map[string]any) opResult {
	account := accountParam(r, body)
	payload := map[string]any{"account": account, "flow": h.Config.AuthFlow}
	start, err := h.Creds.Connect(r.Context(), account, op.Name)
	if err != nil {
		return credentialFailure(err, payload)
	}
	return succeeded(map[string]any{"connect": start}, payload)
}

// HandleConnectCallback finishes the authorization-code flow. The state
// parameter authenticates the request; it is audited as the operator who
// started the flow.
func (h *Handlers) HandleConnectCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		detail := q.Get("error_description")
		entry := h.Audit.Append(r.Context(), audit.Actor{}, ActionConnectCallback, map[string]any{"error": e}, "AUTHORIZATION_DECLINED")
		writeOpResult(w, failed(http.StatusBadRequest, "AUTHORIZATION_DECLINED", strings.TrimSpace(e+" "+detail), nil), &entry)
		return
	}
	res, err := h.Creds.FinishAuth(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		out := credentialFailure(err, map[string]any{"has_code": q.Get("code") != "", "has_state": q.Get("state") != ""})
		entry := h.Audit.Append(r.Context(), audit.Actor{}, ActionConnectCallback, out.payload, out.result)
		telemetry.LoggerWithCorr(r.Context()).Warn("twitch callback failed", slog.String("component", "http"), slog.String("code", out.errCode))
		writeOpResult(w, out, &entry)
		return
	}
	actor := audit.Actor{Name: res.InitiatedBy, AuthMode: "oauth_state"}
	payload := map[string]any{"account": res.Account, "display_name": res.DisplayName, "scopes": res.Scopes}
	entry := h.Audit.Append(r.Context(), actor, ActionConnectCallback, payload, "OK")
	writeOpResult(w, succeeded(map[string]any{"auth": res}, payload), &entry)
}

// HandleDevicePoll polls a pending device-code authorization.
func (h *Handlers) HandleDevicePoll(r *http.Request, _ Operator, body map[string]any) opResult {
	account := accountParam(r, body)
	payload := map[string]any{"account": account}
	res, err := h.Creds.PollDeviceAuth(r.Context(), account)
	if err != nil {
		return credentialFailure(err, payload)
	}
	payload["connected"] = res.Connected
	payload["pending"] = res.Pending
	out := succeeded(map[string]any{"poll": res}, payload)
	if res.Pending {
		out.result = "PENDING"
	}
	return out
}

// HandleDisconnect wipes an account and revokes its tokens.
func (h *Handlers) HandleDisconnect(r *http.Request, _ Operator, body map[string]any) opResult {
	account := accountParam(r, body)
	payload := map[string]any{"account": account}
	summary, err := h.Creds.Disconnect(r.Context(), account)
	if err != nil {
		return credentialFailure(err, payload)
	}
	payload["revoked"] = summary.Revoked
	payload["revoke_failed"] = summary.Failed
	return succeeded(map[string]any{"revocation": summary}, payload)
}

// HandleRefresh runs a forced refresh sweep.
func (h *Handlers) HandleRefresh(r *http.Request, _ Operator, _ map[string]any) opResult {
	res := h.Creds.RefreshDue(r.Context(), true)
	refreshed := []string{}
	for name, a := range res.Accounts {
		if a.Refreshed {
			refreshed = append(refreshed, name)
		}
	}
	out := succeeded(map[string]any{"sweep": res}, map[string]any{"refreshed": refreshed, "ok": res.OK})
	if !res.OK {
		out.result = "PARTIAL_FAILURE"
	}
	return out
}

// HandleCredentialStatus returns every account's status; ?force=1 bypasses the cache.
func (h *Handlers) HandleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	if _, denied := h.authorize(w, r, "CREDENTIAL_STATUS_READ", RoleViewer, nil); denied {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": h.Creds.Statuses(r.Context(), queryFlag(r, "force")),
	})
}
