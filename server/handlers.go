package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/chatgate/audit"
	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/control"
	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/gate"
	"github.com/onnwee/chatgate/status"
	"github.com/onnwee/chatgate/telemetry"
)

const maxBodyBytes = 1 << 20

// CostCapSetter is the operator-controlled cost cap flag.
type CostCapSetter interface {
	Set(active bool) bool
	Active() bool
}

// Deps are the components the HTTP API drives.
type Deps struct {
	Config  *config.Config
	Control *control.Store
	Creds   *credential.Manager
	Gate    *gate.Gate
	Status  *status.Aggregator
	CostCap CostCapSetter
	Audit   *audit.Logger
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	auth *authConfig
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps, auth *authConfig) *Handlers {
	return &Handlers{Deps: deps, auth: auth}
}

// opResult is what an operator handler reports back: the response and the
// audit payload/result for the entry written on its behalf.
type opResult struct {
	status  int
	body    map[string]any
	errCode string
	detail  string
	payload map[string]any
	result  string
}

func succeeded(body map[string]any, payload map[string]any) opResult {
	return opResult{status: http.StatusOK, body: body, payload: payload, result: "OK"}
}

func failed(status int, code, detail string, payload map[string]any) opResult {
	return opResult{status: status, errCode: code, detail: detail, payload: payload, result: code}
}

type opFunc func(r *http.Request, op Operator, body map[string]any) opResult

// operator wraps a mutating route: POST only, JSON body, an operator of at
// least required role, and exactly one audit entry per authenticated or
// refused request.
func (h *Handlers) operator(action, required string, fn opFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.reject(w, r, action, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
			return
		}
		body, err := readJSONBody(r)
		if err != nil {
			h.reject(w, r, action, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
		op, denied := h.authorize(w, r, action, required, body)
		if denied {
			return
		}
		res := fn(r, op, body)
		entry := h.Audit.Append(r.Context(), op.actor(), action, res.payload, res.result)
		writeOpResult(w, res, &entry)
	}
}

// authorize authenticates r and checks its role. A refusal is audited as
// DENIED:<action> and answered; the caller must stop when denied is true.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, action, required string, body map[string]any) (Operator, bool) {
	op, err := h.auth.authenticate(r)
	if err != nil {
		var ae *authError
		if !errors.As(err, &ae) {
			ae = &authError{status: http.StatusUnauthorized, code: "UNAUTHORIZED", detail: err.Error()}
		}
		h.deny(r, unauthenticatedActor(r), action, body, ae)
		if ae.status == http.StatusUnauthorized && h.auth.adminUsername != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="chatgate operator"`)
		}
		writeError(w, ae.status, ae.code, ae.detail)
		return Operator{}, true
	}
	if !roleAllows(op.Role, required) {
		ae := &authError{status: http.StatusForbidden, code: "FORBIDDEN", detail: required + " role required"}
		h.deny(r, op.actor(), action, body, ae)
		writeError(w, ae.status, ae.code, ae.detail)
		return Operator{}, true
	}
	return op, false
}

// reject answers a malformed request before authorization and audits it as
// DENIED:<action>, attributed to the operator when the credentials check out.
func (h *Handlers) reject(w http.ResponseWriter, r *http.Request, action string, status int, code, detail string) {
	actor := unauthenticatedActor(r)
	if op, err := h.auth.authenticate(r); err == nil {
		actor = op.actor()
	}
	h.deny(r, actor, action, nil, &authError{status: status, code: code, detail: detail})
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	writeError(w, status, code, detail)
}

func (h *Handlers) deny(r *http.Request, actor audit.Actor, action string, body map[string]any, ae *authError) {
	payload := map[string]any{"path": r.URL.Path, "remote_addr": clientIP(r)}
	for k, v := range body {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	h.Audit.Denied(r.Context(), actor, action, payload, ae.code+": "+ae.detail)
	telemetry.LoggerWithCorr(r.Context()).Warn("operator request denied", slog.String("component", "http"),
		slog.String("action", action), slog.String("path", r.URL.Path), slog.String("reason", ae.code))
}

func writeOpResult(w http.ResponseWriter, res opResult, entry *audit.Entry) {
	resp := map[string]any{}
	for k, v := range res.body {
		resp[k] = v
	}
	resp["ok"] = res.errCode == ""
	if res.errCode != "" {
		resp["error"] = res.errCode
		if res.detail != "" {
			resp["detail"] = res.detail
		}
	}
	if entry != nil {
		resp["audit"] = entry
	}
	writeJSON(w, res.status, resp)
}

// readJSONBody decodes an optional JSON object body. An empty body is an empty map.
func readJSONBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", slog.Any("err", err))
	}
}

// writeError writes the {"error", "detail"} shape used by every failing route.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code, "detail": detail})
}

// credentialStatus maps a credential error code onto an HTTP status.
func credentialStatus(code credential.Code) int {
	switch code {
	case credential.CodeBadRequest, credential.CodeUnknownAccount, credential.CodeFlowNotEnabled,
		credential.CodeConfigMissing, credential.CodeInvalidState, credential.CodeNoPendingDeviceAuth:
		return http.StatusBadRequest
	case credential.CodeDeviceCodeExpired, credential.CodeExpiredToken, credential.CodeAccessDenied,
		credential.CodeInvalidDeviceCode:
		return http.StatusConflict
	case credential.CodeExchangeFailed, credential.CodeDeviceStartFailed, credential.CodeDeviceAuthFailed, credential.CodeRefreshFailed,
		credential.CodeInvalidRefreshToken:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func credentialFailure(err error, payload map[string]any) opResult {
	code := credential.CodeOf(err)
	if code == "" {
		code = credential.CodeStorage
	}
	detail := err.Error()
	var ce *credential.Error
	if errors.As(err, &ce) && ce.Detail != "" {
		detail = ce.Detail
	}
	return failed(credentialStatus(code), string(code), detail, payload)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func queryFlag(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// boolField reads a boolean from a decoded JSON body.
func boolField(body map[string]any, key string) (bool, bool) {
	switch v := body[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}
