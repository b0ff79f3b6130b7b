package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/onnwee/chatgate/audit"
	"github.com/onnwee/chatgate/gate"
	"github.com/onnwee/chatgate/status"
)

const maxAuditLimit = 500

// ActionGateEvaluate is the audit action for refused gate evaluations.
const ActionGateEvaluate = "GATE_EVALUATE"

// HandleStatus returns the full status report.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, h.Status.Report(r.Context()))
}

// HandleGateEvaluate runs a decision batch through the output gate. The body is
// either a JSON array of decisions or {"decisions": [...]}.
func (h *Handlers) HandleGateEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.reject(w, r, ActionGateEvaluate, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, r, ActionGateEvaluate, http.StatusBadRequest, "BAD_REQUEST", "could not read body")
		return
	}
	decisions, err := decodeDecisions(raw)
	if err != nil {
		h.reject(w, r, ActionGateEvaluate, http.StatusBadRequest, "BAD_REQUEST", "invalid decision batch: "+err.Error())
		return
	}
	if _, denied := h.authorize(w, r, ActionGateEvaluate, RoleOperator, map[string]any{"decisions": len(decisions)}); denied {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": h.Gate.Evaluate(r.Context(), decisions)})
}

func decodeDecisions(raw []byte) ([]gate.Decision, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var decisions []gate.Decision
	if raw[0] == '[' {
		err := json.Unmarshal(raw, &decisions)
		return decisions, err
	}
	var wrapped struct {
		Decisions []gate.Decision `json:"decisions"`
	}
	err := json.Unmarshal(raw, &wrapped)
	return wrapped.Decisions, err
}

// HandleAudit returns the most recent audit entries, oldest first.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	if _, denied := h.authorize(w, r, "AUDIT_READ", RoleViewer, nil); denied {
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	entries := h.Audit.Recent(r.Context(), limit)
	resp := map[string]any{"entries": entries, "chain_ok": true}
	if err := audit.VerifyChain(entries); err != nil {
		resp["chain_ok"] = false
		resp["chain_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealthz reports liveness: the process answers.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok")) //nolint:errcheck // liveness response
}

// HandleReadyz runs the registered readiness checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	results := h.Status.Readiness(r.Context(), true)
	if status.Ready(results) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": results})
		return
	}
	failedChecks := []string{}
	for _, res := range results {
		if !res.OK {
			failedChecks = append(failedChecks, res.Name)
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "not_ready",
		"failed": failedChecks,
		"checks": results,
	})
}
