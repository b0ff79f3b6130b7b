// Package server exposes the operator HTTP API: status, the control register,
// Twitch credential flows, gate evaluation, the audit log, health endpoints and metrics.
// Every request carries a correlation ID and, when tracing is enabled, a span.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatgate/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter's
// cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(deps, authCfg)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/live/arm", h.operator(ActionArm, RoleOperator, h.HandleArm))
	mux.HandleFunc("/live/disarm", h.operator(ActionDisarm, RoleOperator, h.HandleDisarm))
	mux.HandleFunc("/live/emergency_stop", h.operator(ActionEmergencyStop, RoleOperator, h.HandleEmergencyStop))
	mux.HandleFunc("/live/kill_switch_release", h.operator(ActionKillSwitchRelease, RoleOperator, h.HandleKillSwitchRelease))
	mux.HandleFunc("/live/silence_now", h.operator(ActionSilenceNow, RoleOperator, h.HandleSilenceNow))

	mux.HandleFunc("/control/dry_run", h.operator(ActionDryRun, RoleOperator, h.HandleDryRun))
	mux.HandleFunc("/control/director", h.operator(ActionDirector, RoleOperator, h.HandleDirector))
	mux.HandleFunc("/control/cost_cap", h.operator(ActionCostCap, RoleOperator, h.HandleCostCap))

	mux.HandleFunc("/credential/connect_start", h.operator(ActionConnectStart, RoleOperator, h.HandleConnectStart))
	mux.HandleFunc("/credential/callback", h.HandleConnectCallback)
	mux.HandleFunc("/credential/poll", h.operator(ActionDevicePoll, RoleOperator, h.HandleDevicePoll))
	mux.HandleFunc("/credential/disconnect", h.operator(ActionDisconnect, RoleOperator, h.HandleDisconnect))
	mux.HandleFunc("/credential/refresh", h.operator(ActionRefresh, RoleOperator, h.HandleRefresh))
	mux.HandleFunc("/credential/status", h.HandleCredentialStatus)

	mux.HandleFunc("/gate/evaluate", h.HandleGateEvaluate)
	mux.HandleFunc("/audit", h.HandleAudit)

	// Operator routes are rate limited per IP; health endpoints, metrics and the callback are not.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOperatorPath(r.URL.Path) {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		spanURL := r.URL.String()
		if r.URL.Path == "/credential/callback" {
			spanURL = r.URL.Path
		}
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(spanURL),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

func isOperatorPath(path string) bool {
	if path == "/credential/callback" {
		return false
	}
	for _, prefix := range []string{"/live/", "/control/", "/credential/", "/gate/", "/audit"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
