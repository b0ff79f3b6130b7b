// Package server middleware: operator authentication, per-IP rate limiting and CORS.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatgate/audit"
)

// Operator roles, lowest first.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Auth modes recorded in the audit log.
const (
	AuthModeToken = "token"
	AuthModeBasic = "basic"
	AuthModeJWT   = "jwt"
	AuthModeNone  = "none"
)

// Operator is the authenticated caller of an operator route.
type Operator struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	AuthMode string `json:"auth_mode"`
}

func (o Operator) actor() audit.Actor {
	return audit.Actor{Name: o.Name, Role: o.Role, AuthMode: o.AuthMode}
}

// authError is an authentication or authorization failure.
type authError struct {
	status int
	code   string
	detail string
}

func (e *authError) Error() string { return e.code + ": " + e.detail }

// authConfig holds operator authentication settings loaded from the environment.
type authConfig struct {
	adminUsername  string
	adminPassword  string
	adminToken     string
	jwtSecret      []byte
	allowAnonymous bool
}

// loadAuthConfig reads ADMIN_USERNAME/ADMIN_PASSWORD, ADMIN_TOKEN,
// OPERATOR_JWT_SECRET and ALLOW_UNAUTHENTICATED_OPERATOR.
func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		adminUsername:  os.Getenv("ADMIN_USERNAME"),
		adminPassword:  os.Getenv("ADMIN_PASSWORD"),
		adminToken:     os.Getenv("ADMIN_TOKEN"),
		jwtSecret:      []byte(os.Getenv("OPERATOR_JWT_SECRET")),
		allowAnonymous: envFlag("ALLOW_UNAUTHENTICATED_OPERATOR"),
	}
	if !cfg.configured() {
		if cfg.allowAnonymous {
			slog.Warn("operator authentication not configured and ALLOW_UNAUTHENTICATED_OPERATOR=1 - operator routes are UNPROTECTED")
		} else {
			slog.Warn("operator authentication not configured - operator routes will refuse requests. Set ADMIN_TOKEN, ADMIN_USERNAME+ADMIN_PASSWORD or OPERATOR_JWT_SECRET")
		}
	}
	return cfg
}

func (c *authConfig) configured() bool {
	return c.adminToken != "" || (c.adminUsername != "" && c.adminPassword != "") || len(c.jwtSecret) > 0
}

// operatorClaims are the claims of an operator bearer token.
type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticate resolves the operator behind r.
func (c *authConfig) authenticate(r *http.Request) (Operator, error) {
	if !c.configured() {
		if c.allowAnonymous {
			return Operator{Name: "local", Role: RoleAdmin, AuthMode: AuthModeNone}, nil
		}
		return Operator{}, &authError{status: http.StatusUnauthorized, code: "UNAUTHORIZED", detail: "operator authentication is not configured"}
	}

	if c.adminToken != "" {
		token := r.Header.Get("X-Admin-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.adminToken)) == 1 {
			return Operator{Name: "admin", Role: RoleAdmin, AuthMode: AuthModeToken}, nil
		}
	}

	if c.adminUsername != "" && c.adminPassword != "" {
		username, password, ok := r.BasicAuth()
		if ok {
			usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(c.adminUsername)) == 1
			passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(c.adminPassword)) == 1
			if usernameMatch && passwordMatch {
				return Operator{Name: username, Role: RoleAdmin, AuthMode: AuthModeBasic}, nil
			}
		}
	}

	if len(c.jwtSecret) > 0 {
		if raw, ok := bearerToken(r); ok {
			op, err := c.verifyJWT(raw)
			if err == nil {
				return op, nil
			}
			return Operator{}, &authError{status: http.StatusUnauthorized, code: "UNAUTHORIZED", detail: err.Error()}
		}
	}

	return Operator{}, &authError{status: http.StatusUnauthorized, code: "UNAUTHORIZED", detail: "missing or invalid operator credentials"}
}

func (c *authConfig) verifyJWT(raw string) (Operator, error) {
	token, err := jwt.ParseWithClaims(raw, &operatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Operator{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok {
		return Operator{}, errors.New("invalid claims")
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Operator{}, errors.New("token has no subject")
	}
	role := normalizeRole(claims.Role)
	if role == "" {
		role = RoleOperator
	}
	return Operator{Name: sub, Role: role, AuthMode: AuthModeJWT}, nil
}

// unauthenticatedActor names a refused caller as best it can for the audit log.
func unauthenticatedActor(r *http.Request) audit.Actor {
	if username, _, ok := r.BasicAuth(); ok && username != "" {
		return audit.Actor{Name: username, AuthMode: AuthModeBasic}
	}
	if _, ok := bearerToken(r); ok {
		return audit.Actor{Name: "anonymous", AuthMode: AuthModeJWT}
	}
	if r.Header.Get("X-Admin-Token") != "" {
		return audit.Actor{Name: "anonymous", AuthMode: AuthModeToken}
	}
	return audit.Actor{Name: "anonymous"}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return RoleViewer
	case RoleOperator:
		return RoleOperator
	case RoleAdmin:
		return RoleAdmin
	default:
		return ""
	}
}

// roleAllows reports whether role meets required.
func roleAllows(role, required string) bool {
	rank := map[string]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}
	return rank[role] >= rank[required] && rank[role] > 0
}

// rateLimiterConfig holds rate limiting configuration
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int           // burst per IP
	window        time.Duration // time to refill the burst
}

// loadRateLimiterConfig reads rate limiter configuration from environment
func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled:       os.Getenv("RATE_LIMIT_ENABLED") != "0",
		requestsPerIP: 30,
		window:        time.Minute,
	}
	if n := getEnvInt("RATE_LIMIT_REQUESTS_PER_IP", cfg.requestsPerIP); n > 0 {
		cfg.requestsPerIP = n
	}
	if n := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60); n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a limiter whose stale entries are swept until ctx ends.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
	}
	go limiter.cleanupLoop(ctx)
	return limiter
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup drops visitors idle for two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow reports whether a request from ip may proceed.
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		every := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// rateLimitMiddleware rejects clients that exceed their bucket with 429.
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop and strips the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			ip = strings.TrimSpace(forwarded[:idx])
		} else {
			ip = strings.TrimSpace(forwarded)
		}
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// corsConfig holds CORS configuration
type corsConfig struct {
	allowedOrigins []string
	permissive     bool // dev mode allows every origin
}

// loadCORSConfig reads CORS configuration from environment
func loadCORSConfig() *corsConfig {
	mode := strings.ToLower(os.Getenv("ENV"))
	permissive := mode == "" || mode == "dev" || mode == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}

	allowedOrigins := []string{}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins = append(allowedOrigins, origin)
			}
		}
	}
	if !permissive && len(allowedOrigins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	return &corsConfig{allowedOrigins: allowedOrigins, permissive: permissive}
}

const corsAllowHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"

// withCORSConfig wraps a handler with CORS headers based on configuration
func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if cfg.permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		} else if origin != "" && isOriginAllowed(origin, cfg.allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks an origin against the list; "*.example.com" matches subdomains.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

func envFlag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
