package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves the id.twitch.tv and Helix endpoints from one
// httptest server and counts calls per path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

// NewMockTwitchServer creates a mock server. Unregistered paths answer 404.
// Point twitchapi.Client.IDBaseURL at URL and HelixBaseURL at URL+"/helix".
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path, replacing any previous one.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Calls returns how many requests hit path.
func (m *MockTwitchServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// MockUserResponse answers /helix/users with one user.
func (m *MockTwitchServer) MockUserResponse(userID, login, displayName string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": displayName},
			},
		})
	})
}

// MockOAuthTokenResponse answers /oauth2/token with a user token grant.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int, scopes []string) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         scopes,
			"token_type":    "bearer",
		})
	})
}

// MockOAuthError answers path with a Twitch-style error body.
func (m *MockTwitchServer) MockOAuthError(path string, status int, code, message string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{"status": status, "error": code, "message": message})
	})
}

// MockDeviceCode answers /oauth2/device with a device code.
func (m *MockTwitchServer) MockDeviceCode(deviceCode, userCode string, interval, expiresIn int) {
	m.Handle("/oauth2/device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"device_code":      deviceCode,
			"user_code":        userCode,
			"verification_uri": "https://www.twitch.tv/activate?device-code=" + userCode,
			"interval":         interval,
			"expires_in":       expiresIn,
		})
	})
}

// MockValidate answers /oauth2/validate for a token owned by login.
func (m *MockTwitchServer) MockValidate(login string, scopes []string, expiresIn int) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id":  "cid",
			"login":      login,
			"user_id":    "1",
			"scopes":     scopes,
			"expires_in": expiresIn,
		})
	})
}

// MockRevoke answers /oauth2/revoke with status.
func (m *MockTwitchServer) MockRevoke(status int) {
	m.Handle("/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
