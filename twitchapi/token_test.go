package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func appTokenHandler(calls *atomic.Int32, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("app-token-%d", n),
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

func TestAppTokenSourceCaches(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, appTokenHandler(&calls, 3600))
	ts := NewAppTokenSource(c)
	ctx := context.Background()

	first, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first != "app-token-1" {
		t.Errorf("Token() = %q, want app-token-1", first)
	}
	second, err := ts.Token(ctx)
	if err != nil || second != first {
		t.Errorf("cached Token() = %q, %v", second, err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint calls = %d, want 1", n)
	}
}

func TestAppTokenSourceRenewsInsideLeeway(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, appTokenHandler(&calls, 3600))
	now := time.Now()
	ts := &AppTokenSource{Client: c, Now: func() time.Time { return now }}
	ctx := context.Background()

	if _, err := ts.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	now = now.Add(3600*time.Second - appTokenLeeway + time.Second)
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "app-token-2" || calls.Load() != 2 {
		t.Errorf("renewed Token() = %q after %d calls", tok, calls.Load())
	}

	ts.Invalidate()
	if tok, _ = ts.Token(ctx); tok != "app-token-3" {
		t.Errorf("Token() after Invalidate = %q", tok)
	}
}

func TestAppTokenSourceSharesConcurrentFetch(t *testing.T) {
	var calls atomic.Int32
	slow := appTokenHandler(&calls, 3600)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		slow(w, r)
	})
	ts := NewAppTokenSource(c)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := ts.Token(context.Background()); err != nil || tok != "app-token-1" {
				t.Errorf("Token() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint calls = %d, want 1", n)
	}
}

func TestAppTokenSourceErrors(t *testing.T) {
	if _, err := NewAppTokenSource(&Client{}).Token(context.Background()); err == nil || !strings.Contains(err.Error(), "TWITCH_CLIENT_ID") {
		t.Errorf("missing credentials error = %v", err)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
	})
	_, err := NewAppTokenSource(c).Token(context.Background())
	if ErrorCode(err) != "invalid_client_secret" {
		t.Errorf("rejected grant code = %q (%v)", ErrorCode(err), err)
	}
}

func TestGetUserByLoginReplacesRejectedAppToken(t *testing.T) {
	var tokenCalls, helixCalls atomic.Int32
	grant := appTokenHandler(&tokenCalls, 3600)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			grant(w, r)
		case "/helix/users":
			helixCalls.Add(1)
			if r.Header.Get("Authorization") != "Bearer app-token-2" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"id":"7","login":"ruleofrune","display_name":"RuleOfRune"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	user, err := c.GetUserByLogin(context.Background(), NewAppTokenSource(c), "ruleofrune")
	if err != nil {
		t.Fatalf("GetUserByLogin() error = %v", err)
	}
	if user.DisplayName != "RuleOfRune" {
		t.Errorf("user = %+v", user)
	}
	if tokenCalls.Load() != 2 || helixCalls.Load() != 2 {
		t.Errorf("token calls = %d, helix calls = %d, want 2 each", tokenCalls.Load(), helixCalls.Load())
	}
}
