// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query token extraction, rejection and context propagation

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveWithAuth(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	verifier := newTestVerifier(t)

	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(verifier, nil)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_HeaderToken(t *testing.T) {
	token, _ := newTestVerifier(t).Generate("alice", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, authCtx := serveWithAuth(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if authCtx == nil || authCtx.Subject != "alice" {
		t.Errorf("expected subject alice in context, got %+v", authCtx)
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	token, _ := newTestVerifier(t).Generate("bob", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/ws?session=s1&token="+token, nil)

	rec, authCtx := serveWithAuth(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if authCtx == nil || authCtx.Subject != "bob" {
		t.Errorf("expected subject bob in context, got %+v", authCtx)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	expired, _ := newTestVerifier(t).Generate("alice", -time.Hour)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage token", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired token", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, authCtx := serveWithAuth(t, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rec.Code)
			}
			if authCtx != nil {
				t.Error("handler should not have been called")
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, msg := extractBearerToken("Bearer abc.def.ghi")
	if msg != "" || token != "abc.def.ghi" {
		t.Errorf("extractBearerToken() = (%q, %q)", token, msg)
	}
}
