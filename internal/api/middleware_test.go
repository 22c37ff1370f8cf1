package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testAPIKey = "test-secret-key-12345"

// mockHandler is a simple handler that records if it was called
func mockHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + testAPIKey, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"lowercase scheme", "bearer " + testAPIKey, http.StatusUnauthorized},
		{"basic scheme", "Basic " + testAPIKey, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, called := mockHandler()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/context", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			AuthMiddleware(testAPIKey)(handler).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if *called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", *called)
			}
			if w.Code == http.StatusUnauthorized && strings.Contains(w.Body.String(), testAPIKey) {
				t.Error("response leaks the API key")
			}
		})
	}
}

func TestAuthMiddleware_EmptyKeyDisablesCheck(t *testing.T) {
	handler, called := mockHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/context", nil)
	w := httptest.NewRecorder()

	AuthMiddleware("")(handler).ServeHTTP(w, req)

	if !*called || w.Code != http.StatusOK {
		t.Errorf("dev mode request rejected: %d", w.Code)
	}
}

func TestIdentityMiddleware_AttachesIdentity(t *testing.T) {
	var got Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set(HeaderUserID, " alice ")
	req.Header.Set(HeaderSessionID, "s-1")

	IdentityMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)

	if got.UserID != "alice" || got.SessionID != "s-1" {
		t.Errorf("identity = %+v", got)
	}
	if got.Owner() != "alice" || got.Anonymous() {
		t.Errorf("owner = %q anonymous = %v", got.Owner(), got.Anonymous())
	}
}

func TestIdentityMiddleware_AnonymousOwnerIsSession(t *testing.T) {
	var got Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set(HeaderSessionID, "s-9")

	IdentityMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)

	if !got.Anonymous() || got.Owner() != "session:s-9" {
		t.Errorf("identity = %+v owner = %q", got, got.Owner())
	}
}

func TestIdentityMiddleware_RejectsOversizedHeader(t *testing.T) {
	handler, called := mockHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set(HeaderUserID, strings.Repeat("u", maxIdentityLength+1))
	w := httptest.NewRecorder()

	IdentityMiddleware(handler).ServeHTTP(w, req)

	if *called {
		t.Error("handler should not be called")
	}
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestIdentityMiddleware_RejectsSessionPrefixedUserID(t *testing.T) {
	// Given a real user id inside the session pseudo-user namespace
	handler, called := mockHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set(HeaderUserID, "session:abc")
	w := httptest.NewRecorder()

	// When the identity is resolved
	IdentityMiddleware(handler).ServeHTTP(w, req)

	// Then the request is rejected before it can reach the session's rules
	if *called {
		t.Error("handler should not be called")
	}
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), HeaderUserID) {
		t.Errorf("body should name the offending header: %s", w.Body.String())
	}
}

func TestRecoveryMiddleware_ReturnsProblem(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/context", nil)
	w := httptest.NewRecorder()

	RecoveryMiddleware(panicking).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value leaked to client")
	}
}

func TestLoggingMiddleware_PassesStatusThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()

	LoggingMiddleware(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
}
