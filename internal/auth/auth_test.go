package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticTokens(t *testing.T) {
	a := NewStaticTokens(map[string]string{"t1": "alice", "t2": "bob"})

	owner, err := a.Authenticate(context.Background(), "t2")
	if err != nil || owner != "bob" {
		t.Errorf("Authenticate(t2) = %q, %v", owner, err)
	}
	for _, tok := range []string{"", "t3", "t1 "} {
		if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Authenticate(%q) err = %v", tok, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	a := NewStaticTokens(map[string]string{"secret": "alice"})
	var seen string
	h := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Owner(r.Context())
	}))

	tests := []struct {
		header string
		status int
		owner  string
	}{
		{"Bearer secret", http.StatusOK, "alice"},
		{"bearer secret", http.StatusOK, "alice"},
		{"Bearer wrong", http.StatusUnauthorized, ""},
		{"secret", http.StatusUnauthorized, ""},
		{"", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/api/programs", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.status || seen != tt.owner {
			t.Errorf("header %q: status %d owner %q, want %d %q", tt.header, rec.Code, seen, tt.status, tt.owner)
		}
	}
}
