// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adiadia/stagegate/internal/auth"
)

func TestReviewerTokenAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ReviewerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("open when no token is configured", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest(http.MethodPost, "/reviews/x/approve", nil)
		rec := httptest.NewRecorder()

		ReviewerTokenAuth("", logger)(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
		if seen != defaultReviewer {
			t.Fatalf("expected default reviewer got %q", seen)
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/reviews/x/approve", nil)
		rec := httptest.NewRecorder()

		ReviewerTokenAuth("review-secret", logger)(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header %q got %q", "Bearer", got)
		}
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/reviews/x/approve", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()

		ReviewerTokenAuth("review-secret", logger)(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("accepts valid token and names the reviewer", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest(http.MethodPost, "/reviews/x/approve", nil)
		req.Header.Set("Authorization", "bearer review-secret")
		req.Header.Set(HeaderReviewer, "alice")
		rec := httptest.NewRecorder()

		ReviewerTokenAuth("review-secret", logger)(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
		if seen != "alice" {
			t.Fatalf("expected reviewer alice got %q", seen)
		}
	})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{header: "Bearer abc", token: "abc", ok: true},
		{header: "bearer abc", token: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer ", ok: false},
		{header: "", ok: false},
	}
	for _, tc := range cases {
		token, ok := bearerToken(tc.header)
		if ok != tc.ok || token != tc.token {
			t.Fatalf("bearerToken(%q): expected (%q, %v) got (%q, %v)", tc.header, tc.token, tc.ok, token, ok)
		}
	}
}
