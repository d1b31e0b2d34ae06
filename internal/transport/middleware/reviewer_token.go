// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/stagegate/internal/auth"
)

const (
	HeaderReviewer  = "X-Reviewer"
	defaultReviewer = "reviewer"
)

// ReviewerTokenAuth guards decision routes with a shared bearer token. An
// empty token disables the check. The X-Reviewer header, when present, names
// the person recorded on the decision.
func ReviewerTokenAuth(reviewerToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	reviewerToken = strings.TrimSpace(reviewerToken)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reviewerToken != "" {
				token, ok := bearerToken(r.Header.Get("Authorization"))
				if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(reviewerToken)) != 1 {
					logger.Warn("request blocked by reviewer token middleware",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
					)
					w.Header().Set("WWW-Authenticate", "Bearer")
					http.Error(w, "missing or invalid reviewer token", http.StatusUnauthorized)
					return
				}
			}

			reviewer := strings.TrimSpace(r.Header.Get(HeaderReviewer))
			if reviewer == "" {
				reviewer = defaultReviewer
			}
			next.ServeHTTP(w, r.WithContext(auth.WithReviewer(r.Context(), reviewer)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}
