// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adiadia/stagegate/internal/metrics"
)

const (
	headerRequestID    = "X-Request-Id"
	maxRequestIDLength = 128
	unmatchedRoute     = "unmatched"
)

type requestIDContextKey struct{}
type requestLogContextKey struct{}

// requestLog collects attributes from handlers deeper in the chain so the
// access log line can carry them. Inner middleware gets a derived request,
// so the outer logger cannot read their context values directly.
type requestLog struct {
	mu    sync.Mutex
	attrs []any
}

func (l *requestLog) add(kv ...any) {
	l.mu.Lock()
	l.attrs = append(l.attrs, kv...)
	l.mu.Unlock()
}

func (l *requestLog) snapshot() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.attrs...)
}

// annotateRequest adds key/value pairs to the access log line of the
// current request. It is a no-op outside requestLoggingMiddleware.
func annotateRequest(ctx context.Context, kv ...any) {
	if l, ok := ctx.Value(requestLogContextKey{}).(*requestLog); ok {
		l.add(kv...)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Flush keeps server-sent events working through the recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if r.status == 0 {
			r.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *responseRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDContextKey{}).(string)
	return v, ok && v != ""
}

// validRequestID accepts caller-supplied IDs that are short and printable
// ASCII, so they are safe to echo into headers and logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(headerRequestID))
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(headerRequestID, id)
			ctx := context.WithValue(r.Context(), requestIDContextKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLoggingMiddleware writes one access log line per request and feeds
// the HTTP metrics. Server errors log at error level.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &requestLog{}
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLogContextKey{}, rl)))

			elapsed := time.Since(start)
			route := unmatchedRoute
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			metrics.ObserveHTTPRequest(route, r.Method, rec.code(), elapsed)

			reqID, _ := requestIDFromContext(r.Context())
			attrs := append([]any{
				"request_id", reqID,
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", rec.code(),
				"bytes", rec.bytes,
				"duration_ms", elapsed.Milliseconds(),
			}, rl.snapshot()...)

			level := slog.LevelInfo
			if rec.code() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
