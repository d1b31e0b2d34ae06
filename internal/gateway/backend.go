// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/adiadia/stagegate/internal/domain"
)

const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// Completion is one fully resolved request handed to a backend.
type Completion struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Backend is a single text-generation provider. Complete performs exactly one
// attempt; retries are owned by the Gateway.
type Backend interface {
	Name() string
	Complete(ctx context.Context, c Completion) (string, error)
	Probe(ctx context.Context) error
}

// StatusError is returned by backends for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

var transientStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// isTransient reports whether an attempt error is worth retrying. The caller's
// own cancellation is handled before this is consulted.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrMalformedResponse) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return transientStatus[statusErr.StatusCode]
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
