// SPDX-License-Identifier: Apache-2.0

// Package notify delivers review queue events to an external webhook so
// reviewers learn about new items without polling.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookTimeout       = 10 * time.Second
	HeaderSignature      = "X-Signature"
	HeaderEvent          = "X-Stagegate-Event"
)

type reviewWebhookPayload struct {
	Event      string              `json:"event"`
	ReviewID   uuid.UUID           `json:"review_id"`
	Stage      domain.Stage        `json:"stage"`
	EntityID   uuid.UUID           `json:"entity_id"`
	Status     domain.ReviewStatus `json:"status"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	ExpiresAt  time.Time           `json:"expires_at"`
	DecidedBy  string              `json:"decided_by,omitempty"`
	Feedback   string              `json:"feedback,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type Deps struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	// RetryBase is the wait before the second attempt; it doubles after that.
	RetryBase time.Duration
}

type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	retryBase  time.Duration
}

// NewWebhookNotifier returns nil when no URL is configured.
func NewWebhookNotifier(deps Deps) *WebhookNotifier {
	url := strings.TrimSpace(deps.URL)
	if url == "" {
		return nil
	}
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	base := deps.RetryBase
	if base <= 0 {
		base = webhookRetryBase
	}
	return &WebhookNotifier{
		url:        url,
		secret:     deps.Secret,
		httpClient: client,
		logger:     l,
		now:        now,
		retryBase:  base,
	}
}

// ReviewEvent posts one signed event, retrying non-2xx answers with
// exponential backoff. It gives up silently after the last attempt.
func (n *WebhookNotifier) ReviewEvent(ctx context.Context, event string, item domain.ReviewItem) {
	if n == nil {
		return
	}

	payload := reviewWebhookPayload{
		Event:      event,
		ReviewID:   item.ID,
		Stage:      item.EntityRef.Stage,
		EntityID:   item.EntityRef.EntityID,
		Status:     item.Status,
		Metadata:   item.Metadata,
		ExpiresAt:  item.ExpiresAt,
		OccurredAt: n.now(),
	}
	if item.Decision != nil {
		payload.DecidedBy = item.Decision.DecidedBy
		payload.Feedback = item.Feedback()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"review_id", item.ID,
			"event", event,
			"error", err,
		)
		return
	}

	signature := Sign(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("webhook request build failed",
				"review_id", item.ID,
				"event", event,
				"error", err,
			)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event)
		if signature != "" {
			req.Header.Set(HeaderSignature, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"review_id", item.ID,
				"event", event,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Debug("webhook delivered",
					"review_id", item.ID,
					"event", event,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"review_id", item.ID,
				"event", event,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := n.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	n.logger.Error("webhook retries exhausted",
		"review_id", item.ID,
		"event", event,
		"error", lastErr,
	)
}

// Sign returns the hex HMAC-SHA256 of payload, or "" without a secret.
func Sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
