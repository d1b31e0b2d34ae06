// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated reviewer on request context.
package auth

import (
	"context"
	"strings"
)

type reviewerContextKey struct{}

var ctxReviewerKey reviewerContextKey

// WithReviewer stores the reviewer name recorded on decisions.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, ctxReviewerKey, strings.TrimSpace(reviewer))
}

// ReviewerFromContext reads the reviewer stored by WithReviewer.
func ReviewerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxReviewerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
