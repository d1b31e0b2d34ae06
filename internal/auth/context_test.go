// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
)

func TestReviewerRoundTrip(t *testing.T) {
	ctx := WithReviewer(context.Background(), "  alice ")
	got, ok := ReviewerFromContext(ctx)
	if !ok || got != "alice" {
		t.Fatalf("expected alice got %q (%v)", got, ok)
	}
}

func TestReviewerMissing(t *testing.T) {
	if _, ok := ReviewerFromContext(context.Background()); ok {
		t.Fatal("expected no reviewer on empty context")
	}
	if _, ok := ReviewerFromContext(WithReviewer(context.Background(), " ")); ok {
		t.Fatal("expected blank reviewer to be ignored")
	}
}
