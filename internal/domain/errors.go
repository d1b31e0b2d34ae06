// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrDependencyNotMet       = errors.New("dependency not met")
	ErrProviderTransient      = errors.New("provider transient failure")
	ErrProviderFatal          = errors.New("provider failure")
	ErrMalformedResponse      = errors.New("malformed provider response")
	ErrDuplicatePendingReview = errors.New("entity already has a pending review")
	ErrReviewNotFound         = errors.New("review not found")
	ErrReviewAlreadyDecided   = errors.New("review already decided")
	ErrEntityNotFound         = errors.New("entity not found")
	ErrEntityConflict         = errors.New("entity was modified concurrently")
	ErrNotReady               = errors.New("result not ready")
	ErrFeedbackRequired       = errors.New("feedback is required")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAttemptInProgress      = errors.New("an attempt is already in progress")
	ErrAlreadyApproved        = errors.New("stage output already approved")
	ErrStoryNotFound          = errors.New("story not found")
	ErrStoryAlreadyDecided    = errors.New("story already decided")
	ErrUnknownStage           = errors.New("unknown stage")
	ErrInvalidInput           = errors.New("invalid input")
)

type DependencyReason string

const (
	ReasonNotFound    DependencyReason = "NOT_FOUND"
	ReasonNotApproved DependencyReason = "NOT_APPROVED"
	ReasonMissingLink DependencyReason = "MISSING_LINK"
	ReasonWrongStage  DependencyReason = "WRONG_STAGE"
)

// DependencyError names the first ancestor that blocks a stage from starting.
type DependencyError struct {
	Target       Stage
	Ancestor     Stage
	AncestorID   uuid.UUID
	Reason       DependencyReason
	ActualStatus Status
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("%s blocked by %s %s: %s", e.Target, e.Ancestor, e.AncestorID, e.Reason)
	if e.ActualStatus != "" {
		msg += " (status " + string(e.ActualStatus) + ")"
	}
	return msg
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyNotMet
}

// Sentinel returns the projection status that explains the block.
func (e *DependencyError) Sentinel() Status {
	switch e.Ancestor {
	case StageRequirements:
		return StatusRequirementsNotApproved
	case StagePlanning:
		return StatusPlanningNotApproved
	default:
		return StatusStoriesNotApproved
	}
}

// ProviderError is returned by the gateway once an operation has given up.
type ProviderError struct {
	Backend    string
	Operation  string
	StatusCode int
	Attempts   int
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s %s failed after %d attempt(s): status %d: %v",
			e.Backend, e.Operation, e.Attempts, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("provider %s %s failed after %d attempt(s): %v",
		e.Backend, e.Operation, e.Attempts, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderFatal:
		return true
	case ErrProviderTransient:
		return e.Transient
	}
	return false
}

// ErrorClass is the user-facing category of a failure.
type ErrorClass string

const (
	ClassRetryLater       ErrorClass = "retry_later"
	ClassGenerationFailed ErrorClass = "generation_failed"
	ClassNoActionNeeded   ErrorClass = "no_action_needed"
	ClassNotFound         ErrorClass = "not_found"
	ClassInvalidRequest   ErrorClass = "invalid_request"
	ClassInternal         ErrorClass = "internal"
)

func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDependencyNotMet),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrAttemptInProgress),
		errors.Is(err, ErrEntityConflict),
		errors.Is(err, ErrDuplicatePendingReview):
		return ClassRetryLater
	case errors.Is(err, ErrProviderFatal),
		errors.Is(err, ErrProviderTransient),
		errors.Is(err, ErrMalformedResponse):
		return ClassGenerationFailed
	case errors.Is(err, ErrReviewAlreadyDecided),
		errors.Is(err, ErrStoryAlreadyDecided),
		errors.Is(err, ErrAlreadyApproved):
		return ClassNoActionNeeded
	case errors.Is(err, ErrReviewNotFound),
		errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrStoryNotFound):
		return ClassNotFound
	case errors.Is(err, ErrFeedbackRequired),
		errors.Is(err, ErrUnknownStage),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidTransition):
		return ClassInvalidRequest
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassRetryLater
	default:
		return ClassInternal
	}
}
