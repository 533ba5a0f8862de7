// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package eventprocessor

import (
	"context"
	"errors"

	"github.com/tomtom215/questline/internal/broker"
	"github.com/tomtom215/questline/internal/store"
	"github.com/tomtom215/questline/internal/streak"
	"github.com/tomtom215/questline/internal/userdir"
	"github.com/tomtom215/questline/internal/xp"
)

// ErrInvalidConfig is returned when router or processor configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrDuplicatePattern is returned when a routing pattern is registered twice.
var ErrDuplicatePattern = errors.New("routing pattern already registered")

// ErrorCategory categorizes failures for dead-lettering and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryValidation is a malformed envelope or payload.
	ErrorCategoryValidation
	// ErrorCategoryDomain is a well-formed event the domain refuses,
	// e.g. an unknown user or an XP cap.
	ErrorCategoryDomain
	// ErrorCategoryInvariant is a state that would break a streak or XP invariant.
	ErrorCategoryInvariant
	// ErrorCategoryConflict is a lost optimistic transaction.
	ErrorCategoryConflict
	// ErrorCategoryDependency is an unavailable collaborator.
	ErrorCategoryDependency
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryDomain:
		return "domain"
	case ErrorCategoryInvariant:
		return "invariant"
	case ErrorCategoryConflict:
		return "conflict"
	case ErrorCategoryDependency:
		return "dependency"
	case ErrorCategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RetryableError is a transient failure. The router retries it in-process
// a bounded number of times before dead-lettering.
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(category ErrorCategory, message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause, Category: category}
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError is dead-lettered immediately.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(category ErrorCategory, message string, cause error) *PermanentError {
	return &PermanentError{Message: message, Cause: cause, Category: category}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsRetryableError checks if the error is retryable.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError checks if the error is permanent (non-retryable).
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// CategoryOf returns the category of a classified error, or Unknown.
func CategoryOf(err error) ErrorCategory {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	return ErrorCategoryUnknown
}

// Classify wraps err from the domain packages into a PermanentError or
// RetryableError. Already classified errors are returned as is. Anything
// unrecognized is permanent: a handler failure the router cannot explain
// goes to the DLQ rather than looping.
func Classify(message string, err error) error {
	if err == nil {
		return nil
	}
	if IsPermanentError(err) || IsRetryableError(err) {
		return err
	}

	switch {
	case errors.Is(err, broker.ErrMalformedEnvelope),
		errors.Is(err, xp.ErrInvalidInput),
		errors.Is(err, streak.ErrInvalidInput),
		errors.Is(err, store.ErrEmptyUserID):
		return NewPermanentError(ErrorCategoryValidation, message, err)

	case errors.Is(err, xp.ErrXPCapExceeded),
		errors.Is(err, userdir.ErrUserNotFound):
		return NewPermanentError(ErrorCategoryDomain, message, err)

	case errors.Is(err, streak.ErrInvariantViolation),
		errors.Is(err, xp.ErrNegativeXP):
		return NewPermanentError(ErrorCategoryInvariant, message, err)

	case errors.Is(err, store.ErrConflict):
		return NewRetryableError(ErrorCategoryConflict, message, err)

	case errors.Is(err, userdir.ErrUnavailable),
		errors.Is(err, store.ErrStoreClosed):
		return NewRetryableError(ErrorCategoryDependency, message, err)

	case errors.Is(err, context.DeadlineExceeded):
		return NewRetryableError(ErrorCategoryTimeout, message, err)
	}
	return NewPermanentError(ErrorCategoryUnknown, message, err)
}
