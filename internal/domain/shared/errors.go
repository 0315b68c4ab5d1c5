// Package shared contains the error kinds and domain events used across the
// progression engine packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds that can be checked with errors.Is().
var (
	// Taxonomy of the engine.
	ErrTransientRemote = errors.New("transient remote failure")
	ErrMalformedData   = errors.New("malformed data")
	ErrPrecondition    = errors.New("precondition violation")
	ErrRejected        = errors.New("rejected by remote")

	// Generic kinds.
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnauthorized    = errors.New("unauthorized")

	// External service kinds.
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progression", "achievement", "backend"
	Op      string // Operation that failed, e.g., "AwardXP"
	Kind    error  // Base error kind for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching on both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progression errors
var (
	ErrNonPositiveAward     = NewDomainError("progression", "AwardXP", ErrPrecondition, "XP amount must be positive")
	ErrUnknownCounter       = NewDomainError("progression", "IncrementLocalCounter", ErrPrecondition, "unknown counter kind")
	ErrUnknownRunKind       = NewDomainError("progression", "RecordRun", ErrPrecondition, "unknown run kind")
	ErrUnknownNotification  = NewDomainError("progression", "DismissNotification", ErrPrecondition, "notification was never issued")
	ErrMissingUserID        = NewDomainError("progression", "Initialize", ErrPrecondition, "no user id given and identity provider has none")
	ErrInvalidActivityType  = NewDomainError("progression", "UpdateStreak", ErrPrecondition, "unknown activity type")
	ErrMalformedActivityDay = NewDomainError("progression", "ParseActivityDate", ErrMalformedData, "unparseable activity date")
	ErrNegativeActivityXP   = NewDomainError("progression", "UpdateStreak", ErrPrecondition, "XP earned cannot be negative")
	ErrInvalidRunDuration   = NewDomainError("progression", "RecordRun", ErrPrecondition, "run duration must be positive")
)

// Achievement errors
var (
	ErrDuplicateAchievement = NewDomainError("achievement", "NewCatalog", ErrInvalidInput, "duplicate achievement id")
	ErrInvalidCategory      = NewDomainError("achievement", "ParseCategory", ErrInvalidInput, "unknown achievement category")
	ErrInvalidRequirement   = NewDomainError("achievement", "NewCatalog", ErrValueOutOfRange, "requirement must be positive")
)

// Remote service errors
var (
	ErrBackendUnavailable     = NewDomainError("backend", "Request", ErrServiceUnavailable, "progression backend is unavailable")
	ErrBackendRateLimited     = NewDomainError("backend", "Request", ErrRateLimited, "progression backend rate limit exceeded")
	ErrBackendTimeout         = NewDomainError("backend", "Request", ErrTimeout, "progression backend request timeout")
	ErrBackendInvalidResponse = NewDomainError("backend", "Parse", ErrMalformedData, "invalid response from progression backend")
	ErrBackendUnauthorized    = NewDomainError("backend", "Request", ErrUnauthorized, "missing or rejected auth token")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPrecondition checks if the error is a programming error on the caller's side.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// IsMalformed checks if the error came from unparseable or incomplete data.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedData)
}

// IsTransient checks if the error is a remote failure the engine degrades on.
// Rejections count: the caller still gets a local fallback.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientRemote) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnauthorized)
}

// IsRejected checks if the remote refused the request itself. Sending the
// same request again cannot succeed.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidInput)
}

// IsRetryable checks if the transport may retry the request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}
