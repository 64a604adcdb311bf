// Package shared contains common domain types, errors and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "achievement", "goal", "leaderboard"
	Op      string // Operation that failed, e.g., "Evaluate", "Save"
	Kind    error  // Base error type for errors.Is() checking
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

// Is implements errors.Is() matching.
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

// ConflictError builds the error stores return when a compare-and-swap
// loses against a newer version.
func ConflictError(domain, id string, expected int64) *DomainError {
	return NewDomainError(domain, "Save", ErrConcurrentModification,
		fmt.Sprintf("%s %s modified concurrently (expected version %d)", domain, id, expected))
}

// Ledger errors
var (
	ErrDuplicateEvent = NewDomainError("progress", "Append", ErrAlreadyProcessed, "activity event already recorded")
	ErrInvalidEvent   = NewDomainError("activity", "Validate", ErrValidation, "invalid activity event")
)

// Profile errors
var (
	ErrProfileNotFound = NewDomainError("profile", "Find", ErrNotFound, "profile not found")
)

// Achievement errors
var (
	ErrAchievementNotFound  = NewDomainError("achievement", "Find", ErrNotFound, "achievement definition not found")
	ErrInvalidCriteria      = NewDomainError("achievement", "Validate", ErrInvalidInput, "invalid achievement criteria")
	ErrPrerequisiteCycle    = NewDomainError("achievement", "Validate", ErrInvalidInput, "achievement prerequisites form a cycle")
	ErrUnknownPrerequisite  = NewDomainError("achievement", "Validate", ErrNotFound, "achievement prerequisite does not exist")
	ErrAchievementCompleted = NewDomainError("achievement", "Advance", ErrAlreadyProcessed, "achievement already completed")
	ErrDuplicateAchievement = NewDomainError("achievement", "Validate", ErrAlreadyExists, "duplicate achievement id")
)

// Goal errors
var (
	ErrGoalNotFound        = NewDomainError("goal", "Find", ErrNotFound, "goal not found")
	ErrInvalidGoalTarget   = NewDomainError("goal", "Validate", ErrValueOutOfRange, "goal target must be positive")
	ErrInvalidMilestone    = NewDomainError("goal", "Validate", ErrValueOutOfRange, "milestone percentage must be in (0, 100]")
	ErrInvalidTimeframe    = NewDomainError("goal", "Validate", ErrInvalidInput, "goal timeframe end must be after start")
	ErrGoalNotActive       = NewDomainError("goal", "Update", ErrInvalidState, "goal is not active")
	ErrInvalidGoalStatus   = NewDomainError("goal", "Transition", ErrStateTransition, "invalid goal status transition")
	ErrUnknownGoalCategory = NewDomainError("goal", "Validate", ErrInvalidInput, "unknown goal category")
)

// Leaderboard errors
var (
	ErrLeaderboardNotFound = NewDomainError("leaderboard", "Find", ErrNotFound, "leaderboard not found")
	ErrSnapshotNotFound    = NewDomainError("leaderboard", "FindSnapshot", ErrNotFound, "snapshot not found")
	ErrLeaderboardInactive = NewDomainError("leaderboard", "Rebuild", ErrInvalidState, "leaderboard is inactive")
	ErrUnknownMetric       = NewDomainError("leaderboard", "Validate", ErrInvalidInput, "unknown leaderboard metric")
	ErrUnknownTimeframe    = NewDomainError("leaderboard", "Validate", ErrInvalidInput, "unknown leaderboard timeframe")
)

// Celebration errors
var (
	ErrCelebrationNotFound  = NewDomainError("celebration", "Find", ErrNotFound, "celebration not found")
	ErrDuplicateCelebration = NewDomainError("celebration", "Create", ErrAlreadyExists, "celebration already emitted")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsAlreadyProcessed checks if the error marks a duplicate delivery.
func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}

// IsConflict checks if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
