package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers match with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountInactive   = errors.New("account inactive")
	ErrNotFound          = errors.New("not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrStaleRate         = errors.New("rate stale or unavailable")
)

// ValidationError reports malformed or out-of-bounds input. Orders failing
// validation go to rejected with no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StateConflictError reports an operation forbidden by the entity's current
// state, such as modifying a terminal order.
type StateConflictError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s cannot %s in state %s", e.Entity, e.ID, e.Op, e.State)
}

// IsStateConflict reports whether err is a state conflict.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// ProviderError reports a failed quote or execution against a liquidity
// provider. Retryable errors fail only the current slice; the context keeps
// running.
type ProviderError struct {
	Provider  string
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SettlementError distinguishes fatal settlement failures (compliance veto,
// nostro shortfall) from transient ones that re-enter the retry pool.
type SettlementError struct {
	SettlementID string
	Fatal        bool
	Reason       string
	Err          error
}

func (e *SettlementError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("settlement %s %s failure: %s", e.SettlementID, kind, e.Reason)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// IsFatalSettlement reports whether err is a settlement failure that must not
// be retried.
func IsFatalSettlement(err error) bool {
	var se *SettlementError
	return errors.As(err, &se) && se.Fatal
}

// IsRetryable reports whether an error is worth retrying: provider errors
// marked retryable and settlement errors not marked fatal.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var se *SettlementError
	if errors.As(err, &se) {
		return !se.Fatal
	}
	return false
}
