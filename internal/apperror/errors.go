// Package apperror holds the error taxonomy shared by the throttling core.
//
// Components return these wrapped in ordinary error chains; only the decision
// engine turns them into deny decisions.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminalState     = errors.New("transition from terminal state")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ConfigurationError reports a missing or malformed tier, rule or parameter.
// Callers must fail closed.
type ConfigurationError struct {
	What string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.What, e.Err)
	}
	return "configuration error: " + e.What
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// StalePersistenceError reports that a bucket or state store could not be reached.
type StalePersistenceError struct {
	Store string
	Key   string
	Err   error
}

func (e *StalePersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s unavailable for %s: %v", e.Store, e.Key, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Store, e.Err)
}

func (e *StalePersistenceError) Unwrap() error {
	return e.Err
}

// InvariantViolation reports internal state that must never occur, such as a
// negative token count, or a request to leave a terminal state.
type InvariantViolation struct {
	Component string
	Detail    string
	Err       error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

func (e *InvariantViolation) Unwrap() error {
	return e.Err
}

func Configuration(what string, err error) error {
	return &ConfigurationError{What: what, Err: err}
}

func Stale(store, key string, err error) error {
	return &StalePersistenceError{Store: store, Key: key, Err: err}
}

func Invariant(component, format string, args ...any) error {
	return &InvariantViolation{Component: component, Detail: fmt.Sprintf(format, args...)}
}

// An InvariantViolation that also matches ErrTerminalState
func Terminal(component, format string, args ...any) error {
	return &InvariantViolation{Component: component, Detail: fmt.Sprintf(format, args...), Err: ErrTerminalState}
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsStale reports whether err wraps a StalePersistenceError.
func IsStale(err error) bool {
	var target *StalePersistenceError
	return errors.As(err, &target)
}

// IsInvariant reports whether err wraps an InvariantViolation.
func IsInvariant(err error) bool {
	var target *InvariantViolation
	return errors.As(err, &target)
}
