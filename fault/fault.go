// Package fault defines the error taxonomy shared by the placement engine
// and its transports. Callers classify failures with errors.As; everything
// not covered here is an internal error.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or contradictory input. Deterministic:
// the same input always fails the same way.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing referenced entity.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// NotFound builds a NotFoundError.
func NotFound(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

// CapacityError reports that no node in the target tree can accept another
// member.
type CapacityError struct {
	Program string
	Slot    int
	Phase   string
}

func (e *CapacityError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("no capacity in %s slot %d %s", e.Program, e.Slot, e.Phase)
}

// ConflictError reports a concurrent-modification conflict that survived the
// engine's internal retries.
type ConflictError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: conflict after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConfigError reports broken runtime configuration, typically a catalog hole
// hit mid-transition. The affected operation aborts; prior state stands.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable reports whether the error class is transient and safe to retry
// with the same arguments.
func IsRetryable(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
