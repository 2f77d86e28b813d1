package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: a bad run configuration, a
// negative counter delta, a worker that may not receive work.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown run or task
type NotFoundError struct {
	Kind string // "run" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// StaleResultError reports a result whose sequence number was already applied
type StaleResultError struct {
	Ref     TaskRef
	Seq     uint64
	Applied uint64
}

func (e *StaleResultError) Error() string {
	return fmt.Sprintf("stale result for %s: seq %d <= applied %d", e.Ref, e.Seq, e.Applied)
}

// LeaseExpiredError reports a result or heartbeat for a lease the worker no
// longer holds
type LeaseExpiredError struct {
	Ref TaskRef
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease %s expired", e.Ref)
}

// CapacityExceededError guards the requested-games invariant
type CapacityExceededError struct {
	RunID     string
	Requested int
	Available int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("run %s: %d games requested, %d available", e.RunID, e.Requested, e.Available)
}

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a *NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsStale reports whether err is a *StaleResultError
func IsStale(err error) bool {
	var target *StaleResultError
	return errors.As(err, &target)
}

// IsLeaseExpired reports whether err is a *LeaseExpiredError
func IsLeaseExpired(err error) bool {
	var target *LeaseExpiredError
	return errors.As(err, &target)
}

// IsCapacityExceeded reports whether err is a *CapacityExceededError
func IsCapacityExceeded(err error) bool {
	var target *CapacityExceededError
	return errors.As(err, &target)
}
