// Package hv defines the shared vocabulary used across the EPT/VMX core:
// address decomposition, access kinds, VM-exit reasons and the sentinel
// errors every other internal/hv/* package returns.
package hv

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Mapping Engine, EPT Tables and the
// cross-core dispatch. Callers use errors.Is against these; none of
// them is ever returned wrapped around a bug-check (see ErrFatal).
var (
	// ErrInvalidParameter is returned when a caller-supplied address is
	// not page-aligned or out of range, or a pool size or capacity is not
	// positive.
	ErrInvalidParameter = errors.New("hv: invalid parameter")

	// ErrCapacity is returned when the mapping table or split arena is
	// full.
	ErrCapacity = errors.New("hv: capacity exceeded")

	// ErrAlias is returned when an install would violate the mapping
	// uniqueness invariant (spec.md Invariant 1).
	ErrAlias = errors.New("hv: aliasing mapping")

	// ErrNotFound is returned when remove cannot find a mapping record
	// for the requested guest-physical key (a flip that finds none
	// returns ErrFatal instead).
	ErrNotFound = errors.New("hv: mapping not found")

	// ErrFatal wraps a bug-check condition: a contract violation or
	// hardware misbehavior that must never be masked (spec.md §7 class 4).
	// It is returned to the caller like any other error; nothing in this
	// module retries it, and nothing stops the process on it.
	ErrFatal = errors.New("hv: fatal hypervisor fault")
)

// Fatalf builds an ErrFatal-wrapped error with a formatted message.
func Fatalf(format string, args ...any) error {
	return &fatalError{msg: fmt.Sprintf(format, args...)}
}

type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }
func (e *fatalError) Unwrap() error { return ErrFatal }
