package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a referenced permission, policy, role or grant does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrConflict indicates a duplicate code or resource/action/scope combination.
	ErrConflict = errors.New("authz: conflict")
	// ErrImmutable indicates an attempt to modify or delete a system permission.
	ErrImmutable = errors.New("authz: immutable")
	// ErrTimeout indicates the check exceeded its deadline. It is not a denial.
	ErrTimeout = errors.New("authz: check timed out")
	// ErrDependencyUnavailable indicates a tier without a safe fallback is unavailable.
	ErrDependencyUnavailable = errors.New("authz: dependency unavailable")
	// ErrValidation indicates malformed input, policy rules or condition payloads.
	ErrValidation = errors.New("authz: validation failed")
	// ErrBatchTooLarge indicates a batch check above MaxBatchItems.
	ErrBatchTooLarge = fmt.Errorf("%w: batch exceeds %d items", ErrValidation, MaxBatchItems)
)

// DependencyError carries the name of the failing dependency so callers can
// tell an outage apart from a genuine denial.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authz: dependency %q unavailable", e.Dependency)
	}
	return fmt.Sprintf("authz: dependency %q unavailable: %v", e.Dependency, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DependencyError) Unwrap() error { return e.Err }

// Is reports ErrDependencyUnavailable as a match.
func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyUnavailable
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
