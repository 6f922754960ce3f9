/*
errors.go - Centralized error types for the rule engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Rule packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Missing entities or rules
  2. Validation errors - Malformed input from orchestrators or the API
  3. Billing errors - Bill uniqueness violations
  4. Upstream errors - Failures of an external collaborator

NON-ERRORS:
  "Rule does not apply", "no open batch run", "already converted" and
  "no user for audit id" are routing outcomes, not errors. They are reported
  as result variants by the rule packages (see capitation.Outcome).

USAGE:
    if errors.Is(err, generic.ErrBillExists) {
        // another worker converted the same batch run / facility pair
    }
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRuleNotFound is returned when a rule id is not in the registry.
	ErrRuleNotFound = errors.New("calculation rule not found")

	// ErrDuplicateRule is returned when a rule id is registered twice.
	ErrDuplicateRule = errors.New("calculation rule already registered")

	// ErrInvalidRuleConfig is returned for a rule without id or with an
	// inverted validity window.
	ErrInvalidRuleConfig = errors.New("invalid calculation rule config")

	// ErrBillExists is returned by a BillService when a bill already exists
	// for the batch run / health facility pair. The check runs at write time.
	ErrBillExists = errors.New("bill already exists for batch run and health facility")

	// ErrInvalidPeriod is returned for a month outside 1..12 or a bad year.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrResolveDepthExceeded is returned when hierarchy resolution walks
	// deeper than the modeled entity hierarchy.
	ErrResolveDepthExceeded = errors.New("hierarchy resolution depth exceeded")

	// ErrUnknownContext is returned for an execution context outside AllContexts.
	ErrUnknownContext = errors.New("unknown calculation context")

	// ErrUnknownEntityKind is returned for a class name outside the entity set.
	ErrUnknownEntityKind = errors.New("unknown entity kind")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the entity that could not be loaded.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrEntityNotFound
}

// UpstreamError marks a failure of an external collaborator (store, billing
// service, report submission). The wrapped error is kept unmodified.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Upstream wraps err as an UpstreamError unless it is nil or a not-found error.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEntityNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &UpstreamError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrUnknownContext) ||
		errors.Is(err, ErrUnknownEntityKind)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsConflict returns true if the error indicates a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBillExists) ||
		errors.Is(err, ErrDuplicateRule)
}

// IsUpstream returns true if the error came from an external collaborator.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
