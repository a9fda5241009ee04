/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error kinds surfaced by the ledger in one place. Callers branch with
  errors.Is / errors.As; structured types carry the numbers a caller needs
  to act (available vs requested, shortfall).

ERROR CATEGORIES:
  1. Caller contract violations - rejected before any mutation
  2. Business outcomes - insufficient balance, surfaced for the caller
  3. Storage failures - transient, the whole operation rolled back
  4. Consistency failures - the balance cache and entry log disagree

USAGE:
  if errors.Is(err, credit.ErrInsufficientBalance) {
      // deny the metered action
  }

SEE ALSO:
  - ledger.go: where these are returned
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for caller contract violations
	// (non-positive amounts, bad pagination bounds). Nothing was mutated.
	ErrInvalidArgument = errors.New("credit: invalid argument")

	// ErrAccountNotFound is returned when the referenced account doesn't exist.
	ErrAccountNotFound = errors.New("credit: account not found")

	// ErrInsufficientBalance is the expected business outcome of a Consume
	// that asks for more than the account holds. Nothing was mutated.
	ErrInsufficientBalance = errors.New("credit: insufficient balance")

	// ErrConcurrentModification is returned when a conditional balance
	// update lost a race with another writer. The operation rolled back
	// fully and is safe to retry.
	ErrConcurrentModification = errors.New("credit: concurrent modification detected")

	// ErrInternalConsistency is returned when the FIFO walk exhausts
	// eligible entries before covering an amount the balance check said was
	// available. It means the balance cache and the entry log have already
	// drifted; it is never swallowed.
	ErrInternalConsistency = errors.New("credit: balance does not match ledger entries")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short a Consume fell.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("credit: insufficient balance for %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ConsistencyError reports balance/entry drift detected during a FIFO walk.
type ConsistencyError struct {
	AccountID AccountID
	Requested int64
	Shortfall int64 // credits the entry log could not cover
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("credit: ledger drift for %s: entries short %d of requested %d",
		e.AccountID, e.Shortfall, e.Requested)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrInternalConsistency
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether retrying the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError reports whether the error is the caller's to handle rather
// than a ledger failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotFound)
}
