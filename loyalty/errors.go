/*
errors.go - Centralized error types for the loyalty engine

ERROR CATEGORIES:
  1. Validation errors - bad operator input, rejected before any write
  2. Ledger errors - idempotency and balance violations
  3. Lookup errors - missing customers, branches, rewards

Domain outcomes such as a branch funding shortfall or a clamped redemption
are NOT errors. They are reported as notes on the Receipt.

SEE ALSO:
  - settlement.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidBillAmount is returned for a zero or negative bill.
	ErrInvalidBillAmount = errors.New("bill amount must be positive")

	// ErrMissingInvoice is returned when the invoice number is blank.
	ErrMissingInvoice = errors.New("invoice number is required")

	// ErrCustomerBlocked is returned when a blocked customer transacts.
	ErrCustomerBlocked = errors.New("customer is blocked")

	ErrCustomerNotFound = errors.New("customer not found")
	ErrBranchNotFound   = errors.New("branch not found")

	// ErrCustomerExists is returned when registering a duplicate customer ID.
	ErrCustomerExists = errors.New("customer already exists")

	// ErrBranchExists is returned when creating a duplicate branch ID.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidReferralCode is returned when a signup names an unknown code.
	ErrInvalidReferralCode = errors.New("unknown referral code")

	// ErrDuplicateInvoice is returned when an invoice number was already
	// settled at the same branch.
	ErrDuplicateInvoice = errors.New("invoice already recorded at this branch")

	// ErrDuplicateIdempotencyKey is returned when a ledger row with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientBranchFunds is returned only under FundingReject.
	ErrInsufficientBranchFunds = errors.New("insufficient branch coin balance")

	// ErrRedemptionExceedsLimit guards the commit step. The planner never
	// proposes a redemption outside the computed bounds, so seeing it means
	// the redemption rules produced an impossible amount.
	ErrRedemptionExceedsLimit = errors.New("redemption exceeds allowed maximum")

	// ErrGrantOutOfBounds is the earn-side counterpart: an effective grant
	// that is negative, above the rules or above the branch allowance.
	ErrGrantOutOfBounds = errors.New("earned coins outside computed grant")

	// ErrInvalidTransition is returned for a referral status change that
	// the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid referral status transition")

	// ErrAlreadyClaimed is returned when a once-per-period grant (check-in,
	// spin, review bonus) was already collected.
	ErrAlreadyClaimed = errors.New("already claimed")

	// ErrInvalidAmount is returned for non-positive admin adjustments.
	ErrInvalidAmount = errors.New("coin amount must be positive")

	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrStoreFailure wraps infrastructure failures. Retryable.
	ErrStoreFailure = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a debit shortage.
type InsufficientBalanceError struct {
	CustomerID CustomerID
	Available  Coins
	Requested  Coins
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.CustomerID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidBillAmount) ||
		errors.Is(err, ErrMissingInvoice) ||
		errors.Is(err, ErrInvalidReferralCode) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientBranchFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSettings)
}

// IsConflict returns true if the request collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrCustomerExists) ||
		errors.Is(err, ErrBranchExists) ||
		errors.Is(err, ErrRedemptionExceedsLimit)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrBranchNotFound)
}
