package allocation

import "errors"

// Validation errors per spec §7: surfaced to the operator as a
// user-readable message, never as a ledger write.
var (
	// ErrInsufficientFunds is returned when the requested amount exceeds
	// the pledge's current balance.
	ErrInsufficientFunds = errors.New("INSUFFICIENT_FUNDS")
	// ErrExceedsBeneficiaryNeed is returned when the requested amount
	// exceeds the beneficiary's outstanding pending need.
	ErrExceedsBeneficiaryNeed = errors.New("EXCEEDS_BENEFICIARY_NEED")
	// ErrPledgeNotOpen is returned when the pledge status is not one of
	// PROOF_SUBMITTED, VERIFIED, PARTIALLY_ALLOCATED.
	ErrPledgeNotOpen = errors.New("INVALID_PLEDGE_STATUS")
	// ErrEmptyBatch is returned when a batch request names no entries.
	ErrEmptyBatch = errors.New("allocation: batch must contain at least one entry")
	// ErrBatchExhausted is returned when the greedy cap leaves nothing for
	// an entry to allocate (the beneficiary's pending need was already
	// consumed by earlier entries in the same batch).
	ErrBatchExhausted = errors.New("allocation: beneficiary pending exhausted before this entry")
)
