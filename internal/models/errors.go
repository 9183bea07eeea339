package models

import "errors"

var (
	// Ledger errors
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerTransaction   = errors.New("ledger transaction failed")
	ErrAmountMismatch      = errors.New("refund amount does not match charged amount")

	// Queue errors
	ErrQueueEmpty  = errors.New("no job ready for delivery")
	ErrQueuePaused = errors.New("queue is paused")
	ErrJobNotFound = errors.New("job not found")
)

// FailureKind classifies a job failure for callers and for retry policy.
// InsufficientBalance and TokenDeductionFailed surface to the user as
// "insufficient balance"; everything else is a generic transient failure.
type FailureKind string

const (
	KindInsufficientBalance  FailureKind = "InsufficientBalance"
	KindTokenDeductionFailed FailureKind = "TokenDeductionFailed"
	KindFinalizationFailed   FailureKind = "FinalizationFailed"
	KindProviderError        FailureKind = "ProviderError"
	KindLedgerTransaction    FailureKind = "LedgerTransactionError"
)
