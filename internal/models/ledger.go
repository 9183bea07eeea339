package models

import (
	"time"
)

// OperationKind identifies the billable unit of work a ledger entry pays for,
// or the bookkeeping reason for a credit.
type OperationKind string

const (
	OpImageGeneration OperationKind = "image_generation"
	OpChatCompletion  OperationKind = "chat_completion"
	OpCompositeImage  OperationKind = "composite_image"
	OpRefund          OperationKind = "refund"
	OpMonthlyRenewal  OperationKind = "monthly_renewal"
	OpSignupGrant     OperationKind = "signup_grant"
)

// OperationCosts is the static price table, in tokens, per billable kind.
// Credits (refund, renewal, grant) have no entry here.
var OperationCosts = map[OperationKind]int64{
	OpImageGeneration: 10,
	OpChatCompletion:  5,
	OpCompositeImage:  15,
}

// Tier names a subscription level. Pricing of tiers themselves is external;
// the ledger only needs the monthly token allocation per tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// TierAllocations maps a tier to its monthly token grant.
var TierAllocations = map[Tier]int64{
	TierFree: 100,
	TierPlus: 500,
	TierPro:  2000,
}

// SignupGrant is the starting balance credited when the account row is created.
const SignupGrant int64 = 50

// RenewalWindow is the minimum spacing between two monthly renewals.
const RenewalWindow = 30 * 24 * time.Hour

// Balance is one user's token account row. Mutated only inside ledger
// transactions; tokens_balance carries a CHECK (>= 0) constraint.
type Balance struct {
	UserID        int64     `json:"userId" db:"user_id"`
	TokensBalance int64     `json:"tokensBalance" db:"tokens_balance"`
	TokensSpent   int64     `json:"tokensSpent" db:"tokens_spent"`
	Tier          Tier      `json:"tier" db:"tier"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// OperationLogEntry is one immutable row of the append-only operation log.
// TokensAmount is signed: negative = debit, positive = credit.
// Invariant: BalanceAfter = BalanceBefore + TokensAmount.
type OperationLogEntry struct {
	ID                 string        `json:"id" db:"id"`
	UserID             int64         `json:"userId" db:"user_id"`
	OperationKind      OperationKind `json:"operationKind" db:"operation_kind"`
	TokensAmount       int64         `json:"tokensAmount" db:"tokens_amount"`
	BalanceBefore      int64         `json:"balanceBefore" db:"balance_before"`
	BalanceAfter       int64         `json:"balanceAfter" db:"balance_after"`
	RelatedOperationID string        `json:"relatedOperationId,omitempty" db:"related_operation_id"`
	IdempotencyKey     string        `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	Metadata           string        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
}

// ChargeMetadata travels with a charge and is persisted in the entry's
// metadata column. IdempotencyKey makes redelivered attempts safe.
type ChargeMetadata struct {
	JobID     string `json:"jobId,omitempty"`
	QueueName string `json:"queueName,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	// Final marks a debit that no later step can invalidate, e.g. billing an
	// attempt that failed explicitly. Reconciliation never reverses it.
	Final          bool   `json:"final,omitempty"`
	IdempotencyKey string `json:"-"`
}

// ChargeResult reports the outcome of a committed charge.
type ChargeResult struct {
	OperationID string `json:"operationId"`
	NewBalance  int64  `json:"newBalance"`
	// Replayed is true when the idempotency key matched an existing debit
	// and no new mutation happened.
	Replayed bool `json:"replayed,omitempty"`
}

// RenewalResult reports the outcome of a monthly renewal attempt.
type RenewalResult struct {
	Granted      bool      `json:"granted"`
	Amount       int64     `json:"amount"`
	NewBalance   int64     `json:"newBalance"`
	NextEligible time.Time `json:"nextEligible"`
}
