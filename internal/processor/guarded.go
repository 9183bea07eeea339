// Package processor binds one unit of paid work to one net ledger effect.
// The wrapper runs the affordability pre-check, the domain work, the charge,
// and the optional finalize step, and issues a compensating refund when a
// failure happens after the charge.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
)

// TokenLedger is the slice of the ledger service the processor needs.
type TokenLedger interface {
	CanAfford(ctx context.Context, userID int64, kind models.OperationKind) (bool, error)
	Charge(ctx context.Context, userID int64, kind models.OperationKind, meta models.ChargeMetadata) (*models.ChargeResult, error)
	Refund(ctx context.Context, userID int64, amount int64, relatedOperationID string, metadata string) (*models.ChargeResult, error)
}

// ProcessFunc is the domain unit of work. It is the only step with external
// side effects. Expected failures are reported with Success=false, never by
// panicking, so the wrapper can tell a clean failure from a failure after
// partial commitment.
type ProcessFunc func(ctx context.Context, job *models.Job) models.JobResult

// FinalizeFunc is optional post-charge bookkeeping, e.g. marking a result
// record complete. An error here triggers the rollback path.
type FinalizeFunc func(ctx context.Context, job *models.Job, outcome models.JobResult) error

// TokenDeductionConfig controls billing for one queue's handler.
type TokenDeductionConfig struct {
	Enabled       bool
	OperationKind models.OperationKind
	// SkipChargeOnExplicitFailure treats a Success=false outcome as a clean
	// failure that is never billed. When false, an explicit failure is still
	// charged (the provider work was consumed).
	SkipChargeOnExplicitFailure bool
}

// GuardedProcessor wraps a ProcessFunc into a queue-compatible handler.
type GuardedProcessor struct {
	ledger   TokenLedger
	config   TokenDeductionConfig
	process  ProcessFunc
	finalize FinalizeFunc
	hooks    *observability.Hooks
}

func New(ledger TokenLedger, config TokenDeductionConfig, process ProcessFunc, finalize FinalizeFunc, hooks *observability.Hooks) *GuardedProcessor {
	return &GuardedProcessor{
		ledger:   ledger,
		config:   config,
		process:  process,
		finalize: finalize,
		hooks:    hooks,
	}
}

// Handler returns the per-attempt state machine as a plain job handler.
// The queue governs retries; the handler never retries internally.
func (p *GuardedProcessor) Handler() func(ctx context.Context, job *models.Job) models.JobResult {
	return p.run
}

func (p *GuardedProcessor) run(ctx context.Context, job *models.Job) models.JobResult {
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return p.fail(job, models.KindProviderError, fmt.Sprintf("invalid job payload: %v", err))
	}

	// Pre-flight affordability. Advisory: the charge re-checks under the
	// row lock and is the authoritative decision.
	if p.config.Enabled {
		ok, err := p.ledger.CanAfford(ctx, payload.UserID, p.config.OperationKind)
		if err != nil {
			return p.fail(job, models.KindLedgerTransaction, err.Error())
		}
		if !ok {
			return p.fail(job, models.KindInsufficientBalance, "insufficient balance")
		}
	}

	outcome := p.process(ctx, job)

	if !outcome.Success {
		if outcome.Error == nil {
			outcome.Error = &models.JobError{Message: "processing failed", Kind: models.KindProviderError}
		}
		if p.config.Enabled && !p.config.SkipChargeOnExplicitFailure {
			// This queue bills attempted work. The debit is final: the job
			// never completes, so without the marker the reconciliation sweep
			// would refund it. A lost charge race here is reported but does
			// not change the (already failed) outcome.
			if _, err := p.charge(ctx, payload.UserID, job, true); err != nil {
				log.Printf("[PROCESSOR] charge after explicit failure did not commit for job %s: %v", job.ID, err)
			}
		}
		p.emitFailed(job, outcome.Error)
		return outcome
	}

	if !p.config.Enabled {
		return p.runFinalize(ctx, job, payload.UserID, outcome, nil)
	}

	chargeResult, err := p.charge(ctx, payload.UserID, job, false)
	if err != nil {
		kind := models.KindLedgerTransaction
		if errors.Is(err, models.ErrInsufficientBalance) {
			// Lost the race against a concurrent charge since the pre-check.
			kind = models.KindTokenDeductionFailed
		}
		result := p.fail(job, kind, err.Error())
		return result
	}

	return p.runFinalize(ctx, job, payload.UserID, outcome, chargeResult)
}

// runFinalize performs the optional post-charge bookkeeping. A finalize
// error after a charge rolls the exact charged amount back and reports
// FinalizationFailed; without a charge there is nothing to reverse.
func (p *GuardedProcessor) runFinalize(ctx context.Context, job *models.Job, userID int64, outcome models.JobResult, charge *models.ChargeResult) models.JobResult {
	if p.finalize == nil {
		p.emitCompleted(job)
		return outcome
	}

	if err := p.finalize(ctx, job, outcome); err != nil {
		if charge != nil && !charge.Replayed {
			cost := models.OperationCosts[p.config.OperationKind]
			if _, refundErr := p.ledger.Refund(ctx, userID, cost, charge.OperationID,
				fmt.Sprintf(`{"reason":"finalization_failed","jobId":%q}`, job.ID)); refundErr != nil {
				// Unmatched debit; the reconciliation sweep picks it up.
				log.Printf("[PROCESSOR] rollback refund failed for job %s op %s: %v",
					job.ID, charge.OperationID, refundErr)
			}
		}
		return p.fail(job, models.KindFinalizationFailed, err.Error())
	}

	p.emitCompleted(job)
	return outcome
}

func (p *GuardedProcessor) charge(ctx context.Context, userID int64, job *models.Job, final bool) (*models.ChargeResult, error) {
	return p.ledger.Charge(ctx, userID, p.config.OperationKind, models.ChargeMetadata{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Attempt:   job.AttemptCount,
		Final:     final,
		// One key per (job, attempt): a redelivery of the same attempt after
		// a crash between charge and finalize must not double-bill.
		IdempotencyKey: job.ID + ":" + strconv.Itoa(job.AttemptCount),
	})
}

func (p *GuardedProcessor) fail(job *models.Job, kind models.FailureKind, message string) models.JobResult {
	jobErr := &models.JobError{Message: message, Kind: kind}
	p.emitFailed(job, jobErr)
	return models.JobResult{Success: false, Error: jobErr}
}

func (p *GuardedProcessor) emitFailed(job *models.Job, jobErr *models.JobError) {
	p.hooks.Emit(observability.Event{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Kind:      observability.EventFailed,
		Data: map[string]string{
			"kind":    string(jobErr.Kind),
			"attempt": strconv.Itoa(job.AttemptCount),
		},
	})
}

func (p *GuardedProcessor) emitCompleted(job *models.Job) {
	p.hooks.Emit(observability.Event{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Kind:      observability.EventCompleted,
		Data:      map[string]string{"attempt": strconv.Itoa(job.AttemptCount)},
	})
}
