package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/genforge/backend/internal/models"
)

// CompletionChecker answers whether (and on which attempt) a job completed.
// Implemented by the queue backend.
type CompletionChecker interface {
	CompletedAttempt(ctx context.Context, queueName, jobID string) (int, bool, error)
}

// ReconciliationService resolves debits left unmatched by attempts killed
// between charge and finalize: it refunds stale charges whose job never
// completed, or whose charge belongs to an earlier attempt than the one
// that did. Runs as a repeatable queue job, out of band of the hot path.
//
// StaleAfter must stay well below the queue's terminal-job GC grace, since
// the sweep consults the queue's completion records.
type ReconciliationService struct {
	ledger     *LedgerService
	queue      CompletionChecker
	StaleAfter time.Duration
	BatchSize  int
}

func NewReconciliationService(ledger *LedgerService, queue CompletionChecker, staleAfter time.Duration) *ReconciliationService {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &ReconciliationService{
		ledger:     ledger,
		queue:      queue,
		StaleAfter: staleAfter,
		BatchSize:  100,
	}
}

// Sweep refunds one batch of stale unmatched charges. Returns how many
// debits it refunded. Safe to re-run: refunds are keyed per debit.
func (s *ReconciliationService) Sweep(ctx context.Context) (int, error) {
	entries, err := s.ledger.FindStaleCharges(ctx, s.StaleAfter, s.BatchSize)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, entry := range entries {
		var meta models.ChargeMetadata
		if entry.Metadata != "" {
			if err := json.Unmarshal([]byte(entry.Metadata), &meta); err != nil {
				log.Printf("[RECONCILE] skipping op %s: bad metadata: %v", entry.ID, err)
				continue
			}
		}
		if meta.JobID == "" {
			// Not a job-originated charge; nothing to reconcile against.
			continue
		}
		if meta.Final {
			// Deliberately billed with no completion to match, e.g. a queue
			// that charges explicitly failed attempts.
			continue
		}

		attempt, completed, err := s.queue.CompletedAttempt(ctx, meta.QueueName, meta.JobID)
		if err != nil {
			return refunded, fmt.Errorf("check completion of job %s: %w", meta.JobID, err)
		}
		if completed && attempt == meta.Attempt {
			// This debit paid for the attempt that actually finished.
			continue
		}

		amount := -entry.TokensAmount
		if _, err := s.ledger.Refund(ctx, entry.UserID, amount, entry.ID,
			fmt.Sprintf(`{"reason":"stale_charge","jobId":%q,"attempt":%d}`, meta.JobID, meta.Attempt)); err != nil {
			return refunded, fmt.Errorf("refund stale op %s: %w", entry.ID, err)
		}
		refunded++
		log.Printf("[RECONCILE] refunded %d tokens to user %d for stale op %s (job %s attempt %d)",
			amount, entry.UserID, entry.ID, meta.JobID, meta.Attempt)
	}
	return refunded, nil
}

// Handler adapts the sweep to a queue handler for the repeatable
// ledger-reconcile job.
func (s *ReconciliationService) Handler() func(ctx context.Context, job *models.Job) models.JobResult {
	return func(ctx context.Context, job *models.Job) models.JobResult {
		n, err := s.Sweep(ctx)
		if err != nil {
			return models.JobResult{Success: false, Error: &models.JobError{
				Message: err.Error(),
				Kind:    models.KindLedgerTransaction,
			}}
		}
		data, _ := json.Marshal(map[string]int{"refunded": n})
		return models.JobResult{Success: true, Data: data}
	}
}
