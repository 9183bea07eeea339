package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
)

// LedgerService owns the balances table and the append-only operation log.
// Every mutation runs in one transaction: lock the balance row, append the
// log entry, update the balance, commit. The row lock is the only
// concurrency control — workers are independent processes, so in-process
// locks would not help.
type LedgerService struct {
	db    *sql.DB
	hooks *observability.Hooks
}

func NewLedgerService(db *sql.DB, hooks *observability.Hooks) *LedgerService {
	return &LedgerService{db: db, hooks: hooks}
}

// GetBalance returns the user's balance row.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tokens_balance, tokens_spent, tier, updated_at
		FROM balances
		WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.TokensBalance, &b.TokensSpent, &b.Tier, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return &b, nil
}

// CanAfford reports whether the current balance covers the operation's cost.
// Advisory only: it takes no lock, so a concurrent charge can invalidate the
// answer. Charge re-checks under the row lock and is authoritative.
func (s *LedgerService) CanAfford(ctx context.Context, userID int64, kind models.OperationKind) (bool, error) {
	cost, err := operationCost(kind)
	if err != nil {
		return false, err
	}

	var balance int64
	err = s.db.QueryRowContext(ctx,
		`SELECT tokens_balance FROM balances WHERE user_id = $1`, userID).
		Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.ErrAccountNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return balance >= cost, nil
}

// Charge debits the operation's cost from the user's balance and appends the
// matching debit entry, all in one transaction. A balance that no longer
// covers the cost under the row lock aborts with ErrInsufficientBalance.
// A metadata idempotency key that matches an existing debit returns the
// recorded result without mutating, which makes redelivered attempts safe.
func (s *LedgerService) Charge(ctx context.Context, userID int64, kind models.OperationKind, meta models.ChargeMetadata) (*models.ChargeResult, error) {
	cost, err := operationCost(kind)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	defer tx.Rollback()

	balance, spent, _, err := s.lockBalance(tx, userID)
	if err != nil {
		return nil, err
	}

	if meta.IdempotencyKey != "" {
		if replayed, err := s.findByIdempotencyKey(tx, meta.IdempotencyKey); err != nil {
			return nil, err
		} else if replayed != nil {
			log.Printf("[LEDGER] charge replayed for user %d key %s", userID, meta.IdempotencyKey)
			return &models.ChargeResult{
				OperationID: replayed.ID,
				NewBalance:  replayed.BalanceAfter,
				Replayed:    true,
			}, nil
		}
	}

	if balance < cost {
		return nil, models.ErrInsufficientBalance
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	opID := uuid.NewString()
	if err := s.appendEntry(tx, &models.OperationLogEntry{
		ID:             opID,
		UserID:         userID,
		OperationKind:  kind,
		TokensAmount:   -cost,
		BalanceBefore:  balance,
		BalanceAfter:   balance - cost,
		IdempotencyKey: meta.IdempotencyKey,
		Metadata:       string(metaJSON),
	}); err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, userID, balance-cost, spent+cost); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	s.hooks.Emit(observability.Event{
		JobID:     meta.JobID,
		QueueName: meta.QueueName,
		Kind:      observability.EventCharged,
		Data: map[string]string{
			"userId":      strconv.FormatInt(userID, 10),
			"operationId": opID,
			"tokens":      strconv.FormatInt(cost, 10),
		},
	})

	return &models.ChargeResult{OperationID: opID, NewBalance: balance - cost}, nil
}

// Refund credits the exact amount of a prior charge back to the user. The
// credit entry is tagged refund and references the reversed debit; the
// amount is verified against the debit inside the transaction. One debit can
// be refunded at most once (idempotency key derived from the debit's ID).
func (s *LedgerService) Refund(ctx context.Context, userID int64, amount int64, relatedOperationID string, metadata string) (*models.ChargeResult, error) {
	if amount <= 0 {
		return nil, models.ErrAmountMismatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	defer tx.Rollback()

	balance, spent, _, err := s.lockBalance(tx, userID)
	if err != nil {
		return nil, err
	}

	idemKey := ""
	if relatedOperationID != "" {
		idemKey = "refund:" + relatedOperationID

		if replayed, err := s.findByIdempotencyKey(tx, idemKey); err != nil {
			return nil, err
		} else if replayed != nil {
			return &models.ChargeResult{
				OperationID: replayed.ID,
				NewBalance:  replayed.BalanceAfter,
				Replayed:    true,
			}, nil
		}

		var charged int64
		err := tx.QueryRow(
			`SELECT tokens_amount FROM operation_log WHERE id = $1 AND user_id = $2`,
			relatedOperationID, userID).Scan(&charged)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrAmountMismatch
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
		}
		if -charged != amount {
			return nil, models.ErrAmountMismatch
		}
	}

	opID := uuid.NewString()
	if err := s.appendEntry(tx, &models.OperationLogEntry{
		ID:                 opID,
		UserID:             userID,
		OperationKind:      models.OpRefund,
		TokensAmount:       amount,
		BalanceBefore:      balance,
		BalanceAfter:       balance + amount,
		RelatedOperationID: relatedOperationID,
		IdempotencyKey:     idemKey,
		Metadata:           metadata,
	}); err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, userID, balance+amount, spent); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	s.hooks.Emit(observability.Event{
		Kind: observability.EventRolledBack,
		Data: map[string]string{
			"userId":      strconv.FormatInt(userID, 10),
			"operationId": opID,
			"relatedTo":   relatedOperationID,
			"tokens":      strconv.FormatInt(amount, 10),
		},
	})

	return &models.ChargeResult{OperationID: opID, NewBalance: balance + amount}, nil
}

// RenewMonthly credits the tier's monthly allocation once per eligibility
// window. A renewal inside the window is not an error; the result reports
// Granted=false and when the next grant becomes available.
func (s *LedgerService) RenewMonthly(ctx context.Context, userID int64, tier models.Tier) (*models.RenewalResult, error) {
	allocation, ok := models.TierAllocations[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	defer tx.Rollback()

	balance, spent, _, err := s.lockBalance(tx, userID)
	if err != nil {
		return nil, err
	}

	var lastRenewal sql.NullTime
	err = tx.QueryRow(`
		SELECT MAX(created_at) FROM operation_log
		WHERE user_id = $1 AND operation_kind = $2`,
		userID, models.OpMonthlyRenewal).Scan(&lastRenewal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	if lastRenewal.Valid && time.Since(lastRenewal.Time) < models.RenewalWindow {
		return &models.RenewalResult{
			Granted:      false,
			NewBalance:   balance,
			NextEligible: lastRenewal.Time.Add(models.RenewalWindow),
		}, nil
	}

	opID := uuid.NewString()
	if err := s.appendEntry(tx, &models.OperationLogEntry{
		ID:            opID,
		UserID:        userID,
		OperationKind: models.OpMonthlyRenewal,
		TokensAmount:  allocation,
		BalanceBefore: balance,
		BalanceAfter:  balance + allocation,
		Metadata:      fmt.Sprintf(`{"tier":%q}`, tier),
	}); err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, userID, balance+allocation, spent); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE balances SET tier = $1 WHERE user_id = $2`, tier, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	log.Printf("[LEDGER] renewed user %d tier %s: +%d tokens", userID, tier, allocation)
	return &models.RenewalResult{
		Granted:      true,
		Amount:       allocation,
		NewBalance:   balance + allocation,
		NextEligible: time.Now().Add(models.RenewalWindow),
	}, nil
}

// History returns the user's operation log, newest first.
func (s *LedgerService) History(ctx context.Context, userID int64, limit, offset int) ([]models.OperationLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, operation_kind, tokens_amount, balance_before,
		       balance_after, COALESCE(related_operation_id::text, ''),
		       COALESCE(idempotency_key, ''), COALESCE(metadata::text, ''), created_at
		FROM operation_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// FindStaleCharges returns debit entries older than the threshold that no
// credit has reversed. The reconciliation sweep decides which of them belong
// to jobs that never finalized and refunds those.
func (s *LedgerService) FindStaleCharges(ctx context.Context, olderThan time.Duration, limit int) ([]models.OperationLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.user_id, d.operation_kind, d.tokens_amount, d.balance_before,
		       d.balance_after, COALESCE(d.related_operation_id::text, ''),
		       COALESCE(d.idempotency_key, ''), COALESCE(d.metadata::text, ''), d.created_at
		FROM operation_log d
		WHERE d.tokens_amount < 0
		  AND d.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM operation_log c WHERE c.related_operation_id = d.id
		  )
		ORDER BY d.created_at
		LIMIT $2`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CreateAccountTx creates the balance row with the signup grant and its
// credit entry inside the caller's transaction (the signup transaction).
func (s *LedgerService) CreateAccountTx(tx *sql.Tx, userID int64, tier models.Tier) error {
	_, err := tx.Exec(`
		INSERT INTO balances (user_id, tokens_balance, tokens_spent, tier, updated_at)
		VALUES ($1, $2, 0, $3, $4)`,
		userID, models.SignupGrant, tier, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	return s.appendEntry(tx, &models.OperationLogEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		OperationKind: models.OpSignupGrant,
		TokensAmount:  models.SignupGrant,
		BalanceBefore: 0,
		BalanceAfter:  models.SignupGrant,
	})
}

func (s *LedgerService) lockBalance(tx *sql.Tx, userID int64) (balance, spent int64, tier models.Tier, err error) {
	err = tx.QueryRow(`
		SELECT tokens_balance, tokens_spent, tier
		FROM balances
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&balance, &spent, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, "", models.ErrAccountNotFound
	}
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return balance, spent, tier, nil
}

func (s *LedgerService) findByIdempotencyKey(tx *sql.Tx, key string) (*models.OperationLogEntry, error) {
	var e models.OperationLogEntry
	err := tx.QueryRow(`
		SELECT id, balance_after FROM operation_log WHERE idempotency_key = $1`, key).
		Scan(&e.ID, &e.BalanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return &e, nil
}

func (s *LedgerService) appendEntry(tx *sql.Tx, e *models.OperationLogEntry) error {
	_, err := tx.Exec(`
		INSERT INTO operation_log
			(id, user_id, operation_kind, tokens_amount, balance_before,
			 balance_after, related_operation_id, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, '')::jsonb, $10)`,
		e.ID, e.UserID, e.OperationKind, e.TokensAmount, e.BalanceBefore,
		e.BalanceAfter, e.RelatedOperationID, e.IdempotencyKey, e.Metadata, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return nil
}

func (s *LedgerService) updateBalance(tx *sql.Tx, userID int64, newBalance, newSpent int64) error {
	result, err := tx.Exec(`
		UPDATE balances
		SET tokens_balance = $1, tokens_spent = $2, updated_at = $3
		WHERE user_id = $4`,
		newBalance, newSpent, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	if rowsAffected == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]models.OperationLogEntry, error) {
	var entries []models.OperationLogEntry
	for rows.Next() {
		var e models.OperationLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OperationKind, &e.TokensAmount,
			&e.BalanceBefore, &e.BalanceAfter, &e.RelatedOperationID,
			&e.IdempotencyKey, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerTransaction, err)
	}
	return entries, nil
}

func operationCost(kind models.OperationKind) (int64, error) {
	cost, ok := models.OperationCosts[kind]
	if !ok {
		return 0, fmt.Errorf("no cost defined for operation kind %q", kind)
	}
	return cost, nil
}
