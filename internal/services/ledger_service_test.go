package services

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
)

func newLedgerWithMock(t *testing.T) (*LedgerService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	service := NewLedgerService(db, observability.NewHooks())
	return service, mock, func() { db.Close() }
}

func expectLockBalance(mock sqlmock.Sqlmock, userID, balance, spent int64) {
	mock.ExpectQuery("SELECT tokens_balance, tokens_spent, tier").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"tokens_balance", "tokens_spent", "tier"}).
			AddRow(balance, spent, "free"))
}

func TestLedgerService_GetBalance(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tokens_balance", "tokens_spent", "tier", "updated_at"}).
				AddRow(42, 100, 30, "plus", time.Now()))

		balance, err := service.GetBalance(context.Background(), 42)
		assert.NoError(t, err)
		assert.Equal(t, int64(100), balance.TokensBalance)
		assert.Equal(t, int64(30), balance.TokensSpent)
		assert.Equal(t, models.TierPlus, balance.Tier)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(7)).
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetBalance(context.Background(), 7)
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_CanAfford(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	t.Run("sufficient balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT tokens_balance FROM balances").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"tokens_balance"}).AddRow(50))

		ok, err := service.CanAfford(context.Background(), 1, models.OpImageGeneration)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT tokens_balance FROM balances").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"tokens_balance"}).AddRow(4))

		ok, err := service.CanAfford(context.Background(), 1, models.OpChatCompletion)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown operation kind", func(t *testing.T) {
		_, err := service.CanAfford(context.Background(), 1, models.OperationKind("teleportation"))
		assert.Error(t, err)
	})
}

func TestLedgerService_Charge(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	userID := int64(42)

	t.Run("successful charge", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 100, 0)

		mock.ExpectExec("INSERT INTO operation_log").
			WithArgs(sqlmock.AnyArg(), userID, "image_generation", int64(-10), int64(100), int64(90),
				"", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE balances").
			WithArgs(int64(90), int64(10), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Charge(context.Background(), userID, models.OpImageGeneration, models.ChargeMetadata{})
		assert.NoError(t, err)
		assert.Equal(t, int64(90), result.NewBalance)
		assert.False(t, result.Replayed)
		assert.NotEmpty(t, result.OperationID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance under the row lock", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 3, 97)
		mock.ExpectRollback()

		_, err := service.Charge(context.Background(), userID, models.OpChatCompletion, models.ChargeMetadata{})
		assert.ErrorIs(t, err, models.ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("idempotent replay returns recorded result", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 90, 10)

		mock.ExpectQuery("SELECT id, balance_after FROM operation_log WHERE idempotency_key").
			WithArgs("job-1:1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}).
				AddRow("11111111-1111-1111-1111-111111111111", 90))

		mock.ExpectRollback()

		result, err := service.Charge(context.Background(), userID, models.OpImageGeneration,
			models.ChargeMetadata{JobID: "job-1", Attempt: 1, IdempotencyKey: "job-1:1"})
		assert.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Equal(t, int64(90), result.NewBalance)
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", result.OperationID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT tokens_balance, tokens_spent, tier").
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Charge(context.Background(), 404, models.OpImageGeneration, models.ChargeMetadata{})
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
	})

	// balance=100, cost=10: ten sequential charges drain the balance to zero,
	// the eleventh is rejected and the balance stays at zero.
	t.Run("sequential drain stops exactly at zero", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			before := int64(100 - 10*i)
			mock.ExpectBegin()
			expectLockBalance(mock, userID, before, int64(10*i))
			mock.ExpectExec("INSERT INTO operation_log").
				WithArgs(sqlmock.AnyArg(), userID, "image_generation", int64(-10), before, before-10,
					"", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec("UPDATE balances").
				WithArgs(before-10, int64(10*i+10), sqlmock.AnyArg(), userID).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()
		}
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 0, 100)
		mock.ExpectRollback()

		for i := 0; i < 10; i++ {
			result, err := service.Charge(context.Background(), userID, models.OpImageGeneration, models.ChargeMetadata{})
			assert.NoError(t, err)
			assert.Equal(t, int64(100-10*(i+1)), result.NewBalance)
		}

		_, err := service.Charge(context.Background(), userID, models.OpImageGeneration, models.ChargeMetadata{})
		assert.ErrorIs(t, err, models.ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Refund(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	userID := int64(42)
	debitID := "22222222-2222-2222-2222-222222222222"

	t.Run("refund restores the pre-charge balance", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 90, 10)

		mock.ExpectQuery("SELECT id, balance_after FROM operation_log WHERE idempotency_key").
			WithArgs("refund:" + debitID).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT tokens_amount FROM operation_log WHERE id").
			WithArgs(debitID, userID).
			WillReturnRows(sqlmock.NewRows([]string{"tokens_amount"}).AddRow(-10))

		mock.ExpectExec("INSERT INTO operation_log").
			WithArgs(sqlmock.AnyArg(), userID, "refund", int64(10), int64(90), int64(100),
				debitID, "refund:"+debitID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE balances").
			WithArgs(int64(100), int64(10), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Refund(context.Background(), userID, 10, debitID, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(100), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount must match the reversed debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 90, 10)

		mock.ExpectQuery("SELECT id, balance_after FROM operation_log WHERE idempotency_key").
			WithArgs("refund:" + debitID).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT tokens_amount FROM operation_log WHERE id").
			WithArgs(debitID, userID).
			WillReturnRows(sqlmock.NewRows([]string{"tokens_amount"}).AddRow(-10))

		mock.ExpectRollback()

		_, err := service.Refund(context.Background(), userID, 25, debitID, "")
		assert.ErrorIs(t, err, models.ErrAmountMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("double refund of one debit is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 100, 10)

		mock.ExpectQuery("SELECT id, balance_after FROM operation_log WHERE idempotency_key").
			WithArgs("refund:" + debitID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}).
				AddRow("33333333-3333-3333-3333-333333333333", 100))

		mock.ExpectRollback()

		result, err := service.Refund(context.Background(), userID, 10, debitID, "")
		assert.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Equal(t, int64(100), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		_, err := service.Refund(context.Background(), userID, 0, debitID, "")
		assert.ErrorIs(t, err, models.ErrAmountMismatch)
	})
}

func TestLedgerService_RenewMonthly(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	userID := int64(42)

	t.Run("grants allocation when eligible", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockBalance(mock, userID, 20, 80)

		mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM operation_log").
			WithArgs(userID, "monthly_renewal").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).
				AddRow(time.Now().Add(-31 * 24 * time.Hour)))

		mock.ExpectExec("INSERT INTO operation_log").
			WithArgs(sqlmock.AnyArg(), userID, "monthly_renewal", int64(500), int64(20), int64(520),
				"", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE balances SET tokens_balance").
			WithArgs(int64(520), int64(80), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE balances SET tier").
			WithArgs("plus", userID).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.RenewMonthly(context.Background(), userID, models.TierPlus)
		assert.NoError(t, err)
		assert.True(t, result.Granted)
		assert.Equal(t, int64(500), result.Amount)
		assert.Equal(t, int64(520), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips renewal inside the eligibility window", func(t *testing.T) {
		lastRenewal := time.Now().Add(-10 * 24 * time.Hour)

		mock.ExpectBegin()
		expectLockBalance(mock, userID, 520, 80)

		mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM operation_log").
			WithArgs(userID, "monthly_renewal").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(lastRenewal))

		mock.ExpectRollback()

		result, err := service.RenewMonthly(context.Background(), userID, models.TierPlus)
		assert.NoError(t, err)
		assert.False(t, result.Granted)
		assert.Equal(t, int64(520), result.NewBalance)
		assert.WithinDuration(t, lastRenewal.Add(models.RenewalWindow), result.NextEligible, time.Second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := service.RenewMonthly(context.Background(), userID, models.Tier("diamond"))
		assert.Error(t, err)
	})
}

func TestLedgerService_FindStaleCharges(t *testing.T) {
	service, mock, closeDB := newLedgerWithMock(t)
	defer closeDB()

	meta := fmt.Sprintf(`{"jobId":%q,"queueName":"image-generation","attempt":1}`, "job-9")
	mock.ExpectQuery("FROM operation_log d").
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "operation_kind", "tokens_amount", "balance_before",
			"balance_after", "related_operation_id", "idempotency_key", "metadata", "created_at",
		}).AddRow("44444444-4444-4444-4444-444444444444", 42, "image_generation", -10, 100, 90,
			"", "job-9:1", meta, time.Now().Add(-48*time.Hour)))

	entries, err := service.FindStaleCharges(context.Background(), 24*time.Hour, 10)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(-10), entries[0].TokensAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
