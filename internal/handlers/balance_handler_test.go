package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
	"github.com/genforge/backend/internal/services"
)

func newBalanceHandler(t *testing.T) (*BalanceHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	ledger := services.NewLedgerService(db, observability.NewHooks())
	return NewBalanceHandler(ledger), mock, func() { db.Close() }
}

func TestBalanceHandler_GetBalance(t *testing.T) {
	t.Run("returns the balance", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tokens_balance", "tokens_spent", "tier", "updated_at"}).
				AddRow(42, 75, 25, "free", time.Now()))

		w := httptest.NewRecorder()
		handler.GetBalance(w, authedRequest(http.MethodGet, "/balance", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var balance models.Balance
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
		assert.Equal(t, int64(75), balance.TokensBalance)
		assert.Equal(t, int64(25), balance.TokensSpent)
	})

	t.Run("404 for a missing account", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(42)).
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		handler.GetBalance(w, authedRequest(http.MethodGet, "/balance", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("401 without a user in context", func(t *testing.T) {
		handler, _, closeDB := newBalanceHandler(t)
		defer closeDB()

		w := httptest.NewRecorder()
		handler.GetBalance(w, httptest.NewRequest(http.MethodGet, "/balance", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestBalanceHandler_Renew(t *testing.T) {
	t.Run("grants the allocation when eligible", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tokens_balance", "tokens_spent", "tier", "updated_at"}).
				AddRow(42, 20, 80, "plus", time.Now()))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT tokens_balance, tokens_spent, tier").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"tokens_balance", "tokens_spent", "tier"}).
				AddRow(20, 80, "plus"))
		mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM operation_log").
			WithArgs(int64(42), "monthly_renewal").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		mock.ExpectExec("INSERT INTO operation_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE balances SET tokens_balance").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE balances SET tier").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		handler.Renew(w, authedRequest(http.MethodPost, "/balance/renew", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var result models.RenewalResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.Granted)
		assert.Equal(t, int64(500), result.Amount)
		assert.Equal(t, int64(520), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("404 for a missing account", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		mock.ExpectQuery("SELECT user_id, tokens_balance, tokens_spent, tier, updated_at").
			WithArgs(int64(42)).
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		handler.Renew(w, authedRequest(http.MethodPost, "/balance/renew", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestBalanceHandler_GetOperations(t *testing.T) {
	t.Run("returns the page newest first", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		rows := sqlmock.NewRows([]string{
			"id", "user_id", "operation_kind", "tokens_amount", "balance_before",
			"balance_after", "related_operation_id", "idempotency_key", "metadata", "created_at",
		}).
			AddRow("op-2", 42, "refund", 10, 80, 90, "op-1", "refund:op-1", "", time.Now()).
			AddRow("op-1", 42, "image_generation", -10, 90, 80, "", "job-1:1", "", time.Now().Add(-time.Minute))

		mock.ExpectQuery("FROM operation_log").
			WithArgs(int64(42), 2, 0).
			WillReturnRows(rows)

		w := httptest.NewRecorder()
		handler.GetOperations(w, authedRequest(http.MethodGet, "/operations?limit=2", nil))

		assert.Equal(t, http.StatusOK, w.Code)

		var entries []models.OperationLogEntry
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
		assert.Len(t, entries, 2)
		assert.Equal(t, "op-2", entries[0].ID)
		assert.Equal(t, int64(10), entries[0].TokensAmount)
	})

	t.Run("empty history is an empty array, not null", func(t *testing.T) {
		handler, mock, closeDB := newBalanceHandler(t)
		defer closeDB()

		mock.ExpectQuery("FROM operation_log").
			WithArgs(int64(42), 50, 0).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "operation_kind", "tokens_amount", "balance_before",
				"balance_after", "related_operation_id", "idempotency_key", "metadata", "created_at",
			}))

		w := httptest.NewRecorder()
		handler.GetOperations(w, authedRequest(http.MethodGet, "/operations", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})
}
