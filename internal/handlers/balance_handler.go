package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/genforge/backend/internal/middleware"
	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/services"
)

type BalanceHandler struct {
	ledger *services.LedgerService
}

func NewBalanceHandler(ledger *services.LedgerService) *BalanceHandler {
	return &BalanceHandler{ledger: ledger}
}

// GetBalance returns the authenticated user's token balance
// @Summary Get token balance
// @Description Current token balance, cumulative spend and tier
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Balance
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /balance [get]
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if errors.Is(err, models.ErrAccountNotFound) {
		services.SendErrorResponse(w, "Account not found", services.StatusForError(err), nil)
		return
	}
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance", services.StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// Renew credits the user's monthly tier allocation
// @Summary Renew monthly allocation
// @Description Credits the tier's monthly token allocation if the eligibility window has elapsed. Inside the window it reports Granted=false and when the next grant is due.
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.RenewalResult
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /balance/renew [post]
func (h *BalanceHandler) Renew(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance", services.StatusForError(err), nil)
		return
	}

	result, err := h.ledger.RenewMonthly(r.Context(), userID, balance.Tier)
	if err != nil {
		services.SendErrorResponse(w, "Failed to renew allocation", services.StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetOperations returns the user's operation log, newest first
// @Summary List ledger operations
// @Description Paged read of the append-only operation log
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.OperationLogEntry
// @Failure 401 {object} services.ErrorResponse
// @Router /operations [get]
func (h *BalanceHandler) GetOperations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.ledger.History(r.Context(), userID, limit, offset)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch operations", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []models.OperationLogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
