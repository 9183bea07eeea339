package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/genforge/backend/internal/middleware"
	"github.com/genforge/backend/internal/services"
)

type TopUpHandler struct {
	service   *services.TopUpService
	validator *services.ValidationHelper
}

func NewTopUpHandler(service *services.TopUpService) *TopUpHandler {
	return &TopUpHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR issues a QR-encoded checkout link for a token pack
// @Summary Generate top-up QR code
// @Description QR code PNG (base64) encoding the checkout link for a token pack
// @Tags topup
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{packId=string} true "Token pack"
// @Success 200 {object} services.TopUpQR
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /topup/qr [post]
func (h *TopUpHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PackID string `json:"packId" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.GenerateQRCode(userID, req.PackID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
