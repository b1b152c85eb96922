package order_api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ms-reservations/internal/models"
	"ms-reservations/internal/utils"
)

// statusFor maps service error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrVoucherExhausted):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidVoucher),
		errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("API", op+": "+err.Error())
		writeJSON(w, status, utils.ErrorResponse(op+" failed", "internal server error"))
		return
	}
	h.Logger.Warn("API", op+": "+err.Error())
	writeJSON(w, status, utils.ErrorResponse(op+" failed", err.Error()))
}
