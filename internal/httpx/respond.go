package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps apperr sentinels onto HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, apperr.ErrInvalidInput),
		errors.Is(err, apperr.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrAmountMismatch),
		errors.Is(err, apperr.ErrInvalidDiscount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", apperr.ErrInvalidInput)
	}
	return nil
}

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v any) error {
	if err := readJSON(r, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
