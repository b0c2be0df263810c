package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

type BookingsHandler struct {
	Bookings *bookings.Manager
	Payments *payments.Tracker
}

type CreateBookingReq struct {
	IdempotencyKey string   `json:"idempotency_key" validate:"required,max=128"`
	CustomerID     string   `json:"customer_id" validate:"required"`
	TripID         string   `json:"trip_id" validate:"required"`
	Seats          []string `json:"seats" validate:"required,min=1,max=10,dive,required"`
	TimeoutMinutes int      `json:"timeout_minutes" validate:"omitempty,min=1,max=120"`
	PromotionCode  string   `json:"promotion_code,omitempty" validate:"omitempty,max=64"`
}

type BookingResp struct {
	Booking    *bookings.Booking `json:"booking"`
	Idempotent bool              `json:"idempotent"`
}

type StartPaymentReq struct {
	Method string `json:"method" validate:"required,oneof=VNPAY MOMO"`
}

type StartPaymentResp struct {
	Booking       *bookings.Booking `json:"booking"`
	TransactionID string            `json:"transaction_id"`
}

type PricingResp struct {
	Snapshot  *bookings.PricingSnapshot  `json:"snapshot"`
	Promotion *bookings.AppliedPromotion `json:"promotion"`
}

func (h *BookingsHandler) Register(r chi.Router) {
	r.Post("/bookings", h.create)
	r.Get("/bookings/{id}", h.get)
	r.Get("/bookings/{id}/pricing", h.pricing)
	r.Post("/bookings/{id}/payment", h.startPayment)
	r.Get("/bookings/{id}/payment", h.getPayment)
	r.Post("/bookings/{id}/cancel", h.cancel)
	r.Delete("/bookings/{id}", h.delete)
}

func (h *BookingsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// header wins over the body
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, created, err := h.Bookings.CreateBooking(ctx, bookings.CreateInput{
		IdempotencyKey: req.IdempotencyKey,
		CustomerID:     req.CustomerID,
		TripID:         req.TripID,
		Seats:          req.Seats,
		TimeoutMinutes: req.TimeoutMinutes,
		PromotionCode:  req.PromotionCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, BookingResp{Booking: b, Idempotent: !created})
}

func (h *BookingsHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	b, err := h.Bookings.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *BookingsHandler) pricing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Bookings.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.Bookings.Snapshots().Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	promo, err := h.Bookings.AppliedPromotions().Get(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PricingResp{Snapshot: snap, Promotion: promo})
}

func (h *BookingsHandler) startPayment(w http.ResponseWriter, r *http.Request) {
	var req StartPaymentReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, txID, err := h.Bookings.MoveToAwaitingPayment(ctx, chi.URLParam(r, "id"), req.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StartPaymentResp{Booking: b, TransactionID: txID})
}

func (h *BookingsHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	tx, err := h.Payments.GetByBooking(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *BookingsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, err := h.Bookings.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *BookingsHandler) delete(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.Bookings.SoftDelete(ctx, chi.URLParam(r, "id"), actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
