package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/vnpay"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

const maxWebhookBody = 64 << 10

// gateways send transaction dates in Vietnam local time
var ictZone = time.FixedZone("ICT", 7*60*60)

type PaymentsHandler struct {
	Ingestor   *payments.Ingestor
	Reconciler *payments.Reconciler
}

type IngestResp struct {
	ProcessingStatus payments.ProcessingStatus `json:"processing_status,omitempty"`
	TransactionID    string                    `json:"transaction_id,omitempty"`
	Duplicate        bool                      `json:"duplicate"`
	Applied          bool                      `json:"applied"`
	Note             string                    `json:"note,omitempty"`
}

type ReconcileResp struct {
	Query  *payments.QueryResult `json:"query"`
	Ingest *IngestResp           `json:"ingest,omitempty"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Get("/webhooks/{provider}", h.webhook)
	r.Post("/webhooks/{provider}", h.webhook)
	r.Get("/payments/{transactionId}", h.getTransaction)
	r.Get("/payments/{transactionId}/reconciliation", h.reconciliation)
}

func ingestResp(res *payments.IngestResult) *IngestResp {
	if res == nil {
		return nil
	}
	out := &IngestResp{Duplicate: res.Duplicate, Applied: res.Applied}
	if res.Log != nil {
		out.ProcessingStatus = res.Log.ProcessingStatus
		out.TransactionID = res.Log.TransactionID
		out.Note = res.Log.Note
	}
	return out
}

// webhook takes the payload exactly as delivered: the query string for GET
// (VNPay IPN) or the body for POST.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	var raw []byte
	if r.Method == http.MethodGet {
		raw = []byte(r.URL.RawQuery)
	} else {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeError(w, fmt.Errorf("read body: %v: %w", err, apperr.ErrMalformedPayload))
			return
		}
		// an oversized body is refused before it reaches the webhook log
		if len(b) > maxWebhookBody {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("webhook body over %d bytes", maxWebhookBody),
			})
			return
		}
		raw = b
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Ingestor.Ingest(ctx, provider, raw)
	if provider == vnpay.Provider {
		writeJSON(w, http.StatusOK, vnpayAck(res, err))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResp(res))
}

// vnpayAck answers in VNPay's IPN contract: it always expects 200 and reads
// RspCode, retrying only on 99.
func vnpayAck(res *payments.IngestResult, err error) map[string]string {
	ack := func(code, msg string) map[string]string { return map[string]string{"RspCode": code, "Message": msg} }
	switch {
	case err == nil && res != nil && res.Duplicate:
		return ack("02", "Order already confirmed")
	case err == nil:
		return ack("00", "Confirm Success")
	case errors.Is(err, apperr.ErrMalformedPayload):
		return ack("97", "Invalid signature")
	case errors.Is(err, apperr.ErrAmountMismatch):
		return ack("04", "Invalid amount")
	case errors.Is(err, apperr.ErrNotFound):
		return ack("01", "Order not found")
	}
	return ack("99", "Unknown error")
}

func (h *PaymentsHandler) getTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	tx, err := h.Ingestor.Tracker.Get(ctx, chi.URLParam(r, "transactionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func parseTransactionDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("20060102150405", s, ictZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("transactionDate %q: %w", s, apperr.ErrInvalidInput)
	}
	return t, nil
}

// reconciliation asks the gateway for the transaction's status. With
// apply=true a definitive answer is fed through webhook ingestion.
func (h *PaymentsHandler) reconciliation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txDate, err := parseTransactionDate(q.Get("transactionDate"))
	if err != nil {
		writeError(w, err)
		return
	}
	apply := false
	if v := q.Get("apply"); v != "" {
		if apply, err = strconv.ParseBool(v); err != nil {
			writeError(w, fmt.Errorf("apply %q: %w", v, apperr.ErrInvalidInput))
			return
		}
	}
	in := payments.QueryInput{
		TransactionID:   chi.URLParam(r, "transactionId"),
		TransactionDate: txDate,
		OrderRef:        q.Get("orderRef"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 14*time.Second)
	defer cancel()

	if !apply {
		res, err := h.Reconciler.QueryTransaction(ctx, in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	out, err := h.Reconciler.Reconcile(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResp{Query: out.Query, Ingest: ingestResp(out.Ingest)})
}
