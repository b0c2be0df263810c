package bookings

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventBookingCreated         = "BookingCreated"
	EventBookingAwaitingPayment = "BookingAwaitingPayment"
	EventBookingConfirmed       = "BookingConfirmed"
	EventBookingExpired         = "BookingExpired"
	EventBookingCancelled       = "BookingCancelled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "booking-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // booking id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type BookingCreatedPayload struct {
	BookingID   string    `json:"booking_id"`
	BookingCode string    `json:"booking_code"`
	CustomerID  string    `json:"customer_id"`
	TripID      string    `json:"trip_id"`
	Seats       []string  `json:"seats"`
	TotalAmount int64     `json:"total_amount"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type BookingStatusPayload struct {
	BookingID     string `json:"booking_id"`
	BookingCode   string `json:"booking_code"`
	Status        Status `json:"status"`
	LockGroupID   string `json:"lock_group_id"`
	TotalAmount   int64  `json:"total_amount"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"` // e.g. HOLD_LAPSED, PAYMENT_FAILED
}

func newEnvelope(eventType, producer, bookingID string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at,
		Producer:      producer,
		CorrelationID: bookingID,
		Payload:       b,
	}, nil
}
