package payments

import (
	"time"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

// Transaction is the single payment attempt of a booking. Amount is whole VND.
type Transaction struct {
	ID            string    `json:"id"`
	BookingID     string    `json:"booking_id"`
	TransactionID string    `json:"transaction_id"`
	Method        Method    `json:"method"`
	Status        Status    `json:"status"`
	Amount        int64     `json:"amount"`
	Time          time.Time `json:"time"`
	GatewayNote   string    `json:"gateway_note,omitempty"`
	Version       int64     `json:"version"`
	bookings.Audit
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// WebhookLog is one row per distinct (provider, payload hash).
type WebhookLog struct {
	ID               string           `json:"id"`
	Provider         string           `json:"provider"`
	PayloadHash      string           `json:"payload_hash"`
	TransactionID    string           `json:"transaction_id,omitempty"`
	ReceivedAt       time.Time        `json:"received_at"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	Note             string           `json:"note,omitempty"`
	Attempts         int              `json:"attempts"`
	LastAttemptAt    time.Time        `json:"last_attempt_at"`
	bookings.Audit
}

func (l *WebhookLog) Clone() *WebhookLog {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

// Notification is a provider payload reduced to what the tracker needs.
type Notification struct {
	Provider      string
	TransactionID string
	OrderRef      string // gateway-side transaction number
	GatewayCode   string
	Status        Status
	Amount        int64
	Message       string
	PaidAt        time.Time
}
