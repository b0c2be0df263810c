package bookings

import (
	"context"
	"time"
)

// FareCalculator is the external pricing function.
type FareCalculator interface {
	ComputeFare(ctx context.Context, tripID string, seats []string) (FareBreakdown, error)
}

// PromotionEngine is the external promotion function. It returns a zero
// DiscountAmount when the code yields nothing.
type PromotionEngine interface {
	ApplyPromotion(ctx context.Context, code string, basePrice int64) (Discount, error)
}

// SeatInventory holds and releases a lock group of seats on a trip.
type SeatInventory interface {
	HoldSeats(ctx context.Context, lockGroupID, tripID string, seats []string, ttl time.Duration) error
	ReleaseSeats(ctx context.Context, lockGroupID string) error
}

// PaymentOpener opens the payment transaction for a booking and returns its
// transaction id. Implementations must be idempotent per booking.
type PaymentOpener interface {
	OpenPayment(ctx context.Context, bookingID, method string, amount int64) (string, error)
}

// EventPublisher ships booking lifecycle events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

// Clock supplies the current time. Expiry logic never reads time.Now directly.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Envelope) error { return nil }

// NoopPublisher discards events.
var NoopPublisher EventPublisher = noopPublisher{}
