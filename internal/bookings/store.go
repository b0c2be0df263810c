package bookings

import (
	"context"
	"time"
)

// Store persists bookings and their immutable pricing records.
//
// Inserts return apperr.ErrDuplicate on a unique violation (idempotency key,
// booking code, one snapshot or promotion per booking). UpdateBooking writes
// only when the stored version equals expectedVersion, bumps Version on b and
// returns apperr.ErrVersionConflict otherwise. Lookups return apperr.ErrNotFound.
type Store interface {
	InsertBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	GetBookingByIdempotencyKey(ctx context.Context, key string) (*Booking, error)
	UpdateBooking(ctx context.Context, b *Booking, expectedVersion int64) error
	ListLapsedBookings(ctx context.Context, now time.Time, limit int) ([]string, error)

	InsertPricingSnapshot(ctx context.Context, s *PricingSnapshot) error
	GetPricingSnapshot(ctx context.Context, bookingID string) (*PricingSnapshot, error)

	InsertAppliedPromotion(ctx context.Context, p *AppliedPromotion) error
	GetAppliedPromotion(ctx context.Context, bookingID string) (*AppliedPromotion, error)
}
