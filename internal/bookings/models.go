package bookings

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Audit is carried by every persisted entity. Deletion is logical only.
type Audit struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy *string    `json:"deleted_by,omitempty"`
}

// Booking amounts are whole VND (no minor unit).
type Booking struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	BookingCode    string    `json:"booking_code"`
	Status         Status    `json:"status"`
	Quantity       int       `json:"quantity"`
	TotalAmount    int64     `json:"total_amount"`
	BookedAt       time.Time `json:"booked_at"`
	CustomerID     string    `json:"customer_id"`
	TripID         string    `json:"trip_id"`
	Seats          []string  `json:"seats"`
	LockGroupID    string    `json:"lock_group_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	Version        int64     `json:"version"`
	Audit
}

// Lapsed reports whether the hold has run out at now.
func (b *Booking) Lapsed(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// SamePayload compares the replay-relevant fields of a create request.
func (b *Booking) SamePayload(in CreateInput) bool {
	if b.CustomerID != in.CustomerID || b.TripID != in.TripID {
		return false
	}
	a := slices.Clone(b.Seats)
	c := slices.Clone(in.Seats)
	slices.Sort(a)
	slices.Sort(c)
	return slices.Equal(a, c)
}

// Clone returns a deep copy, so stores never hand out shared slices.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	out := *b
	out.Seats = slices.Clone(b.Seats)
	if b.DeletedAt != nil {
		t := *b.DeletedAt
		out.DeletedAt = &t
	}
	if b.DeletedBy != nil {
		s := *b.DeletedBy
		out.DeletedBy = &s
	}
	return &out
}

// FareBreakdown is what the external pricing function returns.
type FareBreakdown struct {
	BaseFare      int64           `json:"base_fare"`
	VehicleFactor decimal.Decimal `json:"vehicle_factor"`
	FloorFactor   decimal.Decimal `json:"floor_factor"`
	SeatFactor    decimal.Decimal `json:"seat_factor"`
	FinalPrice    int64           `json:"final_price"`
}

// PricingSnapshot freezes a FareBreakdown for one booking.
type PricingSnapshot struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	FareBreakdown
	Audit
}

// Discount is what the external promotion function returns.
type Discount struct {
	PromotionID    string          `json:"promotion_id"`
	PromotionCode  string          `json:"promotion_code"`
	PolicyType     string          `json:"policy_type"`
	Percent        decimal.Decimal `json:"percent"`
	MaxOff         int64           `json:"max_off"`
	DiscountAmount int64           `json:"discount_amount"`
}

type AppliedPromotion struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	AppliedAt time.Time `json:"applied_at"`
	Discount
	Audit
}

// CreateInput is the booking creation request.
type CreateInput struct {
	IdempotencyKey string
	CustomerID     string
	TripID         string
	Seats          []string
	TimeoutMinutes int
	PromotionCode  string
}
