package bookings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
)

// SnapshotWriter freezes fare computations. A snapshot is written once per
// booking and never recalculated.
type SnapshotWriter struct {
	Store Store
	Now   Clock
}

// Freeze persists fare for bookingID. When a snapshot already exists it is
// returned unchanged, whatever fare says now.
func (w *SnapshotWriter) Freeze(ctx context.Context, bookingID string, fare FareBreakdown) (*PricingSnapshot, error) {
	if fare.BaseFare < 0 || fare.FinalPrice <= 0 {
		return nil, fmt.Errorf("freeze pricing for %s: final price %d: %w", bookingID, fare.FinalPrice, apperr.ErrInvalidState)
	}
	if existing, err := w.Store.GetPricingSnapshot(ctx, bookingID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := w.Now()
	snap := &PricingSnapshot{
		ID:            uuid.NewString(),
		BookingID:     bookingID,
		FareBreakdown: fare,
		Audit:         Audit{CreatedAt: now, UpdatedAt: now},
	}
	if err := w.Store.InsertPricingSnapshot(ctx, snap); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			// lost the race to a concurrent writer; theirs is the frozen one
			return w.Store.GetPricingSnapshot(ctx, bookingID)
		}
		return nil, err
	}
	return snap, nil
}

func (w *SnapshotWriter) Get(ctx context.Context, bookingID string) (*PricingSnapshot, error) {
	return w.Store.GetPricingSnapshot(ctx, bookingID)
}

// PromotionRecorder stores the discount decision made at booking time.
type PromotionRecorder struct {
	Store Store
	Now   Clock
}

// Record persists d for bookingID. The booking must already have a pricing
// snapshot and the discount cannot exceed its final price.
func (r *PromotionRecorder) Record(ctx context.Context, bookingID string, d Discount) (*AppliedPromotion, error) {
	snap, err := r.Store.GetPricingSnapshot(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("record promotion for %s: pricing snapshot: %w", bookingID, err)
	}
	if d.DiscountAmount < 0 || d.DiscountAmount > snap.FinalPrice {
		return nil, fmt.Errorf("record promotion for %s: discount %d over price %d: %w",
			bookingID, d.DiscountAmount, snap.FinalPrice, apperr.ErrInvalidDiscount)
	}
	if existing, err := r.Store.GetAppliedPromotion(ctx, bookingID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := r.Now()
	p := &AppliedPromotion{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		AppliedAt: now,
		Discount:  d,
		Audit:     Audit{CreatedAt: now, UpdatedAt: now},
	}
	if err := r.Store.InsertAppliedPromotion(ctx, p); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return r.Store.GetAppliedPromotion(ctx, bookingID)
		}
		return nil, err
	}
	return p, nil
}

func (r *PromotionRecorder) Get(ctx context.Context, bookingID string) (*AppliedPromotion, error) {
	return r.Store.GetAppliedPromotion(ctx, bookingID)
}

// expectedTotal is what the booking total must equal when it leaves DRAFT.
func expectedTotal(ctx context.Context, s Store, bookingID string) (int64, error) {
	snap, err := s.GetPricingSnapshot(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	total := snap.FinalPrice
	promo, err := s.GetAppliedPromotion(ctx, bookingID)
	switch {
	case err == nil:
		total -= promo.DiscountAmount
	case !errors.Is(err, apperr.ErrNotFound):
		return 0, err
	}
	return total, nil
}
