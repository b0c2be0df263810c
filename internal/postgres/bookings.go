package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

type BookingStore struct{ DB *pgxpool.Pool }

var _ bookings.Store = (*BookingStore)(nil)

const bookingColumns = `id, idempotency_key, booking_code, status, quantity, total_amount, booked_at,
	customer_id, trip_id, seats, lock_group_id, expires_at, timeout_minutes, version,
	created_at, updated_at, is_deleted, deleted_at, deleted_by`

func scanBooking(row pgx.Row) (*bookings.Booking, error) {
	var b bookings.Booking
	var status string
	err := row.Scan(&b.ID, &b.IdempotencyKey, &b.BookingCode, &status, &b.Quantity, &b.TotalAmount, &b.BookedAt,
		&b.CustomerID, &b.TripID, &b.Seats, &b.LockGroupID, &b.ExpiresAt, &b.TimeoutMinutes, &b.Version,
		&b.CreatedAt, &b.UpdatedAt, &b.IsDeleted, &b.DeletedAt, &b.DeletedBy)
	if err != nil {
		return nil, err
	}
	b.Status = bookings.Status(status)
	return &b, nil
}

func (s *BookingStore) InsertBooking(ctx context.Context, b *bookings.Booking) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO bookings(`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, b.IdempotencyKey, b.BookingCode, string(b.Status), b.Quantity, b.TotalAmount, b.BookedAt,
		b.CustomerID, b.TripID, b.Seats, b.LockGroupID, b.ExpiresAt, b.TimeoutMinutes, b.Version,
		b.CreatedAt, b.UpdatedAt, b.IsDeleted, b.DeletedAt, b.DeletedBy)
	return mapErr(err, "insert booking "+b.ID)
}

func (s *BookingStore) GetBooking(ctx context.Context, id string) (*bookings.Booking, error) {
	b, err := scanBooking(s.DB.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr(err, "booking "+id)
	}
	return b, nil
}

func (s *BookingStore) GetBookingByIdempotencyKey(ctx context.Context, key string) (*bookings.Booking, error) {
	b, err := scanBooking(s.DB.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key=$1`, key))
	if err != nil {
		return nil, mapErr(err, "idempotency key "+key)
	}
	return b, nil
}

// UpdateBooking writes the mutable columns only when the row is still at
// expectedVersion.
func (s *BookingStore) UpdateBooking(ctx context.Context, b *bookings.Booking, expectedVersion int64) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE bookings
		   SET status=$3, expires_at=$4, updated_at=$5, is_deleted=$6, deleted_at=$7, deleted_by=$8,
		       version=version+1
		 WHERE id=$1 AND version=$2`,
		b.ID, expectedVersion, string(b.Status), b.ExpiresAt, b.UpdatedAt, b.IsDeleted, b.DeletedAt, b.DeletedBy)
	if err != nil {
		return mapErr(err, "update booking "+b.ID)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id=$1)`, b.ID).Scan(&exists); err != nil {
			return mapErr(err, "update booking "+b.ID)
		}
		if !exists {
			return fmt.Errorf("booking %s: %w", b.ID, apperr.ErrNotFound)
		}
		return fmt.Errorf("booking %s expected version %d: %w", b.ID, expectedVersion, apperr.ErrVersionConflict)
	}
	b.Version = expectedVersion + 1
	return nil
}

func (s *BookingStore) ListLapsedBookings(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM bookings
		 WHERE status IN ('DRAFT','AWAITING_PAYMENT') AND NOT is_deleted AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err, "list lapsed bookings")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *BookingStore) InsertPricingSnapshot(ctx context.Context, p *bookings.PricingSnapshot) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO pricing_snapshots(id, booking_id, base_fare, vehicle_factor, floor_factor, seat_factor,
		                              final_price, created_at, updated_at)
		VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7,$8,$9)`,
		p.ID, p.BookingID, p.BaseFare, p.VehicleFactor.String(), p.FloorFactor.String(), p.SeatFactor.String(),
		p.FinalPrice, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "insert pricing snapshot for "+p.BookingID)
}

func (s *BookingStore) GetPricingSnapshot(ctx context.Context, bookingID string) (*bookings.PricingSnapshot, error) {
	var p bookings.PricingSnapshot
	var vehicle, floor, seat string
	err := s.DB.QueryRow(ctx, `
		SELECT id, booking_id, base_fare, vehicle_factor::text, floor_factor::text, seat_factor::text,
		       final_price, created_at, updated_at
		  FROM pricing_snapshots WHERE booking_id=$1`, bookingID).
		Scan(&p.ID, &p.BookingID, &p.BaseFare, &vehicle, &floor, &seat, &p.FinalPrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "pricing snapshot for "+bookingID)
	}
	if p.VehicleFactor, err = decimal.NewFromString(vehicle); err != nil {
		return nil, err
	}
	if p.FloorFactor, err = decimal.NewFromString(floor); err != nil {
		return nil, err
	}
	if p.SeatFactor, err = decimal.NewFromString(seat); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BookingStore) InsertAppliedPromotion(ctx context.Context, p *bookings.AppliedPromotion) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO applied_promotions(id, booking_id, applied_at, promotion_id, promotion_code, policy_type,
		                               percent, max_off, discount_amount, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10,$11)`,
		p.ID, p.BookingID, p.AppliedAt, p.PromotionID, p.PromotionCode, p.PolicyType,
		p.Percent.String(), p.MaxOff, p.DiscountAmount, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "insert applied promotion for "+p.BookingID)
}

func (s *BookingStore) GetAppliedPromotion(ctx context.Context, bookingID string) (*bookings.AppliedPromotion, error) {
	var p bookings.AppliedPromotion
	var percent string
	err := s.DB.QueryRow(ctx, `
		SELECT id, booking_id, applied_at, promotion_id, promotion_code, policy_type, percent::text,
		       max_off, discount_amount, created_at, updated_at
		  FROM applied_promotions WHERE booking_id=$1`, bookingID).
		Scan(&p.ID, &p.BookingID, &p.AppliedAt, &p.PromotionID, &p.PromotionCode, &p.PolicyType, &percent,
			&p.MaxOff, &p.DiscountAmount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "applied promotion for "+bookingID)
	}
	if p.Percent, err = decimal.NewFromString(percent); err != nil {
		return nil, err
	}
	return &p, nil
}
