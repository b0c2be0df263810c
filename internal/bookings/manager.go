package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
)

const (
	DefaultTimeoutMinutes = 15
	DefaultMaxRetries     = 5
)

// SeatCommitter is implemented by inventories that must be told when a hold
// turns into a sale, so the hold does not lapse under a confirmed booking.
type SeatCommitter interface {
	CommitSeats(ctx context.Context, lockGroupID string) error
}

// Manager owns the booking state machine and seat-hold lifecycle.
//
// Every transition reads the booking, decides the next state from the
// transition table and writes conditionally on the version it read. A version
// conflict re-reads and retries up to MaxRetries before surfacing
// apperr.ErrConflict. Side effects (seat release, events) run only for the
// writer whose update committed.
type Manager struct {
	Store      Store
	Fares      FareCalculator
	Promotions PromotionEngine // optional
	Seats      SeatInventory
	Payments   PaymentOpener
	Events     EventPublisher
	Log        logrus.FieldLogger
	Now        Clock
	Service    string

	MaxRetries            int
	DefaultTimeoutMinutes int
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return SystemClock()
	}
	return m.Now()
}

func (m *Manager) log() logrus.FieldLogger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

func (m *Manager) retries() int {
	if m.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return m.MaxRetries
}

// Snapshots exposes the frozen fares of the manager's bookings.
func (m *Manager) Snapshots() *SnapshotWriter { return &SnapshotWriter{Store: m.Store, Now: m.now} }

func (m *Manager) AppliedPromotions() *PromotionRecorder {
	return &PromotionRecorder{Store: m.Store, Now: m.now}
}

// CreateBooking places a DRAFT booking holding in.Seats. Replaying the same
// idempotency key with the same customer, trip and seats returns the original
// booking with created=false; a different payload fails with apperr.ErrConflict.
func (m *Manager) CreateBooking(ctx context.Context, in CreateInput) (b *Booking, created bool, err error) {
	if err := validateCreate(&in, m.DefaultTimeoutMinutes); err != nil {
		return nil, false, err
	}

	if existing, err := m.Store.GetBookingByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		return replay(existing, in)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	fare, err := m.Fares.ComputeFare(ctx, in.TripID, in.Seats)
	if err != nil {
		return nil, false, fmt.Errorf("compute fare: %w", err)
	}
	var discount Discount
	if in.PromotionCode != "" && m.Promotions != nil {
		if discount, err = m.Promotions.ApplyPromotion(ctx, in.PromotionCode, fare.FinalPrice); err != nil {
			return nil, false, fmt.Errorf("apply promotion %s: %w", in.PromotionCode, err)
		}
		// a booking must leave something for the gateway to charge
		if discount.DiscountAmount < 0 || discount.DiscountAmount >= fare.FinalPrice {
			return nil, false, fmt.Errorf("promotion %s: discount %d leaves nothing to pay on %d: %w",
				in.PromotionCode, discount.DiscountAmount, fare.FinalPrice, apperr.ErrInvalidDiscount)
		}
		if discount.PromotionCode == "" {
			discount.PromotionCode = in.PromotionCode
		}
	}

	now := m.now()
	timeout := time.Duration(in.TimeoutMinutes) * time.Minute
	b = &Booking{
		ID:             uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		Status:         StatusDraft,
		Quantity:       len(in.Seats),
		TotalAmount:    fare.FinalPrice - discount.DiscountAmount,
		BookedAt:       now,
		CustomerID:     in.CustomerID,
		TripID:         in.TripID,
		Seats:          in.Seats,
		LockGroupID:    uuid.NewString(),
		ExpiresAt:      now.Add(timeout),
		TimeoutMinutes: in.TimeoutMinutes,
		Version:        1,
		Audit:          Audit{CreatedAt: now, UpdatedAt: now},
	}

	// booking codes are random; a collision only costs another attempt
	for attempt := 0; ; attempt++ {
		b.BookingCode = newBookingCode(now)
		err = m.Store.InsertBooking(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, apperr.ErrDuplicate) {
			return nil, false, err
		}
		existing, getErr := m.Store.GetBookingByIdempotencyKey(ctx, in.IdempotencyKey)
		if getErr == nil {
			return replay(existing, in)
		}
		if attempt >= 2 {
			return nil, false, err
		}
	}

	log := m.log().WithFields(logrus.Fields{"booking_id": b.ID, "lock_group_id": b.LockGroupID})
	if err := m.freeze(ctx, b, fare, discount, in.PromotionCode != ""); err != nil {
		m.abandon(ctx, b, false)
		return nil, false, err
	}
	if err := m.Seats.HoldSeats(ctx, b.LockGroupID, b.TripID, b.Seats, timeout); err != nil {
		m.abandon(ctx, b, true)
		return nil, false, fmt.Errorf("hold seats: %w", err)
	}

	log.WithFields(logrus.Fields{"total": b.TotalAmount, "expires_at": b.ExpiresAt}).Info("booking drafted")
	m.publish(ctx, EventBookingCreated, b, BookingCreatedPayload{
		BookingID:   b.ID,
		BookingCode: b.BookingCode,
		CustomerID:  b.CustomerID,
		TripID:      b.TripID,
		Seats:       b.Seats,
		TotalAmount: b.TotalAmount,
		ExpiresAt:   b.ExpiresAt,
	})
	return b, true, nil
}

func (m *Manager) freeze(ctx context.Context, b *Booking, fare FareBreakdown, d Discount, withPromo bool) error {
	if _, err := m.Snapshots().Freeze(ctx, b.ID, fare); err != nil {
		return fmt.Errorf("freeze pricing: %w", err)
	}
	if !withPromo {
		return nil
	}
	if _, err := m.AppliedPromotions().Record(ctx, b.ID, d); err != nil {
		return fmt.Errorf("record promotion: %w", err)
	}
	return nil
}

// abandon cancels a draft whose setup failed part-way.
func (m *Manager) abandon(ctx context.Context, b *Booking, held bool) {
	_, changed, err := m.mutate(ctx, b.ID, func(cur *Booking, _ time.Time) (bool, error) {
		return apply(cur, EventCancel), nil
	})
	if err != nil {
		m.log().WithError(err).WithField("booking_id", b.ID).Error("abandon draft booking")
		return
	}
	if changed && held {
		m.release(ctx, b)
	}
}

func replay(existing *Booking, in CreateInput) (*Booking, bool, error) {
	if existing.IsDeleted {
		return nil, false, fmt.Errorf("idempotency key %s belongs to a deleted booking: %w", in.IdempotencyKey, apperr.ErrConflict)
	}
	if !existing.SamePayload(in) {
		return nil, false, fmt.Errorf("idempotency key %s reused with a different payload: %w", in.IdempotencyKey, apperr.ErrConflict)
	}
	return existing, false, nil
}

func validateCreate(in *CreateInput, defTimeout int) error {
	var missing []string
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		missing = append(missing, "idempotency key")
	}
	if in.CustomerID == "" {
		missing = append(missing, "customer id")
	}
	if in.TripID == "" {
		missing = append(missing, "trip id")
	}
	if len(in.Seats) == 0 {
		missing = append(missing, "seats")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), apperr.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(in.Seats))
	for _, s := range in.Seats {
		if s == "" {
			return fmt.Errorf("empty seat id: %w", apperr.ErrInvalidInput)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("seat %s selected twice: %w", s, apperr.ErrInvalidInput)
		}
		seen[s] = struct{}{}
	}
	if in.TimeoutMinutes <= 0 {
		in.TimeoutMinutes = defTimeout
		if in.TimeoutMinutes <= 0 {
			in.TimeoutMinutes = DefaultTimeoutMinutes
		}
	}
	return nil
}

// MoveToAwaitingPayment opens the payment transaction for a DRAFT booking and
// moves it to AWAITING_PAYMENT. It returns the gateway transaction id.
func (m *Manager) MoveToAwaitingPayment(ctx context.Context, bookingID, method string) (*Booking, string, error) {
	b, err := m.load(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusDraft {
		return b, "", fmt.Errorf("booking %s is %s, want %s: %w", b.ID, b.Status, StatusDraft, apperr.ErrInvalidState)
	}
	if b.Lapsed(m.now()) {
		m.expireQuietly(ctx, b.ID)
		return nil, "", fmt.Errorf("booking %s hold expired at %s: %w", b.ID, b.ExpiresAt.Format(time.RFC3339), apperr.ErrInvalidState)
	}

	want, err := expectedTotal(ctx, m.Store, b.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, "", fmt.Errorf("booking %s has no frozen pricing: %w", b.ID, apperr.ErrInvalidState)
	}
	if err != nil {
		return nil, "", err
	}
	if want != b.TotalAmount {
		return nil, "", fmt.Errorf("booking %s total %d diverges from frozen price %d: %w", b.ID, b.TotalAmount, want, apperr.ErrInvalidState)
	}

	txID, err := m.Payments.OpenPayment(ctx, b.ID, method, b.TotalAmount)
	if err != nil {
		return nil, "", fmt.Errorf("open payment: %w", err)
	}

	lapsed := false
	b, changed, err := m.mutate(ctx, bookingID, func(cur *Booking, now time.Time) (bool, error) {
		if cur.Status != StatusDraft {
			return false, fmt.Errorf("booking %s is %s, want %s: %w", cur.ID, cur.Status, StatusDraft, apperr.ErrInvalidState)
		}
		if cur.Lapsed(now) {
			lapsed = true
			return false, fmt.Errorf("booking %s hold expired: %w", cur.ID, apperr.ErrInvalidState)
		}
		return apply(cur, EventAwaitPayment), nil
	})
	if lapsed {
		m.expireQuietly(ctx, bookingID)
	}
	if err != nil {
		return nil, "", err
	}
	if changed {
		m.log().WithFields(logrus.Fields{"booking_id": b.ID, "transaction_id": txID}).Info("booking awaiting payment")
		m.publish(ctx, EventBookingAwaitingPayment, b, statusPayload(b, txID, ""))
	}
	return b, txID, nil
}

// ExpireIfLapsed moves a DRAFT or AWAITING_PAYMENT booking whose hold has run
// out to EXPIRED and releases its seats. It is a no-op in every other case,
// including when a concurrent confirmation committed first.
func (m *Manager) ExpireIfLapsed(ctx context.Context, bookingID string) (*Booking, bool, error) {
	b, changed, err := m.mutate(ctx, bookingID, func(cur *Booking, now time.Time) (bool, error) {
		if !cur.Status.Holding() || !cur.Lapsed(now) {
			return false, nil
		}
		return apply(cur, EventExpire), nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.log().WithField("booking_id", b.ID).Info("booking hold lapsed")
		m.release(ctx, b)
		m.publish(ctx, EventBookingExpired, b, statusPayload(b, "", "HOLD_LAPSED"))
	}
	return b, changed, nil
}

// expireQuietly expires a booking found lapsed on the way to another error.
func (m *Manager) expireQuietly(ctx context.Context, bookingID string) {
	if _, _, err := m.ExpireIfLapsed(ctx, bookingID); err != nil {
		m.log().WithError(err).WithField("booking_id", bookingID).Warn("expire lapsed booking")
	}
}

// ConfirmOnPaymentSuccess is driven by the payment tracker once a transaction
// reaches SUCCESS. Confirming twice is a no-op.
//
// A payment landing after expiresAt expires the booking instead: the seat hold
// shares that deadline, so the seats may already belong to someone else.
func (m *Manager) ConfirmOnPaymentSuccess(ctx context.Context, bookingID string) (*Booking, error) {
	lapsed := false
	b, changed, err := m.mutate(ctx, bookingID, func(cur *Booking, now time.Time) (bool, error) {
		lapsed = false
		switch cur.Status {
		case StatusConfirmed:
			return false, nil
		case StatusAwaitingPayment:
			if cur.Lapsed(now) {
				lapsed = true
				return apply(cur, EventExpire), nil
			}
			return apply(cur, EventConfirm), nil
		}
		return false, fmt.Errorf("confirm booking %s in %s: %w", cur.ID, cur.Status, apperr.ErrInvalidState)
	})
	if err != nil {
		return b, err
	}
	if lapsed {
		if changed {
			m.log().WithField("booking_id", b.ID).Warn("payment arrived after hold lapsed, booking expired")
			m.release(ctx, b)
			m.publish(ctx, EventBookingExpired, b, statusPayload(b, "", "HOLD_LAPSED"))
		}
		return b, fmt.Errorf("confirm booking %s: hold expired at %s: %w", b.ID, b.ExpiresAt.Format(time.RFC3339), apperr.ErrInvalidState)
	}
	if changed {
		if c, ok := m.Seats.(SeatCommitter); ok {
			if err := c.CommitSeats(ctx, b.LockGroupID); err != nil {
				m.log().WithError(err).WithField("booking_id", b.ID).Error("commit seat hold")
			}
		}
		m.log().WithField("booking_id", b.ID).Info("booking confirmed")
		m.publish(ctx, EventBookingConfirmed, b, statusPayload(b, "", ""))
	}
	return b, nil
}

// CancelOnPaymentFailure is driven by the payment tracker once a transaction
// reaches FAILED. A booking already cancelled or expired is left alone.
func (m *Manager) CancelOnPaymentFailure(ctx context.Context, bookingID string) (*Booking, error) {
	return m.cancel(ctx, bookingID, "PAYMENT_FAILED", func(cur *Booking) (bool, error) {
		switch cur.Status {
		case StatusCancelled, StatusExpired:
			return false, nil
		case StatusAwaitingPayment:
			return apply(cur, EventCancel), nil
		}
		return false, fmt.Errorf("cancel booking %s in %s: %w", cur.ID, cur.Status, apperr.ErrInvalidState)
	})
}

// Cancel is the explicit customer cancellation of a booking still holding seats.
func (m *Manager) Cancel(ctx context.Context, bookingID string) (*Booking, error) {
	return m.cancel(ctx, bookingID, "CUSTOMER_CANCELLED", func(cur *Booking) (bool, error) {
		if cur.Status == StatusCancelled {
			return false, nil
		}
		if _, ok := Next(cur.Status, EventCancel); !ok {
			return false, fmt.Errorf("cancel booking %s in %s: %w", cur.ID, cur.Status, apperr.ErrInvalidState)
		}
		return apply(cur, EventCancel), nil
	})
}

func (m *Manager) cancel(ctx context.Context, bookingID, reason string, fn func(cur *Booking) (bool, error)) (*Booking, error) {
	b, changed, err := m.mutate(ctx, bookingID, func(cur *Booking, _ time.Time) (bool, error) {
		return fn(cur)
	})
	if err != nil {
		return b, err
	}
	if changed {
		m.log().WithFields(logrus.Fields{"booking_id": b.ID, "reason": reason}).Info("booking cancelled")
		m.release(ctx, b)
		m.publish(ctx, EventBookingCancelled, b, statusPayload(b, "", reason))
	}
	return b, nil
}

// Get returns a booking, expiring it first when its hold has lapsed. A lapsed
// booking comes back as EXPIRED, never as not found.
func (m *Manager) Get(ctx context.Context, bookingID string) (*Booking, error) {
	b, _, err := m.ExpireIfLapsed(ctx, bookingID)
	return b, err
}

// SoftDelete marks a finished booking deleted by actor.
func (m *Manager) SoftDelete(ctx context.Context, bookingID, actor string) (*Booking, error) {
	b, _, err := m.mutateAny(ctx, bookingID, func(cur *Booking, now time.Time) (bool, error) {
		if cur.IsDeleted {
			return false, nil
		}
		if !cur.Status.Terminal() {
			return false, fmt.Errorf("delete booking %s in %s: %w", cur.ID, cur.Status, apperr.ErrInvalidState)
		}
		cur.IsDeleted = true
		cur.DeletedAt = &now
		cur.DeletedBy = &actor
		return true, nil
	})
	return b, err
}

// SweepExpired expires up to limit bookings whose hold ran out.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	ids, err := m.Store.ListLapsedBookings(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, changed, err := m.ExpireIfLapsed(ctx, id)
		if err != nil {
			m.log().WithError(err).WithField("booking_id", id).Warn("expiry sweep")
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (m *Manager) load(ctx context.Context, id string) (*Booking, error) {
	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.IsDeleted {
		return nil, fmt.Errorf("booking %s: %w", id, apperr.ErrNotFound)
	}
	return b, nil
}

// mutate runs fn against the current booking and writes the result only if
// the version is unchanged since the read, retrying on conflict.
func (m *Manager) mutate(ctx context.Context, id string, fn func(cur *Booking, now time.Time) (bool, error)) (*Booking, bool, error) {
	return m.mutateAny(ctx, id, func(cur *Booking, now time.Time) (bool, error) {
		if cur.IsDeleted {
			return false, fmt.Errorf("booking %s: %w", id, apperr.ErrNotFound)
		}
		return fn(cur, now)
	})
}

func (m *Manager) mutateAny(ctx context.Context, id string, fn func(cur *Booking, now time.Time) (bool, error)) (*Booking, bool, error) {
	for attempt := 0; attempt < m.retries(); attempt++ {
		cur, err := m.Store.GetBooking(ctx, id)
		if err != nil {
			return nil, false, err
		}
		now := m.now()
		read := cur.Version
		changed, err := fn(cur, now)
		if err != nil {
			return cur, false, err
		}
		if !changed {
			return cur, false, nil
		}
		cur.UpdatedAt = now
		err = m.Store.UpdateBooking(ctx, cur, read)
		if err == nil {
			return cur, true, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, false, err
		}
		m.log().WithFields(logrus.Fields{"booking_id": id, "attempt": attempt + 1}).Debug("booking version conflict, re-reading")
	}
	return nil, false, fmt.Errorf("booking %s: gave up after %d attempts: %w", id, m.retries(), apperr.ErrConflict)
}

func apply(b *Booking, ev Event) bool {
	to, ok := Next(b.Status, ev)
	if !ok {
		return false
	}
	b.Status = to
	return true
}

func (m *Manager) release(ctx context.Context, b *Booking) {
	if m.Seats == nil {
		return
	}
	// the hold's own TTL still frees the seats if this fails
	if err := m.Seats.ReleaseSeats(ctx, b.LockGroupID); err != nil {
		m.log().WithError(err).WithFields(logrus.Fields{"booking_id": b.ID, "lock_group_id": b.LockGroupID}).Warn("release seat hold")
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, b *Booking, payload any) {
	if m.Events == nil {
		return
	}
	ev, err := newEnvelope(eventType, m.Service, b.ID, m.now(), payload)
	if err == nil {
		err = m.Events.Publish(ctx, ev)
	}
	if err != nil {
		m.log().WithError(err).WithFields(logrus.Fields{"booking_id": b.ID, "event": eventType}).Warn("publish booking event")
	}
}

func statusPayload(b *Booking, txID, reason string) BookingStatusPayload {
	return BookingStatusPayload{
		BookingID:     b.ID,
		BookingCode:   b.BookingCode,
		Status:        b.Status,
		LockGroupID:   b.LockGroupID,
		TotalAmount:   b.TotalAmount,
		TransactionID: txID,
		Reason:        reason,
	}
}

func newBookingCode(now time.Time) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BK" + now.Format("060102") + strings.ToUpper(r[:6])
}
