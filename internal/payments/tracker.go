package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

const defaultMaxRetries = 5

// BookingFinalizer is the slice of bookings.Manager the tracker drives.
// Both calls must be idempotent.
type BookingFinalizer interface {
	ConfirmOnPaymentSuccess(ctx context.Context, bookingID string) (*bookings.Booking, error)
	CancelOnPaymentFailure(ctx context.Context, bookingID string) (*bookings.Booking, error)
}

// Tracker owns the payment transaction state machine.
type Tracker struct {
	Store      Store
	Bookings   BookingFinalizer
	Now        bookings.Clock
	Log        logrus.FieldLogger
	MaxRetries int
}

func (t *Tracker) now() time.Time {
	if t.Now == nil {
		return bookings.SystemClock()
	}
	return t.Now()
}

func (t *Tracker) log() logrus.FieldLogger {
	if t.Log == nil {
		return logrus.StandardLogger()
	}
	return t.Log
}

func (t *Tracker) retries() int {
	if t.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return t.MaxRetries
}

// Open creates the INITIATED transaction for bookingID. Opening again with the
// same method and amount returns the existing transaction.
func (t *Tracker) Open(ctx context.Context, bookingID string, method Method, amount int64) (*Transaction, error) {
	if bookingID == "" || amount <= 0 {
		return nil, fmt.Errorf("open payment: booking %q amount %d: %w", bookingID, amount, apperr.ErrInvalidInput)
	}
	if existing, err := t.Store.GetTransactionByBooking(ctx, bookingID); err == nil {
		return sameOpen(existing, method, amount)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := t.now()
	tx := &Transaction{
		ID:            uuid.NewString(),
		BookingID:     bookingID,
		TransactionID: newTransactionID(now),
		Method:        method,
		Status:        StatusInitiated,
		Amount:        amount,
		Time:          now,
		Version:       1,
		Audit:         bookings.Audit{CreatedAt: now, UpdatedAt: now},
	}
	if err := t.Store.InsertTransaction(ctx, tx); err != nil {
		if !errors.Is(err, apperr.ErrDuplicate) {
			return nil, err
		}
		existing, getErr := t.Store.GetTransactionByBooking(ctx, bookingID)
		if getErr != nil {
			return nil, err
		}
		return sameOpen(existing, method, amount)
	}
	t.log().WithFields(logrus.Fields{
		"booking_id":     bookingID,
		"transaction_id": tx.TransactionID,
		"method":         method,
		"amount":         amount,
	}).Info("payment opened")
	return tx, nil
}

func sameOpen(existing *Transaction, method Method, amount int64) (*Transaction, error) {
	if existing.Amount != amount || existing.Method != method {
		return nil, fmt.Errorf("booking %s already has %s payment of %d: %w",
			existing.BookingID, existing.Method, existing.Amount, apperr.ErrConflict)
	}
	return existing, nil
}

// OpenPayment adapts Open to bookings.PaymentOpener.
func (t *Tracker) OpenPayment(ctx context.Context, bookingID, method string, amount int64) (string, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput)
	}
	tx, err := t.Open(ctx, bookingID, m, amount)
	if err != nil {
		return "", err
	}
	return tx.TransactionID, nil
}

// ApplyGatewayResult moves a transaction toward status. applied reports whether
// this call made the transition; a terminal transaction is returned as it is.
//
// On SUCCESS the booking is confirmed and on FAILED it is cancelled. The
// booking call is repeated for already-terminal transactions, so a crash
// between the two writes heals on the next delivery.
func (t *Tracker) ApplyGatewayResult(ctx context.Context, transactionID string, status Status, note string) (tx *Transaction, applied bool, err error) {
	log := t.log().WithFields(logrus.Fields{"transaction_id": transactionID, "status": status})
	for attempt := 0; attempt < t.retries(); attempt++ {
		tx, err = t.Store.GetTransaction(ctx, transactionID)
		if err != nil {
			return nil, false, err
		}
		if tx.Status.Terminal() {
			if status.Terminal() && status != tx.Status {
				log.WithField("current", tx.Status).Warn("conflicting terminal result ignored")
			}
			return tx, false, t.finalize(ctx, tx)
		}
		if !CanTransition(tx.Status, status) {
			return tx, false, nil
		}

		read := tx.Version
		tx.Status = status
		if note != "" {
			tx.GatewayNote = note
		}
		tx.UpdatedAt = t.now()
		err = t.Store.UpdateTransaction(ctx, tx, read)
		if err == nil {
			log.WithField("booking_id", tx.BookingID).Info("payment status applied")
			if status.Terminal() {
				return tx, true, t.finalize(ctx, tx)
			}
			return tx, true, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, false, err
		}
		log.WithField("attempt", attempt+1).Debug("payment version conflict, re-reading")
	}
	return nil, false, fmt.Errorf("payment %s: gave up after %d attempts: %w", transactionID, t.retries(), apperr.ErrConflict)
}

func (t *Tracker) finalize(ctx context.Context, tx *Transaction) error {
	if t.Bookings == nil {
		return nil
	}
	var err error
	switch tx.Status {
	case StatusSuccess:
		_, err = t.Bookings.ConfirmOnPaymentSuccess(ctx, tx.BookingID)
	case StatusFailed:
		_, err = t.Bookings.CancelOnPaymentFailure(ctx, tx.BookingID)
	}
	if err != nil {
		return fmt.Errorf("finalize booking %s after %s: %w", tx.BookingID, tx.Status, err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, transactionID string) (*Transaction, error) {
	return t.Store.GetTransaction(ctx, transactionID)
}

func (t *Tracker) GetByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	return t.Store.GetTransactionByBooking(ctx, bookingID)
}

// ListStale returns open transactions untouched for longer than olderThan.
func (t *Tracker) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Transaction, error) {
	return t.Store.ListStaleTransactions(ctx, t.now().Add(-olderThan), limit)
}

// Touch bumps updated_at on an open transaction the gateway had no final word
// on, so the stale sweep rotates to other rows. A transaction that moved since
// tx was read is left as it is.
func (t *Tracker) Touch(ctx context.Context, tx *Transaction) error {
	next := tx.Clone()
	next.UpdatedAt = t.now()
	err := t.Store.UpdateTransaction(ctx, next, tx.Version)
	if errors.Is(err, apperr.ErrVersionConflict) {
		return nil
	}
	return err
}

// Transaction ids double as the gateway order reference (vnp_TxnRef, MoMo
// orderId), so they stay alphanumeric.
func newTransactionID(now time.Time) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY" + now.Format("060102150405") + strings.ToUpper(r[:8])
}
