// Package memstore keeps bookings and payments in process memory. It enforces
// the same unique keys and version checks as the Postgres schema, so it backs
// tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

type Store struct {
	mu sync.Mutex

	bookings   map[string]*bookings.Booking // by id
	byIdemKey  map[string]string
	byCode     map[string]string
	snapshots  map[string]*bookings.PricingSnapshot // by booking id
	promotions map[string]*bookings.AppliedPromotion

	txs       map[string]*payments.Transaction // by transaction id
	txBooking map[string]string
	logs      map[string]*payments.WebhookLog // by id
	logKey    map[string]string               // provider|hash -> id
}

var (
	_ bookings.Store = (*Store)(nil)
	_ payments.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		bookings:   map[string]*bookings.Booking{},
		byIdemKey:  map[string]string{},
		byCode:     map[string]string{},
		snapshots:  map[string]*bookings.PricingSnapshot{},
		promotions: map[string]*bookings.AppliedPromotion{},
		txs:        map[string]*payments.Transaction{},
		txBooking:  map[string]string{},
		logs:       map[string]*payments.WebhookLog{},
		logKey:     map[string]string{},
	}
}

// ---- bookings ----

func (s *Store) InsertBooking(_ context.Context, b *bookings.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s: %w", b.ID, apperr.ErrDuplicate)
	}
	if _, ok := s.byIdemKey[b.IdempotencyKey]; ok {
		return fmt.Errorf("idempotency key %s: %w", b.IdempotencyKey, apperr.ErrDuplicate)
	}
	if _, ok := s.byCode[b.BookingCode]; ok {
		return fmt.Errorf("booking code %s: %w", b.BookingCode, apperr.ErrDuplicate)
	}
	s.bookings[b.ID] = b.Clone()
	s.byIdemKey[b.IdempotencyKey] = b.ID
	s.byCode[b.BookingCode] = b.ID
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*bookings.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, apperr.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *Store) GetBookingByIdempotencyKey(_ context.Context, key string) (*bookings.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, apperr.ErrNotFound)
	}
	return s.bookings[id].Clone(), nil
}

func (s *Store) UpdateBooking(_ context.Context, b *bookings.Booking, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[b.ID]
	if !ok {
		return fmt.Errorf("booking %s: %w", b.ID, apperr.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("booking %s at version %d, expected %d: %w", b.ID, cur.Version, expectedVersion, apperr.ErrVersionConflict)
	}
	b.Version = expectedVersion + 1
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *Store) ListLapsedBookings(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lapsed []*bookings.Booking
	for _, b := range s.bookings {
		if !b.IsDeleted && b.Status.Holding() && b.Lapsed(now) {
			lapsed = append(lapsed, b)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].ExpiresAt.Before(lapsed[j].ExpiresAt) })
	if limit > 0 && len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	ids := make([]string, len(lapsed))
	for i, b := range lapsed {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *Store) InsertPricingSnapshot(_ context.Context, p *bookings.PricingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[p.BookingID]; ok {
		return fmt.Errorf("pricing snapshot for %s: %w", p.BookingID, apperr.ErrDuplicate)
	}
	cp := *p
	s.snapshots[p.BookingID] = &cp
	return nil
}

func (s *Store) GetPricingSnapshot(_ context.Context, bookingID string) (*bookings.PricingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.snapshots[bookingID]
	if !ok {
		return nil, fmt.Errorf("pricing snapshot for %s: %w", bookingID, apperr.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) InsertAppliedPromotion(_ context.Context, p *bookings.AppliedPromotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promotions[p.BookingID]; ok {
		return fmt.Errorf("applied promotion for %s: %w", p.BookingID, apperr.ErrDuplicate)
	}
	cp := *p
	s.promotions[p.BookingID] = &cp
	return nil
}

func (s *Store) GetAppliedPromotion(_ context.Context, bookingID string) (*bookings.AppliedPromotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[bookingID]
	if !ok {
		return nil, fmt.Errorf("applied promotion for %s: %w", bookingID, apperr.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ---- payments ----

func (s *Store) InsertTransaction(_ context.Context, t *payments.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[t.TransactionID]; ok {
		return fmt.Errorf("transaction %s: %w", t.TransactionID, apperr.ErrDuplicate)
	}
	if _, ok := s.txBooking[t.BookingID]; ok {
		return fmt.Errorf("transaction for booking %s: %w", t.BookingID, apperr.ErrDuplicate)
	}
	s.txs[t.TransactionID] = t.Clone()
	s.txBooking[t.BookingID] = t.TransactionID
	return nil
}

func (s *Store) GetTransaction(_ context.Context, transactionID string) (*payments.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, apperr.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) GetTransactionByBooking(_ context.Context, bookingID string) (*payments.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.txBooking[bookingID]
	if !ok {
		return nil, fmt.Errorf("transaction for booking %s: %w", bookingID, apperr.ErrNotFound)
	}
	return s.txs[id].Clone(), nil
}

func (s *Store) UpdateTransaction(_ context.Context, t *payments.Transaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[t.TransactionID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.TransactionID, apperr.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("transaction %s at version %d, expected %d: %w", t.TransactionID, cur.Version, expectedVersion, apperr.ErrVersionConflict)
	}
	t.Version = expectedVersion + 1
	s.txs[t.TransactionID] = t.Clone()
	return nil
}

func (s *Store) ListStaleTransactions(_ context.Context, updatedBefore time.Time, limit int) ([]*payments.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payments.Transaction
	for _, t := range s.txs {
		if !t.Status.Terminal() && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertWebhookLog(_ context.Context, l *payments.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := l.Provider + "|" + l.PayloadHash
	if _, ok := s.logKey[key]; ok {
		return fmt.Errorf("webhook log %s: %w", key, apperr.ErrDuplicate)
	}
	s.logs[l.ID] = l.Clone()
	s.logKey[key] = l.ID
	return nil
}

func (s *Store) GetWebhookLog(_ context.Context, provider, payloadHash string) (*payments.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.logKey[provider+"|"+payloadHash]
	if !ok {
		return nil, fmt.Errorf("webhook log %s|%s: %w", provider, payloadHash, apperr.ErrNotFound)
	}
	return s.logs[id].Clone(), nil
}

func (s *Store) ClaimWebhookLog(_ context.Context, id string, from payments.ProcessingStatus, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return fmt.Errorf("webhook log %s: %w", id, apperr.ErrNotFound)
	}
	if l.ProcessingStatus != from || l.Attempts != attempts {
		return fmt.Errorf("webhook log %s moved on: %w", id, apperr.ErrVersionConflict)
	}
	l.ProcessingStatus = payments.ProcessingReceived
	l.Attempts++
	l.LastAttemptAt = at
	l.UpdatedAt = at
	return nil
}

func (s *Store) UpdateWebhookLog(_ context.Context, l *payments.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.logs[l.ID]
	if !ok {
		return fmt.Errorf("webhook log %s: %w", l.ID, apperr.ErrNotFound)
	}
	cur.TransactionID = l.TransactionID
	cur.ProcessingStatus = l.ProcessingStatus
	cur.Note = l.Note
	cur.UpdatedAt = l.UpdatedAt
	return nil
}

func (s *Store) ListWebhookLogs(_ context.Context, transactionID string) ([]*payments.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*payments.WebhookLog
	for _, l := range s.logs {
		if l.TransactionID == transactionID {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// WebhookLogCount is the number of log rows, whatever their status.
func (s *Store) WebhookLogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// BookingCount is the number of booking rows, deleted ones included.
func (s *Store) BookingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bookings)
}
