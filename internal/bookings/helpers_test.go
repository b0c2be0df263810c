package bookings_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/memstore"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFares prices every seat at PerSeat with neutral factors.
type fakeFares struct {
	mu        sync.Mutex
	PerSeat   int64
	CallCount int
	Err       error
}

func (f *fakeFares) ComputeFare(_ context.Context, _ string, seats []string) (bookings.FareBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount++
	if f.Err != nil {
		return bookings.FareBreakdown{}, f.Err
	}
	base := f.PerSeat * int64(len(seats))
	return bookings.FareBreakdown{
		BaseFare:      base,
		VehicleFactor: decimal.NewFromInt(1),
		FloorFactor:   decimal.NewFromInt(1),
		SeatFactor:    decimal.NewFromInt(1),
		FinalPrice:    base,
	}, nil
}

func (f *fakeFares) SetPerSeat(p int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PerSeat = p
}

type fakePromos struct {
	mu        sync.Mutex
	Off       int64
	CallCount int
}

func (p *fakePromos) ApplyPromotion(_ context.Context, code string, base int64) (bookings.Discount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCount++
	return bookings.Discount{
		PromotionID:    "promo-" + code,
		PromotionCode:  code,
		PolicyType:     "FIXED",
		DiscountAmount: p.Off,
		MaxOff:         p.Off,
	}, nil
}

type fakeSeats struct {
	mu       sync.Mutex
	Held     map[string][]string
	Released []string
	HoldErr  error
}

func (s *fakeSeats) HoldSeats(_ context.Context, group, _ string, seats []string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HoldErr != nil {
		return s.HoldErr
	}
	if s.Held == nil {
		s.Held = map[string][]string{}
	}
	s.Held[group] = seats
	return nil
}

func (s *fakeSeats) ReleaseSeats(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Released = append(s.Released, group)
	delete(s.Held, group)
	return nil
}

func (s *fakeSeats) ReleaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Released)
}

type openCall struct {
	BookingID string
	Method    string
	Amount    int64
}

type fakeOpener struct {
	mu    sync.Mutex
	Calls []openCall
}

func (o *fakeOpener) OpenPayment(_ context.Context, bookingID, method string, amount int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, openCall{bookingID, method, amount})
	return "PAY-" + bookingID, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	Events []bookings.Envelope
}

func (p *fakePublisher) Publish(_ context.Context, ev bookings.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
	return nil
}

func (p *fakePublisher) Count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.Events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// conflictStore fails the first FailUpdates booking updates with a version conflict.
type conflictStore struct {
	*memstore.Store
	mu          sync.Mutex
	FailUpdates int
	CallCount   int
}

func (s *conflictStore) UpdateBooking(ctx context.Context, b *bookings.Booking, expected int64) error {
	s.mu.Lock()
	s.CallCount++
	fail := s.CallCount <= s.FailUpdates
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("injected: %w", apperr.ErrVersionConflict)
	}
	return s.Store.UpdateBooking(ctx, b, expected)
}

type fixture struct {
	store  *memstore.Store
	clock  *fakeClock
	fares  *fakeFares
	promos *fakePromos
	seats  *fakeSeats
	opener *fakeOpener
	events *fakePublisher
	m      *bookings.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{
		store:  memstore.New(),
		clock:  &fakeClock{now: t0},
		fares:  &fakeFares{PerSeat: 250_000},
		promos: &fakePromos{Off: 50_000},
		seats:  &fakeSeats{},
		opener: &fakeOpener{},
		events: &fakePublisher{},
	}
	f.m = &bookings.Manager{
		Store:      f.store,
		Fares:      f.fares,
		Promotions: f.promos,
		Seats:      f.seats,
		Payments:   f.opener,
		Events:     f.events,
		Log:        logger,
		Now:        f.clock.Now,
		Service:    "booking-test",
	}
	return f
}

func createInput(key string) bookings.CreateInput {
	return bookings.CreateInput{
		IdempotencyKey: key,
		CustomerID:     "cust-1",
		TripID:         "trip-42",
		Seats:          []string{"A1", "A2"},
		TimeoutMinutes: 15,
	}
}

func mustCreate(t *testing.T, f *fixture, in bookings.CreateInput) *bookings.Booking {
	t.Helper()
	b, created, err := f.m.CreateBooking(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if !created {
		t.Fatalf("CreateBooking: expected a new booking")
	}
	return b
}

func mustAwait(t *testing.T, f *fixture, id string) *bookings.Booking {
	t.Helper()
	b, _, err := f.m.MoveToAwaitingPayment(context.Background(), id, "VNPAY")
	if err != nil {
		t.Fatalf("MoveToAwaitingPayment: %v", err)
	}
	return b
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
