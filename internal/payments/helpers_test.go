package payments_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/momo"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/vnpay"
	"github.com/ariefcatur/go-realtime-bookings/internal/memstore"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flatFares struct{ perSeat int64 }

func (f flatFares) ComputeFare(_ context.Context, _ string, seats []string) (bookings.FareBreakdown, error) {
	p := f.perSeat * int64(len(seats))
	one := decimal.NewFromInt(1)
	return bookings.FareBreakdown{BaseFare: p, VehicleFactor: one, FloorFactor: one, SeatFactor: one, FinalPrice: p}, nil
}

type noSeats struct{}

func (noSeats) HoldSeats(context.Context, string, string, []string, time.Duration) error { return nil }
func (noSeats) ReleaseSeats(context.Context, string) error                               { return nil }

// flakyStore fails the first FailGets transaction reads.
type flakyStore struct {
	*memstore.Store
	mu        sync.Mutex
	FailGets  int
	CallCount int
}

func (s *flakyStore) GetTransaction(ctx context.Context, id string) (*payments.Transaction, error) {
	s.mu.Lock()
	s.CallCount++
	fail := s.CallCount <= s.FailGets
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.Store.GetTransaction(ctx, id)
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, provider, hash string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[provider+hash], nil
}

func (d *memDedup) Mark(_ context.Context, provider, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[provider+hash] = true
	return nil
}

const (
	vnpTmn    = "BOOKTEST"
	vnpSecret = "vnp-secret"
	momoCode  = "MOMOTEST"
	momoKey   = "momo-access"
	momoSec   = "momo-secret"
)

type env struct {
	store    *memstore.Store
	clock    *clock
	log      *test.Hook
	manager  *bookings.Manager
	tracker  *payments.Tracker
	ingestor *payments.Ingestor
	vnp      *vnpay.Client
	momo     *momo.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e := &env{store: memstore.New(), clock: &clock{now: t0}, log: hook}
	e.vnp = vnpay.New(vnpay.Config{TmnCode: vnpTmn, HashSecret: vnpSecret})
	e.momo = momo.New(momo.Config{PartnerCode: momoCode, AccessKey: momoKey, SecretKey: momoSec})
	e.manager = &bookings.Manager{
		Store:  e.store,
		Fares:  flatFares{perSeat: 200_000},
		Seats:  noSeats{},
		Events: bookings.NoopPublisher,
		Log:    logger,
		Now:    e.clock.Now,
	}
	e.tracker = &payments.Tracker{Store: e.store, Bookings: e.manager, Now: e.clock.Now, Log: logger}
	e.manager.Payments = e.tracker
	e.ingestor = &payments.Ingestor{
		Store:   e.store,
		Tracker: e.tracker,
		Parsers: map[string]payments.Parser{vnpay.Provider: e.vnp, momo.Provider: e.momo},
		Now:     e.clock.Now,
		Log:     logger,
	}
	return e
}

// awaiting creates a booking for two seats and moves it to AWAITING_PAYMENT.
func (e *env) awaiting(t *testing.T, key string, method payments.Method) (*bookings.Booking, *payments.Transaction) {
	t.Helper()
	ctx := context.Background()
	b, _, err := e.manager.CreateBooking(ctx, bookings.CreateInput{
		IdempotencyKey: key,
		CustomerID:     "cust-1",
		TripID:         "trip-1",
		Seats:          []string{"B1", "B2"},
		TimeoutMinutes: 15,
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	b, txID, err := e.manager.MoveToAwaitingPayment(ctx, b.ID, string(method))
	if err != nil {
		t.Fatalf("MoveToAwaitingPayment: %v", err)
	}
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	return b, tx
}

func (e *env) vnpayIPN(t *testing.T, txID string, amount int64, code string) []byte {
	t.Helper()
	raw, err := e.vnp.Synthesize(payments.ReconciliationData{
		GatewayStatus: code,
		Amount:        amount,
		TransactionID: txID,
		OrderRef:      "14123456",
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (e *env) momoIPN(t *testing.T, txID string, amount int64, code int) []byte {
	t.Helper()
	raw, err := e.momo.Synthesize(payments.ReconciliationData{
		GatewayStatus: fmt.Sprint(code),
		Amount:        amount,
		TransactionID: txID,
		OrderRef:      "2890011223",
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (e *env) bookingStatus(t *testing.T, id string) bookings.Status {
	t.Helper()
	b, err := e.store.GetBooking(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return b.Status
}

func (e *env) txStatus(t *testing.T, txID string) payments.Status {
	t.Helper()
	tx, err := e.store.GetTransaction(context.Background(), txID)
	if err != nil {
		t.Fatal(err)
	}
	return tx.Status
}

func (e *env) logs(t *testing.T, txID string) []*payments.WebhookLog {
	t.Helper()
	logs, err := e.store.ListWebhookLogs(context.Background(), txID)
	if err != nil {
		t.Fatal(err)
	}
	return logs
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
