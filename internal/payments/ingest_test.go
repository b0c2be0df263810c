package payments_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/momo"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/vnpay"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

func TestIngestHappyPath(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a 15 minute hold When a matching 00 webhook arrives 2 minutes later Then the booking is CONFIRMED", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		if tx.Amount != b.TotalAmount || tx.Status != payments.StatusInitiated {
			t.Fatalf("transaction %+v does not match booking total %d", tx, b.TotalAmount)
		}
		e.clock.Advance(2 * time.Minute)

		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00"))
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if !res.Applied || res.Duplicate {
			t.Errorf("result = %+v", res)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusConfirmed {
			t.Errorf("booking = %s, want CONFIRMED", got)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusSuccess {
			t.Errorf("transaction = %s, want SUCCESS", got)
		}
		logs := e.logs(t, tx.TransactionID)
		if len(logs) != 1 || logs[0].ProcessingStatus != payments.ProcessingApplied {
			t.Fatalf("logs = %+v", logs)
		}
	})

	t.Run("Given a MoMo payment When resultCode 0 arrives Then the booking is CONFIRMED", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodMoMo)
		if _, err := e.ingestor.Ingest(ctx, momo.Provider, e.momoIPN(t, tx.TransactionID, tx.Amount, 0)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusConfirmed {
			t.Errorf("booking = %s", got)
		}
	})

	t.Run("Given a pending code then a success code Then both are applied in order", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)

		if _, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "01")); err != nil {
			t.Fatal(err)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusProcessing {
			t.Fatalf("transaction = %s, want PROCESSING", got)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusAwaitingPayment {
			t.Fatalf("booking = %s", got)
		}
		if _, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00")); err != nil {
			t.Fatal(err)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusSuccess {
			t.Errorf("transaction = %s", got)
		}
		for _, l := range e.logs(t, tx.TransactionID) {
			if l.ProcessingStatus != payments.ProcessingApplied {
				t.Errorf("log %s = %s", l.ID, l.ProcessingStatus)
			}
		}
	})

	t.Run("Given a failure code Then the transaction FAILS and the booking is CANCELLED", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		if _, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "24")); err != nil {
			t.Fatal(err)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusFailed {
			t.Errorf("transaction = %s", got)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusCancelled {
			t.Errorf("booking = %s", got)
		}
	})
}

func TestIngestDedup(t *testing.T) {
	ctx := context.Background()

	t.Run("Given the same bytes N times Then exactly one APPLIED log and one transition", func(t *testing.T) {
		e := newEnv(t)
		_, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		raw := e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00")

		for i := 0; i < 5; i++ {
			res, err := e.ingestor.Ingest(ctx, vnpay.Provider, raw)
			if err != nil {
				t.Fatalf("delivery %d: %v", i, err)
			}
			if (i > 0) != res.Duplicate {
				t.Errorf("delivery %d: duplicate=%v", i, res.Duplicate)
			}
		}
		if n := e.store.WebhookLogCount(); n != 1 {
			t.Errorf("logs = %d, want 1", n)
		}
		after, _ := e.store.GetTransaction(ctx, tx.TransactionID)
		if after.Version != tx.Version+1 {
			t.Errorf("transaction version %d, want %d", after.Version, tx.Version+1)
		}
	})

	t.Run("Given concurrent deliveries of one payload Then exactly one is applied", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodMoMo)
		raw := e.momoIPN(t, tx.TransactionID, tx.Amount, 0)

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.ingestor.Ingest(ctx, momo.Provider, raw)
				if err != nil {
					t.Errorf("Ingest: %v", err)
					return
				}
				if res.Applied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if applied != 1 {
			t.Errorf("applied %d times, want 1", applied)
		}
		logs := e.logs(t, tx.TransactionID)
		if len(logs) != 1 || logs[0].ProcessingStatus != payments.ProcessingApplied {
			t.Errorf("logs = %+v", logs)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusConfirmed {
			t.Errorf("booking = %s", got)
		}
	})

	t.Run("Given re-indented JSON of a delivered payload Then it is a duplicate", func(t *testing.T) {
		e := newEnv(t)
		_, tx := e.awaiting(t, "key-1", payments.MethodMoMo)
		raw := e.momoIPN(t, tx.TransactionID, tx.Amount, 0)
		if _, err := e.ingestor.Ingest(ctx, momo.Provider, raw); err != nil {
			t.Fatal(err)
		}
		spaced := append([]byte("\n  "), bytes.ReplaceAll(raw, []byte(`,"`), []byte(`, "`))...)
		res, err := e.ingestor.Ingest(ctx, momo.Provider, spaced)
		if err != nil || !res.Duplicate {
			t.Fatalf("res=%+v err=%v", res, err)
		}
	})

	t.Run("Given a dedup cache hit Then the log is not consulted", func(t *testing.T) {
		e := newEnv(t)
		e.ingestor.Dedup = &memDedup{}
		_, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		raw := e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00")
		if _, err := e.ingestor.Ingest(ctx, vnpay.Provider, raw); err != nil {
			t.Fatal(err)
		}
		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, raw)
		if err != nil || !res.Duplicate || res.Log != nil {
			t.Fatalf("res=%+v err=%v", res, err)
		}
	})
}

func TestIngestRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("Given an amount mismatch Then REJECTED and the transaction is untouched", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)

		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount-1000, "00"))
		wantErr(t, err, apperr.ErrAmountMismatch)
		if res.Log.ProcessingStatus != payments.ProcessingRejected {
			t.Errorf("log = %s", res.Log.ProcessingStatus)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusInitiated {
			t.Errorf("transaction = %s, want INITIATED", got)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusAwaitingPayment {
			t.Errorf("booking = %s", got)
		}
		if last := e.log.LastEntry(); last == nil || last.Level != logrus.WarnLevel {
			t.Errorf("expected a warning for manual review, got %+v", last)
		}

		// a redelivery of the same bytes stays rejected
		res, err = e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount-1000, "00"))
		if err != nil || !res.Duplicate {
			t.Fatalf("redelivery: res=%+v err=%v", res, err)
		}
	})

	t.Run("Given a forged signature Then REJECTED as malformed", func(t *testing.T) {
		e := newEnv(t)
		_, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		raw := e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00")
		forged := bytes.Replace(raw, []byte("vnp_ResponseCode=00"), []byte("vnp_ResponseCode=01"), 1)

		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, forged)
		wantErr(t, err, apperr.ErrMalformedPayload)
		if res.Log.ProcessingStatus != payments.ProcessingRejected {
			t.Errorf("log = %s", res.Log.ProcessingStatus)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusInitiated {
			t.Errorf("transaction = %s", got)
		}
	})

	t.Run("Given an unknown provider Then ErrInvalidInput", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.ingestor.Ingest(ctx, "paypal", []byte(`{}`))
		wantErr(t, err, apperr.ErrInvalidInput)
	})

	t.Run("Given success after the hold lapsed but before any sweep Then the booking expires and the payment goes to REFUND_REVIEW", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		e.clock.Advance(40 * time.Minute)

		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00"))
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if res.Log.ProcessingStatus != payments.ProcessingRefundReview {
			t.Errorf("log = %s, want REFUND_REVIEW", res.Log.ProcessingStatus)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusSuccess {
			t.Errorf("transaction = %s", got)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusExpired {
			t.Errorf("booking = %s, want EXPIRED", got)
		}
	})

	t.Run("Given success after the hold expired Then REFUND_REVIEW and the booking stays EXPIRED", func(t *testing.T) {
		e := newEnv(t)
		b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
		e.clock.Advance(20 * time.Minute)
		if _, _, err := e.manager.ExpireIfLapsed(ctx, b.ID); err != nil {
			t.Fatal(err)
		}

		res, err := e.ingestor.Ingest(ctx, vnpay.Provider, e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00"))
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if res.Log.ProcessingStatus != payments.ProcessingRefundReview {
			t.Errorf("log = %s, want REFUND_REVIEW", res.Log.ProcessingStatus)
		}
		if got := e.txStatus(t, tx.TransactionID); got != payments.StatusSuccess {
			t.Errorf("transaction = %s", got)
		}
		if got := e.bookingStatus(t, b.ID); got != bookings.StatusExpired {
			t.Errorf("booking = %s", got)
		}
	})
}

func TestIngestRetriesErroredLog(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b, tx := e.awaiting(t, "key-1", payments.MethodVNPay)
	flaky := &flakyStore{Store: e.store, FailGets: 1}
	e.ingestor.Store = flaky
	raw := e.vnpayIPN(t, tx.TransactionID, tx.Amount, "00")

	res, err := e.ingestor.Ingest(ctx, vnpay.Provider, raw)
	if err == nil || res.Log.ProcessingStatus != payments.ProcessingError {
		t.Fatalf("first: res=%+v err=%v", res.Log, err)
	}

	res, err = e.ingestor.Ingest(ctx, vnpay.Provider, raw)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Duplicate || res.Log.ProcessingStatus != payments.ProcessingApplied || res.Log.Attempts != 2 {
		t.Errorf("retry log = %+v", res.Log)
	}
	if got := e.bookingStatus(t, b.ID); got != bookings.StatusConfirmed {
		t.Errorf("booking = %s", got)
	}
	if n := e.store.WebhookLogCount(); n != 1 {
		t.Errorf("logs = %d, want 1", n)
	}
}
