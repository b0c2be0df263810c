package bookings_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/memstore"
)

func TestCreateBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a new idempotency key When CreateBooking Then a DRAFT booking holds the seats", func(t *testing.T) {
		f := newFixture(t)
		in := createInput("key-1")
		in.PromotionCode = "SPRING"

		b := mustCreate(t, f, in)

		if b.Status != bookings.StatusDraft {
			t.Errorf("status = %s, want DRAFT", b.Status)
		}
		if want := t0.Add(15 * time.Minute); !b.ExpiresAt.Equal(want) {
			t.Errorf("expires_at = %s, want %s", b.ExpiresAt, want)
		}
		if b.TotalAmount != 450_000 {
			t.Errorf("total = %d, want 450000", b.TotalAmount)
		}
		if b.Quantity != 2 || b.LockGroupID == "" || b.BookingCode == "" {
			t.Errorf("unexpected booking %+v", b)
		}
		if got := f.seats.Held[b.LockGroupID]; len(got) != 2 {
			t.Errorf("held seats = %v", got)
		}
		snap, err := f.store.GetPricingSnapshot(ctx, b.ID)
		if err != nil || snap.FinalPrice != 500_000 {
			t.Fatalf("snapshot = %+v, %v", snap, err)
		}
		promo, err := f.store.GetAppliedPromotion(ctx, b.ID)
		if err != nil || promo.DiscountAmount != 50_000 || promo.PromotionCode != "SPRING" {
			t.Fatalf("promotion = %+v, %v", promo, err)
		}
		if f.events.Count(bookings.EventBookingCreated) != 1 {
			t.Errorf("expected one BookingCreated event")
		}
	})

	t.Run("Given an existing booking When the same request is replayed Then the original is returned", func(t *testing.T) {
		f := newFixture(t)
		first := mustCreate(t, f, createInput("key-1"))

		replayed := createInput("key-1")
		replayed.Seats = []string{"A2", "A1"}
		again, created, err := f.m.CreateBooking(ctx, replayed)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if created || again.ID != first.ID {
			t.Errorf("replay returned %s (created=%v), want %s", again.ID, created, first.ID)
		}
		if f.store.BookingCount() != 1 {
			t.Errorf("bookings = %d, want 1", f.store.BookingCount())
		}
		if f.fares.CallCount != 1 {
			t.Errorf("fare computed %d times, want 1", f.fares.CallCount)
		}
	})

	t.Run("Given an existing booking When the key is reused for another trip Then ErrConflict", func(t *testing.T) {
		f := newFixture(t)
		mustCreate(t, f, createInput("key-1"))

		other := createInput("key-1")
		other.TripID = "trip-99"
		_, _, err := f.m.CreateBooking(ctx, other)
		wantErr(t, err, apperr.ErrConflict)
	})

	t.Run("Given concurrent creates with one key Then exactly one booking exists", func(t *testing.T) {
		f := newFixture(t)
		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				b, _, err := f.m.CreateBooking(ctx, createInput("key-race"))
				errs[i] = err
				if b != nil {
					ids[i] = b.ID
				}
			}(i)
		}
		wg.Wait()
		for i := range ids {
			if errs[i] != nil {
				t.Fatalf("create %d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Fatalf("create %d returned %s, want %s", i, ids[i], ids[0])
			}
		}
		if f.store.BookingCount() != 1 {
			t.Errorf("bookings = %d, want 1", f.store.BookingCount())
		}
	})

	t.Run("Given missing fields Then ErrInvalidInput", func(t *testing.T) {
		f := newFixture(t)
		in := createInput("")
		_, _, err := f.m.CreateBooking(ctx, in)
		wantErr(t, err, apperr.ErrInvalidInput)

		in = createInput("key-dup-seat")
		in.Seats = []string{"A1", "A1"}
		_, _, err = f.m.CreateBooking(ctx, in)
		wantErr(t, err, apperr.ErrInvalidInput)
	})

	t.Run("Given no timeout When CreateBooking Then the default hold applies", func(t *testing.T) {
		f := newFixture(t)
		in := createInput("key-1")
		in.TimeoutMinutes = 0
		b := mustCreate(t, f, in)
		if b.TimeoutMinutes != bookings.DefaultTimeoutMinutes {
			t.Errorf("timeout = %d", b.TimeoutMinutes)
		}
	})

	t.Run("Given a discount above the price Then ErrInvalidDiscount and nothing is stored", func(t *testing.T) {
		f := newFixture(t)
		f.promos.Off = 900_000
		in := createInput("key-1")
		in.PromotionCode = "TOO-GOOD"
		_, _, err := f.m.CreateBooking(ctx, in)
		wantErr(t, err, apperr.ErrInvalidDiscount)
		if f.store.BookingCount() != 0 {
			t.Errorf("bookings = %d, want 0", f.store.BookingCount())
		}
	})

	t.Run("Given a discount equal to the price Then ErrInvalidDiscount and nothing is stored", func(t *testing.T) {
		f := newFixture(t)
		f.promos.Off = 500_000
		in := createInput("key-1")
		in.PromotionCode = "FREE-RIDE"
		_, _, err := f.m.CreateBooking(ctx, in)
		wantErr(t, err, apperr.ErrInvalidDiscount)
		if f.store.BookingCount() != 0 {
			t.Errorf("bookings = %d, want 0", f.store.BookingCount())
		}
		if len(f.seats.Held) != 0 {
			t.Errorf("seats held for a rejected booking: %v", f.seats.Held)
		}
	})

	t.Run("Given the seat hold fails Then the draft is cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.seats.HoldErr = errors.New("seat A1 taken")
		_, _, err := f.m.CreateBooking(ctx, createInput("key-1"))
		if err == nil {
			t.Fatal("expected error")
		}
		b, err := f.store.GetBookingByIdempotencyKey(ctx, "key-1")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if b.Status != bookings.StatusCancelled {
			t.Errorf("status = %s, want CANCELLED", b.Status)
		}
		if f.seats.ReleaseCount() != 1 {
			t.Errorf("releases = %d, want 1", f.seats.ReleaseCount())
		}
	})
}

func TestMoveToAwaitingPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a DRAFT booking When moved Then a payment for the total is opened", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))

		got, txID, err := f.m.MoveToAwaitingPayment(ctx, b.ID, "VNPAY")
		if err != nil {
			t.Fatalf("MoveToAwaitingPayment: %v", err)
		}
		if got.Status != bookings.StatusAwaitingPayment || txID != "PAY-"+b.ID {
			t.Errorf("got %s / %s", got.Status, txID)
		}
		if len(f.opener.Calls) != 1 || f.opener.Calls[0].Amount != b.TotalAmount {
			t.Errorf("open calls = %+v", f.opener.Calls)
		}
		if got.Version != b.Version+1 {
			t.Errorf("version = %d, want %d", got.Version, b.Version+1)
		}
	})

	t.Run("Given an AWAITING_PAYMENT booking When moved again Then ErrInvalidState", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)

		_, _, err := f.m.MoveToAwaitingPayment(ctx, b.ID, "VNPAY")
		wantErr(t, err, apperr.ErrInvalidState)
	})

	t.Run("Given the hold lapsed When moved Then ErrInvalidState and the booking expires", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		f.clock.Advance(16 * time.Minute)

		_, _, err := f.m.MoveToAwaitingPayment(ctx, b.ID, "VNPAY")
		wantErr(t, err, apperr.ErrInvalidState)
		got, _ := f.store.GetBooking(ctx, b.ID)
		if got.Status != bookings.StatusExpired {
			t.Errorf("status = %s, want EXPIRED", got.Status)
		}
		if len(f.opener.Calls) != 0 {
			t.Errorf("payment opened for an expired booking")
		}
	})

	t.Run("Given an unknown booking Then ErrNotFound", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.m.MoveToAwaitingPayment(ctx, "missing", "VNPAY")
		wantErr(t, err, apperr.ErrNotFound)
	})
}

func TestExpireIfLapsed(t *testing.T) {
	ctx := context.Background()

	t.Run("Given the hold is still valid Then nothing changes", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		f.clock.Advance(15 * time.Minute) // exactly at expires_at is still valid

		got, changed, err := f.m.ExpireIfLapsed(ctx, b.ID)
		if err != nil || changed || got.Status != bookings.StatusDraft {
			t.Fatalf("got %s changed=%v err=%v", got.Status, changed, err)
		}
	})

	t.Run("Given a lapsed hold When expired twice Then it expires once and releases once", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		f.clock.Advance(20 * time.Minute)

		got, changed, err := f.m.ExpireIfLapsed(ctx, b.ID)
		if err != nil || !changed || got.Status != bookings.StatusExpired {
			t.Fatalf("first: %s changed=%v err=%v", got.Status, changed, err)
		}
		_, changed, err = f.m.ExpireIfLapsed(ctx, b.ID)
		if err != nil || changed {
			t.Fatalf("second: changed=%v err=%v", changed, err)
		}
		if f.seats.ReleaseCount() != 1 {
			t.Errorf("releases = %d, want 1", f.seats.ReleaseCount())
		}
		if f.events.Count(bookings.EventBookingExpired) != 1 {
			t.Errorf("expected one BookingExpired event")
		}
	})

	t.Run("Given a CONFIRMED booking past its hold Then expiry is a no-op", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		if _, err := f.m.ConfirmOnPaymentSuccess(ctx, b.ID); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Hour)

		got, changed, err := f.m.ExpireIfLapsed(ctx, b.ID)
		if err != nil || changed || got.Status != bookings.StatusConfirmed {
			t.Fatalf("got %s changed=%v err=%v", got.Status, changed, err)
		}
	})
}

func TestPaymentOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("Given AWAITING_PAYMENT When confirmed twice Then CONFIRMED with one event", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)

		for i := 0; i < 2; i++ {
			got, err := f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
			if err != nil || got.Status != bookings.StatusConfirmed {
				t.Fatalf("confirm %d: %v %v", i, got, err)
			}
		}
		if f.events.Count(bookings.EventBookingConfirmed) != 1 {
			t.Errorf("confirmed events = %d, want 1", f.events.Count(bookings.EventBookingConfirmed))
		}
		if f.seats.ReleaseCount() != 0 {
			t.Errorf("confirmed booking released its seats")
		}
	})

	t.Run("Given a DRAFT booking When confirmed Then ErrInvalidState", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		_, err := f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
		wantErr(t, err, apperr.ErrInvalidState)
	})

	t.Run("Given an EXPIRED booking When confirmed Then ErrInvalidState", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		f.clock.Advance(16 * time.Minute)
		if _, _, err := f.m.ExpireIfLapsed(ctx, b.ID); err != nil {
			t.Fatal(err)
		}
		_, err := f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
		wantErr(t, err, apperr.ErrInvalidState)
	})

	t.Run("Given AWAITING_PAYMENT past its hold and not yet swept When confirmed Then it expires instead", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		f.clock.Advance(40 * time.Minute)

		got, err := f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
		wantErr(t, err, apperr.ErrInvalidState)
		if got == nil || got.Status != bookings.StatusExpired {
			t.Fatalf("got %+v", got)
		}
		if f.seats.ReleaseCount() != 1 {
			t.Errorf("release count = %d, want 1", f.seats.ReleaseCount())
		}
		if f.events.Count(bookings.EventBookingConfirmed) != 0 || f.events.Count(bookings.EventBookingExpired) != 1 {
			t.Errorf("confirmed=%d expired=%d events",
				f.events.Count(bookings.EventBookingConfirmed), f.events.Count(bookings.EventBookingExpired))
		}

		_, err = f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
		wantErr(t, err, apperr.ErrInvalidState)
		if f.seats.ReleaseCount() != 1 {
			t.Errorf("second confirm released again")
		}
	})

	t.Run("Given AWAITING_PAYMENT When the payment fails Then CANCELLED and released", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)

		got, err := f.m.CancelOnPaymentFailure(ctx, b.ID)
		if err != nil || got.Status != bookings.StatusCancelled {
			t.Fatalf("got %v, %v", got, err)
		}
		if f.seats.ReleaseCount() != 1 {
			t.Errorf("releases = %d, want 1", f.seats.ReleaseCount())
		}
	})

	t.Run("Given an EXPIRED booking When the payment fails Then it stays EXPIRED", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		f.clock.Advance(16 * time.Minute)
		f.m.ExpireIfLapsed(ctx, b.ID)

		got, err := f.m.CancelOnPaymentFailure(ctx, b.ID)
		if err != nil || got.Status != bookings.StatusExpired {
			t.Fatalf("got %v, %v", got, err)
		}
	})
}

func TestCancelGetAndDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a DRAFT booking When cancelled Then CANCELLED and a second cancel is a no-op", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		if _, err := f.m.Cancel(ctx, b.ID); err != nil {
			t.Fatal(err)
		}
		got, err := f.m.Cancel(ctx, b.ID)
		if err != nil || got.Status != bookings.StatusCancelled {
			t.Fatalf("got %v, %v", got, err)
		}
		if f.events.Count(bookings.EventBookingCancelled) != 1 {
			t.Errorf("cancel events = %d", f.events.Count(bookings.EventBookingCancelled))
		}
	})

	t.Run("Given a CONFIRMED booking When cancelled Then ErrInvalidState", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		mustAwait(t, f, b.ID)
		f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
		_, err := f.m.Cancel(ctx, b.ID)
		wantErr(t, err, apperr.ErrInvalidState)
	})

	t.Run("Given a lapsed hold When read Then it comes back EXPIRED, not missing", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		f.clock.Advance(30 * time.Minute)
		got, err := f.m.Get(ctx, b.ID)
		if err != nil || got.Status != bookings.StatusExpired {
			t.Fatalf("got %v, %v", got, err)
		}
	})

	t.Run("Given a live booking When soft-deleted Then ErrInvalidState", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		_, err := f.m.SoftDelete(ctx, b.ID, "ops")
		wantErr(t, err, apperr.ErrInvalidState)
	})

	t.Run("Given a cancelled booking When soft-deleted Then reads report not found and the key stays taken", func(t *testing.T) {
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		f.m.Cancel(ctx, b.ID)
		got, err := f.m.SoftDelete(ctx, b.ID, "ops")
		if err != nil || !got.IsDeleted || got.DeletedBy == nil || *got.DeletedBy != "ops" {
			t.Fatalf("got %+v, %v", got, err)
		}
		_, err = f.m.Get(ctx, b.ID)
		wantErr(t, err, apperr.ErrNotFound)
		_, _, err = f.m.CreateBooking(ctx, createInput("key-1"))
		wantErr(t, err, apperr.ErrConflict)
	})
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := mustCreate(t, f, createInput("key-a"))
	b := mustCreate(t, f, createInput("key-b"))
	mustAwait(t, f, b.ID)
	f.clock.Advance(10 * time.Minute)
	in := createInput("key-c")
	in.TimeoutMinutes = 30
	c := mustCreate(t, f, in)
	f.clock.Advance(6 * time.Minute)

	n, err := f.m.SweepExpired(ctx, 10)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("expired %d, want 2", n)
	}
	for id, want := range map[string]bookings.Status{a.ID: bookings.StatusExpired, b.ID: bookings.StatusExpired, c.ID: bookings.StatusDraft} {
		got, _ := f.store.GetBooking(ctx, id)
		if got.Status != want {
			t.Errorf("%s: status %s, want %s", id, got.Status, want)
		}
	}
}

func TestVersionConflictRetry(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, fail int) (*fixture, *conflictStore, *bookings.Booking) {
		t.Helper()
		f := newFixture(t)
		b := mustCreate(t, f, createInput("key-1"))
		cs := &conflictStore{Store: f.store, FailUpdates: fail}
		f.m.Store = cs
		f.m.MaxRetries = 3
		return f, cs, b
	}

	t.Run("Given two conflicts When cancelling Then the third attempt commits", func(t *testing.T) {
		f, cs, b := setup(t, 2)
		got, err := f.m.Cancel(ctx, b.ID)
		if err != nil || got.Status != bookings.StatusCancelled {
			t.Fatalf("got %v, %v", got, err)
		}
		if cs.CallCount != 3 {
			t.Errorf("update calls = %d, want 3", cs.CallCount)
		}
	})

	t.Run("Given conflicts past the bound Then ErrConflict and nothing is released", func(t *testing.T) {
		f, _, b := setup(t, 10)
		_, err := f.m.Cancel(ctx, b.ID)
		wantErr(t, err, apperr.ErrConflict)
		if f.seats.ReleaseCount() != 0 {
			t.Errorf("released without a committed transition")
		}
	})
}

func TestExpiryRacesConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("Given a live hold When expiry races confirmation Then confirmation wins", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			f := newFixture(t)
			b := mustCreate(t, f, createInput("key-race"))
			mustAwait(t, f, b.ID)
			f.clock.Advance(10 * time.Minute)

			var wg sync.WaitGroup
			var expired bool
			var expireErr, confirmErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, expired, expireErr = f.m.ExpireIfLapsed(ctx, b.ID)
			}()
			go func() {
				defer wg.Done()
				_, confirmErr = f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
			}()
			wg.Wait()

			if expireErr != nil || confirmErr != nil || expired {
				t.Fatalf("run %d: expired=%v expireErr=%v confirmErr=%v", i, expired, expireErr, confirmErr)
			}
			final, _ := f.store.GetBooking(ctx, b.ID)
			if final.Status != bookings.StatusConfirmed {
				t.Fatalf("run %d: final status %s", i, final.Status)
			}
		}
	})

	t.Run("Given a lapsed hold When expiry races confirmation Then it expires exactly once", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			f := newFixture(t)
			b := mustCreate(t, f, createInput("key-race"))
			mustAwait(t, f, b.ID)
			f.clock.Advance(16 * time.Minute)

			var wg sync.WaitGroup
			var expireErr, confirmErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _, expireErr = f.m.ExpireIfLapsed(ctx, b.ID)
			}()
			go func() {
				defer wg.Done()
				_, confirmErr = f.m.ConfirmOnPaymentSuccess(ctx, b.ID)
			}()
			wg.Wait()

			if expireErr != nil || !errors.Is(confirmErr, apperr.ErrInvalidState) {
				t.Fatalf("run %d: expireErr=%v confirmErr=%v", i, expireErr, confirmErr)
			}
			final, _ := f.store.GetBooking(ctx, b.ID)
			if final.Status != bookings.StatusExpired {
				t.Fatalf("run %d: final status %s", i, final.Status)
			}
			if f.seats.ReleaseCount() != 1 {
				t.Fatalf("run %d: released %d times", i, f.seats.ReleaseCount())
			}
		}
	})
}

var _ bookings.Store = (*memstore.Store)(nil)
