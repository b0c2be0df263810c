package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

// Sweeper expires lapsed holds and reconciles payments whose webhook never
// arrived. Reconciler may be nil when no gateway is configured.
type Sweeper struct {
	Bookings       *bookings.Manager
	Reconciler     *payments.Reconciler
	Interval       time.Duration
	Batch          int
	ReconcileAfter time.Duration
	Log            logrus.FieldLogger
}

func (s *Sweeper) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		s.Once(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Once runs one expiry pass and one reconciliation pass.
func (s *Sweeper) Once(ctx context.Context) (expired, reconciled int) {
	expired, err := s.Bookings.SweepExpired(ctx, s.Batch)
	if err != nil {
		s.log().WithError(err).Warn("expiry sweep")
	}
	if expired > 0 {
		s.log().WithField("count", expired).Info("expired lapsed bookings")
	}

	if s.Reconciler == nil || ctx.Err() != nil {
		return expired, 0
	}
	reconciled, err = s.Reconciler.SweepStale(ctx, s.ReconcileAfter, s.Batch)
	if err != nil {
		s.log().WithError(err).Warn("stale payment sweep")
	}
	if reconciled > 0 {
		s.log().WithField("count", reconciled).Info("reconciled stale payments")
	}
	return expired, reconciled
}
