package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

// Parser turns a raw provider payload into a Notification. Implementations
// verify the provider signature and return apperr.ErrMalformedPayload when it
// does not hold.
type Parser interface {
	Parse(raw []byte) (Notification, error)
}

// DedupCache is an optional fast path in front of the webhook log. The log's
// unique (provider, hash) constraint stays authoritative.
type DedupCache interface {
	Seen(ctx context.Context, provider, payloadHash string) (bool, error)
	Mark(ctx context.Context, provider, payloadHash string) error
}

const defaultReclaimAfter = 5 * time.Minute

// Ingestor is the single entry point for gateway notifications, whether they
// came over HTTP, the relay topic or reconciliation.
type Ingestor struct {
	Store   Store
	Tracker *Tracker
	Parsers map[string]Parser
	Dedup   DedupCache
	Now     bookings.Clock
	Log     logrus.FieldLogger

	// ReclaimAfter is how long a RECEIVED log may sit before another
	// delivery is allowed to take it over.
	ReclaimAfter time.Duration
}

type IngestResult struct {
	Log         *WebhookLog
	Transaction *Transaction
	Duplicate   bool
	Applied     bool
}

func (in *Ingestor) now() time.Time {
	if in.Now == nil {
		return bookings.SystemClock()
	}
	return in.Now()
}

func (in *Ingestor) log() logrus.FieldLogger {
	if in.Log == nil {
		return logrus.StandardLogger()
	}
	return in.Log
}

// Ingest records and applies one raw provider payload. The bytes must be the
// body exactly as received. Duplicates come back with Duplicate set and no
// side effects.
func (in *Ingestor) Ingest(ctx context.Context, provider string, raw []byte) (*IngestResult, error) {
	parser, ok := in.Parsers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown webhook provider %q: %w", provider, apperr.ErrInvalidInput)
	}
	hash := PayloadHash(raw)
	log := in.log().WithFields(logrus.Fields{"provider": provider, "payload_hash": hash})

	if in.Dedup != nil {
		seen, err := in.Dedup.Seen(ctx, provider, hash)
		if err != nil {
			log.WithError(err).Warn("webhook dedup cache unavailable")
		} else if seen {
			log.Debug("duplicate webhook (cache)")
			return &IngestResult{Duplicate: true}, nil
		}
	}

	wl, dup, err := in.claim(ctx, provider, hash)
	if err != nil {
		return nil, err
	}
	if dup {
		log.WithField("processing_status", wl.ProcessingStatus).Info("duplicate webhook")
		return &IngestResult{Log: wl, Duplicate: true}, nil
	}

	res := &IngestResult{Log: wl}
	procErr := in.process(ctx, parser, raw, res)
	if err := in.Store.UpdateWebhookLog(ctx, wl); err != nil {
		log.WithError(err).Error("record webhook outcome")
		return res, errors.Join(procErr, err)
	}
	if wl.ProcessingStatus.Terminal() && in.Dedup != nil {
		if err := in.Dedup.Mark(ctx, provider, hash); err != nil {
			log.WithError(err).Warn("webhook dedup cache mark")
		}
	}

	entry := log.WithFields(logrus.Fields{
		"transaction_id":    wl.TransactionID,
		"processing_status": wl.ProcessingStatus,
		"attempts":          wl.Attempts,
	})
	switch wl.ProcessingStatus {
	case ProcessingApplied, ProcessingIgnored:
		entry.Info("webhook processed")
	case ProcessingError:
		entry.WithError(procErr).Error("webhook processing failed")
	default:
		entry.WithField("note", wl.Note).Warn("webhook needs review")
	}
	return res, procErr
}

// claim inserts a RECEIVED log for the payload, or takes over a retryable
// one. dup is true when another delivery owns the payload.
func (in *Ingestor) claim(ctx context.Context, provider, hash string) (*WebhookLog, bool, error) {
	now := in.now()
	wl := &WebhookLog{
		ID:               uuid.NewString(),
		Provider:         provider,
		PayloadHash:      hash,
		ReceivedAt:       now,
		ProcessingStatus: ProcessingReceived,
		Attempts:         1,
		LastAttemptAt:    now,
		Audit:            bookings.Audit{CreatedAt: now, UpdatedAt: now},
	}
	err := in.Store.InsertWebhookLog(ctx, wl)
	if err == nil {
		return wl, false, nil
	}
	if !errors.Is(err, apperr.ErrDuplicate) {
		return nil, false, err
	}

	existing, err := in.Store.GetWebhookLog(ctx, provider, hash)
	if err != nil {
		return nil, false, err
	}
	if !in.retryable(existing, now) {
		return existing, true, nil
	}
	err = in.Store.ClaimWebhookLog(ctx, existing.ID, existing.ProcessingStatus, existing.Attempts, now)
	if errors.Is(err, apperr.ErrVersionConflict) {
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	existing.ProcessingStatus = ProcessingReceived
	existing.Attempts++
	existing.LastAttemptAt = now
	existing.UpdatedAt = now
	return existing, false, nil
}

func (in *Ingestor) retryable(wl *WebhookLog, now time.Time) bool {
	switch wl.ProcessingStatus {
	case ProcessingError:
		return true
	case ProcessingReceived:
		after := in.ReclaimAfter
		if after <= 0 {
			after = defaultReclaimAfter
		}
		return now.Sub(wl.LastAttemptAt) > after
	}
	return false
}

// process fills res and sets the log's outcome. The returned error is what
// the caller should see; the log is persisted either way.
func (in *Ingestor) process(ctx context.Context, parser Parser, raw []byte, res *IngestResult) error {
	wl := res.Log
	wl.UpdatedAt = in.now()

	n, err := parser.Parse(raw)
	if err != nil {
		wl.ProcessingStatus = ProcessingRejected
		wl.Note = err.Error()
		if !errors.Is(err, apperr.ErrMalformedPayload) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrMalformedPayload)
		}
		return err
	}
	wl.TransactionID = n.TransactionID

	tx, err := in.Store.GetTransaction(ctx, n.TransactionID)
	if err != nil {
		// the webhook may beat our own commit; keep it retryable
		wl.ProcessingStatus = ProcessingError
		wl.Note = err.Error()
		return fmt.Errorf("webhook for %s: %w", n.TransactionID, err)
	}
	res.Transaction = tx

	if n.Amount != tx.Amount {
		wl.ProcessingStatus = ProcessingRejected
		wl.Note = fmt.Sprintf("amount mismatch: gateway %d, recorded %d", n.Amount, tx.Amount)
		return fmt.Errorf("transaction %s: gateway amount %d, recorded %d: %w",
			tx.TransactionID, n.Amount, tx.Amount, apperr.ErrAmountMismatch)
	}

	note := n.GatewayCode
	if n.Message != "" {
		note += " " + n.Message
	}
	updated, applied, err := in.Tracker.ApplyGatewayResult(ctx, tx.TransactionID, n.Status, note)
	if updated != nil {
		res.Transaction = updated
	}
	res.Applied = applied
	switch {
	case err == nil && applied:
		wl.ProcessingStatus = ProcessingApplied
	case err == nil:
		wl.ProcessingStatus = ProcessingIgnored
		if updated != nil {
			wl.Note = "transaction already " + string(updated.Status)
		}
	case errors.Is(err, apperr.ErrInvalidState) && updated != nil && updated.Status == StatusSuccess:
		// money was captured but the booking expired or was cancelled first
		wl.ProcessingStatus = ProcessingRefundReview
		wl.Note = err.Error()
		return nil
	default:
		wl.ProcessingStatus = ProcessingError
		wl.Note = err.Error()
		return err
	}
	return nil
}
