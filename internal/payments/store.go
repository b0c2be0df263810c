package payments

import (
	"context"
	"time"
)

// Store persists payment transactions and the webhook log.
//
// InsertTransaction returns apperr.ErrDuplicate when the booking already has a
// transaction or the transaction id is taken. UpdateTransaction is
// conditional on expectedVersion like bookings.Store.UpdateBooking.
//
// InsertWebhookLog returns apperr.ErrDuplicate on (provider, payload hash).
// ClaimWebhookLog moves a log back to RECEIVED for another attempt, only if it
// is still in status `from` with `attempts` attempts; otherwise it returns
// apperr.ErrVersionConflict.
type Store interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	GetTransactionByBooking(ctx context.Context, bookingID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction, expectedVersion int64) error
	ListStaleTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]*Transaction, error)

	InsertWebhookLog(ctx context.Context, l *WebhookLog) error
	GetWebhookLog(ctx context.Context, provider, payloadHash string) (*WebhookLog, error)
	ClaimWebhookLog(ctx context.Context, id string, from ProcessingStatus, attempts int, at time.Time) error
	UpdateWebhookLog(ctx context.Context, l *WebhookLog) error
	ListWebhookLogs(ctx context.Context, transactionID string) ([]*WebhookLog, error)
}
