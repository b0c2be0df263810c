package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

type PaymentStore struct{ DB *pgxpool.Pool }

var _ payments.Store = (*PaymentStore)(nil)

const txColumns = `id, booking_id, transaction_id, method, status, amount, time, gateway_note, version,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (*payments.Transaction, error) {
	var t payments.Transaction
	var method, status string
	err := row.Scan(&t.ID, &t.BookingID, &t.TransactionID, &method, &status, &t.Amount, &t.Time, &t.GatewayNote,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Method = payments.Method(method)
	t.Status = payments.Status(status)
	return &t, nil
}

func (s *PaymentStore) InsertTransaction(ctx context.Context, t *payments.Transaction) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payment_transactions(`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.BookingID, t.TransactionID, string(t.Method), string(t.Status), t.Amount, t.Time, t.GatewayNote,
		t.Version, t.CreatedAt, t.UpdatedAt)
	return mapErr(err, "insert transaction "+t.TransactionID)
}

func (s *PaymentStore) GetTransaction(ctx context.Context, transactionID string) (*payments.Transaction, error) {
	t, err := scanTransaction(s.DB.QueryRow(ctx,
		`SELECT `+txColumns+` FROM payment_transactions WHERE transaction_id=$1`, transactionID))
	if err != nil {
		return nil, mapErr(err, "transaction "+transactionID)
	}
	return t, nil
}

func (s *PaymentStore) GetTransactionByBooking(ctx context.Context, bookingID string) (*payments.Transaction, error) {
	t, err := scanTransaction(s.DB.QueryRow(ctx,
		`SELECT `+txColumns+` FROM payment_transactions WHERE booking_id=$1`, bookingID))
	if err != nil {
		return nil, mapErr(err, "transaction for booking "+bookingID)
	}
	return t, nil
}

func (s *PaymentStore) UpdateTransaction(ctx context.Context, t *payments.Transaction, expectedVersion int64) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE payment_transactions
		   SET status=$3, gateway_note=$4, updated_at=$5, version=version+1
		 WHERE transaction_id=$1 AND version=$2`,
		t.TransactionID, expectedVersion, string(t.Status), t.GatewayNote, t.UpdatedAt)
	if err != nil {
		return mapErr(err, "update transaction "+t.TransactionID)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE transaction_id=$1)`, t.TransactionID).Scan(&exists); err != nil {
			return mapErr(err, "update transaction "+t.TransactionID)
		}
		if !exists {
			return fmt.Errorf("transaction %s: %w", t.TransactionID, apperr.ErrNotFound)
		}
		return fmt.Errorf("transaction %s expected version %d: %w", t.TransactionID, expectedVersion, apperr.ErrVersionConflict)
	}
	t.Version = expectedVersion + 1
	return nil
}

func (s *PaymentStore) ListStaleTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]*payments.Transaction, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		 WHERE status IN ('INITIATED','PROCESSING') AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, mapErr(err, "list stale transactions")
	}
	defer rows.Close()

	var out []*payments.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const logColumns = `id, provider, payload_hash, transaction_id, received_at, processing_status, note, attempts,
	last_attempt_at, created_at, updated_at`

func scanWebhookLog(row pgx.Row) (*payments.WebhookLog, error) {
	var l payments.WebhookLog
	var status string
	err := row.Scan(&l.ID, &l.Provider, &l.PayloadHash, &l.TransactionID, &l.ReceivedAt, &status, &l.Note,
		&l.Attempts, &l.LastAttemptAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.ProcessingStatus = payments.ProcessingStatus(status)
	return &l, nil
}

func (s *PaymentStore) InsertWebhookLog(ctx context.Context, l *payments.WebhookLog) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_logs(`+logColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.Provider, l.PayloadHash, l.TransactionID, l.ReceivedAt, string(l.ProcessingStatus), l.Note,
		l.Attempts, l.LastAttemptAt, l.CreatedAt, l.UpdatedAt)
	return mapErr(err, "insert webhook log "+l.Provider)
}

func (s *PaymentStore) GetWebhookLog(ctx context.Context, provider, payloadHash string) (*payments.WebhookLog, error) {
	l, err := scanWebhookLog(s.DB.QueryRow(ctx,
		`SELECT `+logColumns+` FROM webhook_logs WHERE provider=$1 AND payload_hash=$2`, provider, payloadHash))
	if err != nil {
		return nil, mapErr(err, "webhook log "+provider)
	}
	return l, nil
}

// ClaimWebhookLog is a compare-and-set on (status, attempts), so of two
// workers retrying the same log only one gets the row.
func (s *PaymentStore) ClaimWebhookLog(ctx context.Context, id string, from payments.ProcessingStatus, attempts int, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE webhook_logs
		   SET processing_status=$4, attempts=attempts+1, last_attempt_at=$5, updated_at=$5
		 WHERE id=$1 AND processing_status=$2 AND attempts=$3`,
		id, string(from), attempts, string(payments.ProcessingReceived), at)
	if err != nil {
		return mapErr(err, "claim webhook log "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook log %s moved on: %w", id, apperr.ErrVersionConflict)
	}
	return nil
}

func (s *PaymentStore) UpdateWebhookLog(ctx context.Context, l *payments.WebhookLog) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE webhook_logs
		   SET transaction_id=$2, processing_status=$3, note=$4, updated_at=$5
		 WHERE id=$1`,
		l.ID, l.TransactionID, string(l.ProcessingStatus), l.Note, l.UpdatedAt)
	if err != nil {
		return mapErr(err, "update webhook log "+l.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook log %s: %w", l.ID, apperr.ErrNotFound)
	}
	return nil
}

func (s *PaymentStore) ListWebhookLogs(ctx context.Context, transactionID string) ([]*payments.WebhookLog, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+logColumns+` FROM webhook_logs WHERE transaction_id=$1 ORDER BY received_at`, transactionID)
	if err != nil {
		return nil, mapErr(err, "list webhook logs")
	}
	defer rows.Close()

	var out []*payments.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
