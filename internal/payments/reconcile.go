package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
)

const defaultQueryTimeout = 10 * time.Second

// Gateway is a payment provider: it parses its own notifications, answers
// status queries and can re-issue a notification from a query answer.
type Gateway interface {
	Parser
	Query(ctx context.Context, in QueryInput) (*QueryResult, error)
	// Synthesize builds a signed notification in the provider's own wire
	// format, so it can be fed to Ingest like a real delivery.
	Synthesize(data ReconciliationData) ([]byte, error)
}

type QueryInput struct {
	TransactionID   string
	TransactionDate time.Time
	OrderRef        string
}

type ReconciliationData struct {
	GatewayStatus string    `json:"gatewayStatus"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transactionId"`
	OrderRef      string    `json:"orderRef,omitempty"`
	PaidAt        time.Time `json:"paidAt,omitempty"`
}

// QueryResult is what a gateway said about one transaction. TransactionStatus
// is the provider's raw code ("00" for VNPay success); Status is its mapping.
type QueryResult struct {
	Success              bool                `json:"success"`
	TransactionID        string              `json:"transactionId"`
	OrderRef             *string             `json:"orderRef"`
	ResponseCode         string              `json:"responseCode"`
	Message              string              `json:"message"`
	TransactionStatus    string              `json:"transactionStatus"`
	Status               Status              `json:"status,omitempty"`
	Amount               *int64              `json:"amount"`
	PaymentMethod        Method              `json:"paymentMethod"`
	PaidAt               time.Time           `json:"-"`
	CanSynthesizeWebhook bool                `json:"canSynthesizeWebhook"`
	ReconciliationData   *ReconciliationData `json:"reconciliationData,omitempty"`
}

type ReconcileResult struct {
	Query  *QueryResult
	Ingest *IngestResult
}

// Reconciler asks gateways about transactions whose webhook never came.
type Reconciler struct {
	Store    Store
	Gateways map[Method]Gateway
	Ingestor *Ingestor
	Log      logrus.FieldLogger
	Timeout  time.Duration
}

func (r *Reconciler) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

// QueryTransaction asks the transaction's gateway for its status. It never
// changes state. A gateway that fails or times out yields Success=false and
// apperr.ErrGatewayUnavailable.
func (r *Reconciler) QueryTransaction(ctx context.Context, in QueryInput) (*QueryResult, error) {
	tx, err := r.Store.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	failed := &QueryResult{TransactionID: tx.TransactionID, PaymentMethod: tx.Method}
	gw, ok := r.Gateways[tx.Method]
	if !ok {
		return failed, fmt.Errorf("no gateway for %s: %w", tx.Method, apperr.ErrGatewayUnavailable)
	}
	if in.TransactionDate.IsZero() {
		in.TransactionDate = tx.CreatedAt
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := gw.Query(qctx, in)
	if err != nil {
		r.log().WithError(err).WithFields(logrus.Fields{
			"transaction_id": tx.TransactionID,
			"method":         tx.Method,
		}).Warn("gateway query failed")
		if !errors.Is(err, apperr.ErrGatewayUnavailable) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrGatewayUnavailable)
		}
		return failed, err
	}

	res.TransactionID = tx.TransactionID
	res.PaymentMethod = tx.Method
	res.CanSynthesizeWebhook = res.Success && res.Status.Terminal() && res.Amount != nil
	res.ReconciliationData = nil
	if res.CanSynthesizeWebhook {
		data := &ReconciliationData{
			GatewayStatus: res.TransactionStatus,
			Amount:        *res.Amount,
			TransactionID: tx.TransactionID,
			PaidAt:        res.PaidAt,
		}
		if res.OrderRef != nil {
			data.OrderRef = *res.OrderRef
		}
		res.ReconciliationData = data
	}
	return res, nil
}

// Synthesize turns a synthesizable query result into a provider payload.
func (r *Reconciler) Synthesize(res *QueryResult) (provider string, raw []byte, err error) {
	if res == nil || !res.CanSynthesizeWebhook || res.ReconciliationData == nil {
		return "", nil, fmt.Errorf("query result is not definitive: %w", apperr.ErrInvalidState)
	}
	gw, ok := r.Gateways[res.PaymentMethod]
	if !ok {
		return "", nil, fmt.Errorf("no gateway for %s: %w", res.PaymentMethod, apperr.ErrGatewayUnavailable)
	}
	raw, err = gw.Synthesize(*res.ReconciliationData)
	if err != nil {
		return "", nil, err
	}
	return res.PaymentMethod.Provider(), raw, nil
}

// Reconcile queries the gateway and, when the answer is definitive, feeds the
// synthesized notification through the webhook ingestion path.
func (r *Reconciler) Reconcile(ctx context.Context, in QueryInput) (*ReconcileResult, error) {
	q, err := r.QueryTransaction(ctx, in)
	out := &ReconcileResult{Query: q}
	if err != nil || !q.CanSynthesizeWebhook {
		return out, err
	}
	provider, raw, err := r.Synthesize(q)
	if err != nil {
		return out, err
	}
	out.Ingest, err = r.Ingestor.Ingest(ctx, provider, raw)
	return out, err
}

// SweepStale reconciles open transactions that have heard nothing for
// olderThan, oldest first. Transactions left open are touched so the next
// pass reaches the ones behind them. It returns how many were moved.
func (r *Reconciler) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := r.Ingestor.Tracker.ListStale(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, tx := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := r.Reconcile(ctx, QueryInput{TransactionID: tx.TransactionID, TransactionDate: tx.CreatedAt})
		if res == nil || res.Ingest == nil || !res.Ingest.Applied {
			if terr := r.Ingestor.Tracker.Touch(ctx, tx); terr != nil {
				r.log().WithError(terr).WithField("transaction_id", tx.TransactionID).Warn("stale payment touch")
			}
		}
		if err != nil {
			r.log().WithError(err).WithField("transaction_id", tx.TransactionID).Warn("stale payment reconcile")
			errs = append(errs, err)
			continue
		}
		if res.Ingest != nil && res.Ingest.Applied {
			n++
		}
	}
	return n, errors.Join(errs...)
}
