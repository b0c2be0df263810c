package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	kafkax "github.com/ariefcatur/go-realtime-bookings/internal/kafka"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

// HeaderProvider names the gateway of a relayed webhook body.
const HeaderProvider = "x-provider"

// Relay feeds webhook bodies that an edge proxy parked on Kafka into the same
// ingestion path as the HTTP endpoint.
type Relay struct {
	Ingestor *payments.Ingestor
	Log      logrus.FieldLogger
}

// Handle dipasang sebagai handler consumer. Payloads that can never succeed
// are committed; anything retryable is returned so the offset stays.
func (r *Relay) Handle(ctx context.Context, m kafkax.Message) error {
	provider := strings.ToLower(kafkax.HeaderValue(m.Headers, HeaderProvider))
	log := r.Log.WithFields(logrus.Fields{
		"provider":  provider,
		"partition": m.Partition,
		"offset":    m.Offset,
	})
	if provider == "" {
		log.Warn("relayed webhook without provider header, dropping")
		return nil
	}

	res, err := r.Ingestor.Ingest(ctx, provider, m.Value)
	switch {
	case err == nil:
		if res.Duplicate {
			log.Debug("relayed webhook already seen")
		}
		return nil
	case errors.Is(err, apperr.ErrMalformedPayload),
		errors.Is(err, apperr.ErrAmountMismatch),
		errors.Is(err, apperr.ErrInvalidInput):
		log.WithError(err).Warn("relayed webhook rejected")
		return nil
	}
	return err
}
