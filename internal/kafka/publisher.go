package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

const HeaderEventType = "event_type"

// EventPublisher ships booking envelopes, keyed by booking id so one
// booking's events stay on one partition.
type EventPublisher struct {
	P *Producer
}

func (e *EventPublisher) Publish(ctx context.Context, ev bookings.Envelope) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.P.Publish(ctx,
		bookings.TopicFor(ev.EventType),
		bookings.PartitionKey(ev.CorrelationID),
		b,
		kafka.Header{Key: HeaderEventType, Value: []byte(ev.EventType)},
	)
}
