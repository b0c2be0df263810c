// Package queue publishes booking events to RabbitMQ, for deployments that run
// EVENT_BUS=rabbitmq instead of Kafka.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
)

const DefaultExchange = "bookings"

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends each envelope to a durable topic exchange, routed by the
// event's topic name (booking.confirmed, booking.expired, ...). The
// connection is dialled lazily and re-dialled after the broker drops it.
type Publisher struct {
	URL      string
	Exchange string
	Log      logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
	dial func() (channel, error)
}

func NewPublisher(url string, log logrus.FieldLogger) *Publisher {
	p := &Publisher{URL: url, Exchange: DefaultExchange, Log: log}
	p.dial = p.dialBroker
	return p
}

func (p *Publisher) dialBroker() (channel, error) {
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	// durable so bindings survive broker restarts
	if err := ch.ExchangeDeclare(p.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	p.conn = conn
	return ch, nil
}

func (p *Publisher) current() (channel, error) {
	if p.ch != nil && (p.conn == nil || !p.conn.IsClosed()) {
		return p.ch, nil
	}
	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) Publish(ctx context.Context, ev bookings.Envelope) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.current()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.EventID,
		CorrelationId: ev.CorrelationID,
		Type:          ev.EventType,
		Timestamp:     ev.OccurredAt,
		AppId:         ev.Producer,
		Body:          body,
	}
	if err := ch.PublishWithContext(ctx, p.Exchange, bookings.TopicFor(ev.EventType), false, false, msg); err != nil {
		// drop the channel so the next publish re-dials
		_ = ch.Close()
		p.ch = nil
		if p.Log != nil {
			p.Log.WithError(err).WithField("event", ev.EventType).Warn("rabbitmq publish")
		}
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
