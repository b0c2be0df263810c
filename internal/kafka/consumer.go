package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type (
	Message = kafka.Message
	Header  = kafka.Header
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	log     logrus.FieldLogger
}

func NewConsumer(brokers []string, group, topic string, workers int, log logrus.FieldLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log logrus.FieldLogger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{r: r, workers: workers, log: log}
}

// Start dispatches messages to a worker pool until ctx ends. A message whose
// handler fails is not committed.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 1024)
	var wg sync.WaitGroup

	// workers
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := range jobs {
				log := c.log.WithFields(logrus.Fields{"worker": id, "topic": m.Topic, "partition": m.Partition, "offset": m.Offset})
				if err := h(ctx, m); err != nil {
					log.WithError(err).Warn("handler failed, offset not committed")
					time.Sleep(200 * time.Millisecond) // backoff ringan
					continue
				}
				// commit on success
				if err := c.r.CommitMessages(ctx, m); err != nil {
					log.WithError(err).Error("commit offset")
				}
			}
		}(i)
	}
	defer wg.Wait()

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			close(jobs)
			// kecilkan noise saat shutdown
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			close(jobs)
			return nil
		}
	}
}
