package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-realtime-bookings/internal/app"
	"github.com/ariefcatur/go-realtime-bookings/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-bookings/internal/kafka"
	"github.com/ariefcatur/go-realtime-bookings/internal/logging"
	"github.com/ariefcatur/go-realtime-bookings/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup")
	}

	var wg sync.WaitGroup
	sweeper := &worker.Sweeper{
		Bookings:       a.Bookings,
		Reconciler:     a.Reconciler,
		Interval:       cfg.SweepInterval,
		Batch:          cfg.SweepBatch,
		ReconcileAfter: cfg.ReconcileAfter,
		Log:            log.WithField("component", "sweeper"),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.WebhookRelayTopic != "" && len(cfg.KafkaBrokers) > 0 {
		relay := &worker.Relay{Ingestor: a.Ingestor, Log: log.WithField("component", "relay")}
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.WebhookRelayTopic, cfg.WorkerConcurrency, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithField("topic", cfg.WebhookRelayTopic).WithField("group", cfg.WorkerGroup).Info("webhook relay consumer started")
			if err := cons.Start(ctx, relay.Handle); err != nil {
				log.WithError(err).Error("consumer exit")
				cancel()
			}
		}()
	}

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down worker...")
	cancel()
	wg.Wait()
	a.Close()
}
