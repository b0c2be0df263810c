package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-realtime-bookings/internal/app"
	"github.com/ariefcatur/go-realtime-bookings/internal/config"
	"github.com/ariefcatur/go-realtime-bookings/internal/httpx"
	"github.com/ariefcatur/go-realtime-bookings/internal/logging"
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

	router := httpx.NewRouter(log)
	(&httpx.BookingsHandler{Bookings: a.Bookings, Payments: a.Payments}).Register(router)
	(&httpx.PaymentsHandler{Ingestor: a.Ingestor, Reconciler: a.Reconciler}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	a.Close() // flush events before the producer loop stops
	cancel()
}
