// Package app wires the service from config. The api, worker and bookingctl
// binaries share it so they agree on stores, gateways and the event bus.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-realtime-bookings/internal/bookings"
	"github.com/ariefcatur/go-realtime-bookings/internal/config"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/momo"
	"github.com/ariefcatur/go-realtime-bookings/internal/gateway/vnpay"
	kafkax "github.com/ariefcatur/go-realtime-bookings/internal/kafka"
	"github.com/ariefcatur/go-realtime-bookings/internal/memstore"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
	"github.com/ariefcatur/go-realtime-bookings/internal/postgres"
	"github.com/ariefcatur/go-realtime-bookings/internal/pricing"
	"github.com/ariefcatur/go-realtime-bookings/internal/queue"
	"github.com/ariefcatur/go-realtime-bookings/internal/redisx"
)

type App struct {
	Config     config.Config
	DB         *pgxpool.Pool // nil with STORE_DRIVER=memory
	Redis      *redis.Client
	Bookings   *bookings.Manager
	Payments   *payments.Tracker
	Ingestor   *payments.Ingestor
	Reconciler *payments.Reconciler

	closers []func()
}

// New connects the backing services. Close releases them in reverse order.
func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg}

	var bookingStore bookings.Store
	var paymentStore payments.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memstore.New()
		bookingStore, paymentStore = mem, mem
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		bookingStore, paymentStore = &postgres.BookingStore{DB: db}, &postgres.PaymentStore{DB: db}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	a.Redis = redisx.New(cfg.RedisAddr)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	events, err := a.eventBus(ctx, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	gateways := map[payments.Method]payments.Gateway{}
	parsers := map[string]payments.Parser{}
	if cfg.VNPay.TmnCode != "" {
		gw := vnpay.New(vnpay.Config{
			TmnCode:    cfg.VNPay.TmnCode,
			HashSecret: cfg.VNPay.HashSecret,
			QueryURL:   cfg.VNPay.QueryURL,
			ClientIP:   cfg.VNPay.ClientIP,
			Timeout:    cfg.GatewayTimeout,
		})
		gateways[payments.MethodVNPay], parsers[vnpay.Provider] = gw, gw
	}
	if cfg.MoMo.PartnerCode != "" {
		gw := momo.New(momo.Config{
			PartnerCode: cfg.MoMo.PartnerCode,
			AccessKey:   cfg.MoMo.AccessKey,
			SecretKey:   cfg.MoMo.SecretKey,
			Endpoint:    cfg.MoMo.Endpoint,
			Timeout:     cfg.GatewayTimeout,
		})
		gateways[payments.MethodMoMo], parsers[momo.Provider] = gw, gw
	}
	if len(gateways) == 0 {
		log.Warn("no payment gateway configured, webhooks and reconciliation are disabled")
	}

	fares := pricing.New(cfg.PricingURL, cfg.PromotionURL, cfg.GatewayTimeout)
	a.Bookings = &bookings.Manager{
		Store:                 bookingStore,
		Fares:                 fares,
		Promotions:            fares,
		Seats:                 &redisx.SeatLocker{RDB: a.Redis},
		Events:                events,
		Log:                   log.WithField("component", "bookings"),
		Service:               cfg.ServiceName,
		MaxRetries:            cfg.TransitionRetries,
		DefaultTimeoutMinutes: cfg.HoldMinutes,
	}
	a.Payments = &payments.Tracker{
		Store:      paymentStore,
		Bookings:   a.Bookings,
		Log:        log.WithField("component", "payments"),
		MaxRetries: cfg.TransitionRetries,
	}
	a.Bookings.Payments = a.Payments
	a.Ingestor = &payments.Ingestor{
		Store:   paymentStore,
		Tracker: a.Payments,
		Parsers: parsers,
		Dedup:   &redisx.WebhookDedup{RDB: a.Redis, TTL: redisx.TTLDedup},
		Log:     log.WithField("component", "webhooks"),
	}
	a.Reconciler = &payments.Reconciler{
		Store:    paymentStore,
		Gateways: gateways,
		Ingestor: a.Ingestor,
		Log:      log.WithField("component", "reconcile"),
		Timeout:  cfg.GatewayTimeout,
	}
	return a, nil
}

func (a *App) eventBus(ctx context.Context, log logrus.FieldLogger) (bookings.EventPublisher, error) {
	switch a.Config.EventBus {
	case "kafka":
		prod := kafkax.NewProducer(a.Config.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		a.closers = append(a.closers, func() {
			prod.Close() // tutup inbox -> flush & close writer
			prod.WaitClosed()
		})
		return &kafkax.EventPublisher{P: prod}, nil
	case "rabbitmq":
		pub := queue.NewPublisher(a.Config.RabbitMQURL, log)
		a.closers = append(a.closers, func() { _ = pub.Close() })
		return pub, nil
	case "none", "":
		return bookings.NoopPublisher, nil
	}
	return nil, fmt.Errorf("unknown EVENT_BUS %q", a.Config.EventBus)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
