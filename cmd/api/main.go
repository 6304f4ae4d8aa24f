package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/safar/bookstore-checkout/internal/checkout"
	"github.com/safar/bookstore-checkout/internal/config"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/httpapi"
	"github.com/safar/bookstore-checkout/internal/idempotency"
	"github.com/safar/bookstore-checkout/internal/ledger"
	"github.com/safar/bookstore-checkout/internal/logger"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/orderstatus"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/pricing"
	"github.com/safar/bookstore-checkout/internal/sweeper"
	"go.uber.org/zap"
)

func main() {
	migrateFirst := flag.Bool("migrate", false, "apply pending migrations before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	zl, err := logger.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("Build logger: %v", err)
	}
	defer zl.Sync()
	zl = zl.With(zap.String("service", cfg.App.ServiceName))

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		zl.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()
	zl.Info("connected to database")

	if *migrateFirst {
		if err := database.Migrate(db, cfg.Database.MigrationsDir); err != nil {
			zl.Fatal("migrate", zap.Error(err))
		}
		zl.Info("migrations applied", zap.String("dir", cfg.Database.MigrationsDir))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var publisher events.Publisher = events.NewLogPublisher(zl)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic, 1024, zl, m.EventPublishFailures)
		kp.Start()
		defer kp.Close()
		publisher = kp
		zl.Info("publishing order events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.OrderEventsTopic),
		)
	}
	dispatcher := events.NewDispatcher(publisher, zl, m.EventPublishFailures)

	l := ledger.New(zl.Named("ledger"))
	gateways := gateway.NewRegistry(gateway.Config{
		HostedURL: cfg.Payment.HostedURL,
		Secret:    cfg.Payment.Secret,
		ReturnURL: cfg.Payment.ReturnURL,
	})
	payments := payment.NewService(db, l, zl.Named("payment"), dispatcher, m)
	orders := orderstatus.NewService(db, zl.Named("orders"), dispatcher)
	checkouts := checkout.NewService(db, l, pricing.NewResolver(), payments, gateways, zl.Named("checkout"), dispatcher, m)

	deps := httpapi.Deps{
		Checkout: checkouts,
		Orders:   orders,
		Payments: payments,
		Stock:    ledger.NewStock(db, l),
		Signer:   gateways.Signer(),
		Metrics:  m,
		Log:      zl.Named("http"),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zl.Fatal("connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		deps.Idempotency = idempotency.NewStore(rdb, cfg.Redis.IdempotencyTTL)
	} else {
		zl.Warn("REDIS_ADDR not set, Idempotency-Key is ignored")
	}

	if !gateways.Signer().Enabled() {
		zl.Warn("PAYMENT_SECRET not set, payment callbacks are not authenticated")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sweepDone := make(chan struct{})
	if cfg.Sweeper.Enabled {
		sw := sweeper.New(payments, cfg.Sweeper, zl.Named("sweeper"), m)
		go func() {
			defer close(sweepDone)
			sw.Run(ctx)
		}()
	} else {
		close(sweepDone)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpapi.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zl.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown", zap.Error(err))
	}
	stop()
	<-sweepDone
}
