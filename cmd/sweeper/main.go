// Command sweeper runs the reservation sweeper on its own, for deployments
// where the API runs with SWEEPER_ENABLED=false.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/safar/bookstore-checkout/internal/config"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/ledger"
	"github.com/safar/bookstore-checkout/internal/logger"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/sweeper"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "sweep a single batch and exit")
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

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		zl.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	m := metrics.NewNop()

	var publisher events.Publisher = events.NewLogPublisher(zl)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic, 256, zl, m.EventPublishFailures)
		kp.Start()
		defer kp.Close()
		publisher = kp
	}
	dispatcher := events.NewDispatcher(publisher, zl, m.EventPublishFailures)

	payments := payment.NewService(db, ledger.New(zl.Named("ledger")), zl.Named("payment"), dispatcher, m)
	sw := sweeper.New(payments, cfg.Sweeper, zl.Named("sweeper"), m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		n := sw.SweepOnce(ctx)
		zl.Info("sweep finished", zap.Int("expired", n))
		return
	}
	sw.Run(ctx)
}
