// Package sweeper expires payment transactions that stayed pending past the
// deadline, which releases their stock reservations.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/safar/bookstore-checkout/internal/config"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/payment"
	"go.uber.org/zap"
)

// Expirer claims and expires one stale pending transaction per call, leaving
// out the ids in skip, or returns nil when none is left. A failure on a
// claimed row is reported as a *payment.ExpiryError.
type Expirer interface {
	ExpireNext(ctx context.Context, cutoff time.Time, skip []int64) (*payment.Result, error)
}

type Sweeper struct {
	expirer   Expirer
	interval  time.Duration
	deadline  time.Duration
	batchSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(expirer Expirer, cfg config.SweeperConfig, log *zap.Logger, m *metrics.Metrics) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Sweeper{
		expirer:   expirer,
		interval:  cfg.Interval,
		deadline:  cfg.Deadline,
		batchSize: cfg.BatchSize,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("reservation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("deadline", s.deadline),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			s.log.Info("reservation sweeper stopped")
			return
		}
	}
}

// SweepOnce expires up to one batch of stale transactions and returns how
// many it expired. Each expiry is its own database transaction. A row that
// fails to expire is left out for the rest of the sweep, and counts against
// the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.deadline)

	var skip []int64
	expired := 0
	for attempt := 0; attempt < s.batchSize; attempt++ {
		if ctx.Err() != nil {
			break
		}

		res, err := s.expirer.ExpireNext(ctx, cutoff, skip)
		if err != nil {
			var expiryErr *payment.ExpiryError
			if errors.As(err, &expiryErr) {
				skip = append(skip, expiryErr.TransactionID)
				s.log.Error("expire pending payment, skipping for this sweep",
					zap.String("transaction_code", expiryErr.TransactionCode),
					zap.Error(expiryErr.Err),
				)
				continue
			}
			s.log.Error("expire pending payment", zap.Error(err))
			break
		}
		if res == nil {
			break
		}

		expired++
		s.metrics.SweeperExpired.Inc()
		s.log.Info("pending payment expired",
			zap.String("transaction_code", res.Transaction.TransactionCode),
			zap.String("order_number", res.Transaction.OrderNumber),
		)
	}

	if expired > 0 || len(skip) > 0 {
		s.log.Info("sweep finished", zap.Int("expired", expired), zap.Int("failed", len(skip)))
	}
	return expired
}
