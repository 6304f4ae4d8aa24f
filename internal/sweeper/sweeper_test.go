package sweeper

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/bookstore-checkout/internal/config"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExpirer hands out queued ids oldest first. Ids in poison always fail.
type fakeExpirer struct {
	mu      sync.Mutex
	queue   []int64
	poison  map[int64]bool
	err     error
	cutoffs []time.Time
	skips   [][]int64
}

func newFakeExpirer(n int) *fakeExpirer {
	f := &fakeExpirer{poison: map[int64]bool{}}
	for i := 1; i <= n; i++ {
		f.queue = append(f.queue, int64(i))
	}
	return f
}

func (f *fakeExpirer) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *fakeExpirer) ExpireNext(_ context.Context, cutoff time.Time, skip []int64) (*payment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cutoffs = append(f.cutoffs, cutoff)
	f.skips = append(f.skips, append([]int64(nil), skip...))
	if f.err != nil {
		return nil, f.err
	}

	for i, id := range f.queue {
		if slices.Contains(skip, id) {
			continue
		}
		if f.poison[id] {
			return nil, &payment.ExpiryError{TransactionID: id, TransactionCode: "tx-poison", Err: errors.New("ledger invariant")}
		}
		f.queue = append(f.queue[:i], f.queue[i+1:]...)
		return &payment.Result{
			Transaction: &models.PaymentTransaction{ID: id, TransactionCode: "tx", Status: models.PaymentStatusFailed},
			OrderStatus: models.OrderStatusCancelled,
		}, nil
	}
	return nil, nil
}

func sweeperConfig() config.SweeperConfig {
	return config.SweeperConfig{Enabled: true, Interval: 10 * time.Millisecond, Deadline: 15 * time.Minute, BatchSize: 3}
}

func TestSweepOnce_StopsWhenNothingLeft(t *testing.T) {
	f := newFakeExpirer(2)
	m := metrics.NewNop()
	s := New(f, sweeperConfig(), nil, m)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	assert.Equal(t, 2, s.SweepOnce(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweeperExpired))

	require.Len(t, f.cutoffs, 3)
	assert.Equal(t, fixed.Add(-15*time.Minute), f.cutoffs[0])
}

func TestSweepOnce_RespectsBatchSize(t *testing.T) {
	f := newFakeExpirer(10)
	s := New(f, sweeperConfig(), nil, nil)

	assert.Equal(t, 3, s.SweepOnce(context.Background()))
	assert.Equal(t, 7, f.pending())
}

func TestSweepOnce_StopsOnError(t *testing.T) {
	f := newFakeExpirer(5)
	f.err = errors.New("db down")
	s := New(f, sweeperConfig(), nil, nil)

	assert.Equal(t, 0, s.SweepOnce(context.Background()))
	assert.Len(t, f.cutoffs, 1)
}

func TestSweepOnce_SkipsRowThatKeepsFailing(t *testing.T) {
	f := newFakeExpirer(3)
	f.poison[1] = true
	m := metrics.NewNop()
	s := New(f, sweeperConfig(), nil, m)

	assert.Equal(t, 2, s.SweepOnce(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweeperExpired))
	assert.Equal(t, []int64{1}, f.queue)

	require.Len(t, f.skips, 3)
	assert.Empty(t, f.skips[0])
	assert.Equal(t, []int64{1}, f.skips[1])
	assert.Equal(t, []int64{1}, f.skips[2])

	// The next sweep starts clean and tries the failing row again.
	assert.Equal(t, 0, s.SweepOnce(context.Background()))
	assert.Empty(t, f.skips[3])
}

func TestSweepOnce_AllRowsFailing(t *testing.T) {
	f := newFakeExpirer(5)
	for id := int64(1); id <= 5; id++ {
		f.poison[id] = true
	}
	s := New(f, sweeperConfig(), nil, nil)

	assert.Equal(t, 0, s.SweepOnce(context.Background()))
	require.Len(t, f.cutoffs, 3)
	assert.Equal(t, []int64{1, 2}, f.skips[2])
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFakeExpirer(4)
	s := New(f, sweeperConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return f.pending() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
