// Package payment is the payment transaction lifecycle: pending until the
// gateway reports back, the customer cancels, or the sweeper gives up.
// Every terminal step settles the order's stock reservation in the same
// database transaction.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/ledger"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/orderstatus"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	actorGateway = "payment-gateway"
	actorSweeper = "reservation-sweeper"
)

// Callback is what the gateway reported for a transaction.
type Callback struct {
	TransactionCode string
	Status          models.PaymentStatus
	Amount          *decimal.Decimal
}

type Result struct {
	Transaction *models.PaymentTransaction
	OrderStatus models.OrderStatus
	// Replayed is set when the transaction was already terminal and nothing
	// changed.
	Replayed bool
	// Mismatch is set when the reported amount disagreed with the stored one.
	Mismatch *database.AmountMismatchError
}

type Service struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	log        *zap.Logger
	dispatcher *events.Dispatcher
	metrics    *metrics.Metrics
}

func NewService(db *sql.DB, l *ledger.Ledger, log *zap.Logger, dispatcher *events.Dispatcher, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{db: db, ledger: l, log: log, dispatcher: dispatcher, metrics: m}
}

// CreatePending opens the transaction for a freshly created order. It runs on
// the caller's unit of work.
func (s *Service) CreatePending(ctx context.Context, q database.Querier, order *models.Order, amount decimal.Decimal, provider string) (*models.PaymentTransaction, error) {
	p := &models.PaymentTransaction{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		Provider:        provider,
		TransactionCode: uuid.NewString(),
		Amount:          amount,
		Status:          models.PaymentStatusPending,
	}
	if err := store.InsertPaymentTransaction(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

// outcome is the terminal state a pending transaction is about to take.
type outcome struct {
	status      models.PaymentStatus
	reason      *models.FailureReason
	needsReview bool
	logOutcome  string
	note        string
	actor       string
	reported    models.PaymentStatus
	amount      *decimal.Decimal
}

func failure(reason models.FailureReason) *models.FailureReason {
	return &reason
}

// ApplyCallback applies a gateway report. The transaction code is the
// idempotency key: a report for a transaction that is already terminal is
// logged and answered with the existing state.
func (s *Service) ApplyCallback(ctx context.Context, cb Callback) (*Result, error) {
	var (
		res *Result
		evs []events.Event
	)

	err := database.WithRetry(ctx, s.db, database.CheckoutTxOptions(), func(tx *sql.Tx) error {
		p, err := store.GetPaymentByCode(ctx, tx, cb.TransactionCode, true)
		if err != nil {
			return err
		}

		if p.Status.IsTerminal() {
			res, err = s.replay(ctx, tx, p, cb.Status, cb.Amount)
			evs = nil
			return err
		}

		out, mismatch := decide(p, cb)
		res, evs, err = s.finish(ctx, tx, p, out)
		if err != nil {
			return err
		}
		res.Mismatch = mismatch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply callback %s: %w", cb.TransactionCode, err)
	}

	s.report(ctx, res, evs)
	return res, nil
}

func decide(p *models.PaymentTransaction, cb Callback) (outcome, *database.AmountMismatchError) {
	out := outcome{actor: actorGateway, reported: cb.Status, amount: cb.Amount}

	if cb.Status != models.PaymentStatusSuccess {
		out.status = models.PaymentStatusFailed
		out.reason = failure(models.FailureDeclined)
		out.logOutcome = "declined"
		return out, nil
	}

	if cb.Amount == nil || !cb.Amount.Equal(p.Amount) {
		reported := decimal.Zero
		if cb.Amount != nil {
			reported = *cb.Amount
		}
		mismatch := &database.AmountMismatchError{
			TransactionCode: p.TransactionCode,
			Expected:        p.Amount,
			Reported:        reported,
		}
		out.status = models.PaymentStatusFailed
		out.reason = failure(models.FailureAmountMismatch)
		out.needsReview = true
		out.logOutcome = "amount_mismatch"
		out.note = mismatch.Error()
		return out, mismatch
	}

	out.status = models.PaymentStatusSuccess
	out.logOutcome = "success"
	return out, nil
}

// ExpirePending fails a pending transaction as timed out. A transaction that
// is already terminal is left as it is.
func (s *Service) ExpirePending(ctx context.Context, transactionCode string) (*Result, error) {
	var (
		res *Result
		evs []events.Event
	)

	err := database.WithRetry(ctx, s.db, database.CheckoutTxOptions(), func(tx *sql.Tx) error {
		p, err := store.GetPaymentByCode(ctx, tx, transactionCode, true)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			res, err = s.replay(ctx, tx, p, models.PaymentStatusFailed, nil)
			evs = nil
			return err
		}
		res, evs, err = s.finish(ctx, tx, p, timeoutOutcome())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire payment %s: %w", transactionCode, err)
	}

	s.report(ctx, res, evs)
	return res, nil
}

// ExpiryError names the transaction an expiry attempt failed on.
type ExpiryError struct {
	TransactionID   int64
	TransactionCode string
	Err             error
}

func (e *ExpiryError) Error() string {
	return fmt.Sprintf("expire payment %s: %v", e.TransactionCode, e.Err)
}

func (e *ExpiryError) Unwrap() error { return e.Err }

// ExpireNext claims the oldest pending transaction created before cutoff,
// other than those in skip, and expires it. Rows claimed by a concurrent
// instance are skipped. It returns nil with no error when nothing is left to
// expire. A failure after a row was claimed is an *ExpiryError.
func (s *Service) ExpireNext(ctx context.Context, cutoff time.Time, skip []int64) (*Result, error) {
	var (
		res     *Result
		evs     []events.Event
		claimed *models.PaymentTransaction
	)

	err := database.WithRetry(ctx, s.db, database.CheckoutTxOptions(), func(tx *sql.Tx) error {
		res, evs, claimed = nil, nil, nil

		p, err := store.NextExpiredPending(ctx, tx, cutoff, skip)
		if err != nil {
			if errors.Is(err, database.ErrPaymentNotFound) {
				return nil
			}
			return err
		}
		claimed = p
		res, evs, err = s.finish(ctx, tx, p, timeoutOutcome())
		return err
	})
	if err != nil {
		if claimed != nil {
			return nil, &ExpiryError{TransactionID: claimed.ID, TransactionCode: claimed.TransactionCode, Err: err}
		}
		return nil, fmt.Errorf("expire next pending payment: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	s.report(ctx, res, evs)
	return res, nil
}

func timeoutOutcome() outcome {
	return outcome{
		status:     models.PaymentStatusFailed,
		reason:     failure(models.FailureTimeout),
		logOutcome: "expired",
		actor:      actorSweeper,
		reported:   models.PaymentStatusFailed,
	}
}

// CancelPending is the customer's cancellation of an order still waiting for
// payment. Any other order state is refused.
func (s *Service) CancelPending(ctx context.Context, orderID int64, changedBy string) (*Result, error) {
	var (
		res *Result
		evs []events.Event
	)

	err := database.WithRetry(ctx, s.db, database.CheckoutTxOptions(), func(tx *sql.Tx) error {
		p, err := store.GetPaymentByOrderID(ctx, tx, orderID, true)
		if err != nil {
			return err
		}

		order, err := store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending || p.Status.IsTerminal() {
			return &database.IllegalStateTransitionError{
				Entity: "order " + order.OrderNumber,
				From:   string(order.Status),
				To:     string(models.OrderStatusCancelled),
			}
		}

		res, evs, err = s.finish(ctx, tx, p, outcome{
			status:     models.PaymentStatusFailed,
			reason:     failure(models.FailureUserCancelled),
			logOutcome: "user_cancelled",
			actor:      changedBy,
			reported:   models.PaymentStatusFailed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.report(ctx, res, evs)
	return res, nil
}

// finish moves p to its terminal state and applies the side effects: stock,
// coupon and order status. p must be locked by tx.
func (s *Service) finish(ctx context.Context, tx *sql.Tx, p *models.PaymentTransaction, out outcome) (*Result, []events.Event, error) {
	ok, err := store.FinishPayment(ctx, tx, p.ID, out.status, out.reason, out.needsReview)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		current, err := store.GetPaymentByCode(ctx, tx, p.TransactionCode, false)
		if err != nil {
			return nil, nil, err
		}
		res, err := s.replay(ctx, tx, current, out.reported, out.amount)
		return res, nil, err
	}

	if err := store.InsertCallbackLog(ctx, tx, p.ID, out.reported, out.amount, out.logOutcome, out.note); err != nil {
		return nil, nil, err
	}

	plan, err := s.ledger.LoadPlan(ctx, tx, p.OrderNumber)
	if err != nil {
		return nil, nil, err
	}

	var orderEvent events.Event
	if out.status == models.PaymentStatusSuccess {
		if err := s.ledger.Commit(ctx, tx, plan); err != nil {
			return nil, nil, err
		}
		if err := s.consumeCoupon(ctx, tx, p); err != nil {
			return nil, nil, err
		}
		orderEvent, err = orderstatus.Transition(ctx, tx, p.OrderID, models.OrderStatusConfirmed, out.actor)
	} else {
		if err := s.ledger.Release(ctx, tx, plan); err != nil {
			return nil, nil, err
		}
		orderEvent, err = orderstatus.Transition(ctx, tx, p.OrderID, models.OrderStatusCancelled, out.actor)
	}
	if err != nil {
		return nil, nil, err
	}

	updated, err := store.GetPaymentByCode(ctx, tx, p.TransactionCode, false)
	if err != nil {
		return nil, nil, err
	}

	paymentEvent := events.New(events.PaymentStatusChanged, p.OrderID, p.OrderNumber,
		string(models.PaymentStatusPending), string(out.status))

	res := &Result{
		Transaction: updated,
		OrderStatus: models.OrderStatus(orderEvent.NewStatus),
	}
	return res, []events.Event{paymentEvent, orderEvent}, nil
}

// consumeCoupon marks the order's owned coupon used. A coupon already
// consumed by another order is not refused at this point, since the money
// has been taken; the payment is flagged for review instead.
func (s *Service) consumeCoupon(ctx context.Context, tx *sql.Tx, p *models.PaymentTransaction) error {
	order, err := store.GetOrder(ctx, tx, p.OrderID)
	if err != nil {
		return err
	}
	if order.CouponID == nil {
		return nil
	}

	coupon, err := store.GetCoupon(ctx, tx, *order.CouponID)
	if err != nil {
		return err
	}
	if coupon.UserID == nil {
		return nil
	}

	consumed, err := store.MarkCouponUsed(ctx, tx, coupon.ID)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}

	s.log.Warn("coupon already used by another order, flagged for review",
		zap.Bool("alert", true),
		zap.String("order_number", order.OrderNumber),
		zap.String("transaction_code", p.TransactionCode),
		zap.String("coupon_code", coupon.Code),
	)
	return store.FlagPaymentForReview(ctx, tx, p.ID)
}

// replay records a report for a transaction that is already terminal.
func (s *Service) replay(ctx context.Context, tx *sql.Tx, p *models.PaymentTransaction, reported models.PaymentStatus, amount *decimal.Decimal) (*Result, error) {
	if err := store.InsertCallbackLog(ctx, tx, p.ID, reported, amount, "replayed", "transaction already "+string(p.Status)); err != nil {
		return nil, err
	}

	order, err := store.GetOrder(ctx, tx, p.OrderID)
	if err != nil {
		return nil, err
	}

	return &Result{Transaction: p, OrderStatus: order.Status, Replayed: true}, nil
}

func (s *Service) report(ctx context.Context, res *Result, evs []events.Event) {
	label := "replayed"
	if !res.Replayed {
		label = string(res.Transaction.Status)
		if res.Transaction.FailureReason != nil {
			label = string(*res.Transaction.FailureReason)
		}
	}
	s.metrics.PaymentCallbacks.WithLabelValues(label).Inc()

	fields := []zap.Field{
		zap.String("transaction_code", res.Transaction.TransactionCode),
		zap.String("order_number", res.Transaction.OrderNumber),
		zap.String("payment_status", string(res.Transaction.Status)),
		zap.String("order_status", string(res.OrderStatus)),
		zap.Bool("replayed", res.Replayed),
	}
	if res.Mismatch != nil {
		s.log.Error("payment amount mismatch, flagged for review", append(fields, zap.Error(res.Mismatch))...)
	} else {
		s.log.Info("payment transaction settled", fields...)
	}

	s.dispatcher.Dispatch(ctx, evs...)
}
