// Package checkout turns a cart into a pending order: price, stock
// reservation, order and payment transaction are created in one database
// transaction or not at all.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/ledger"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/orderstatus"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/pricing"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type SubmitRequest struct {
	UserID        int64
	AddressID     int64
	CouponCode    string
	PaymentMethod string
	ChangedBy     string
}

type SubmitResult struct {
	OrderNumber      string                 `json:"order_number"`
	TransactionCode  string                 `json:"transaction_code"`
	PaymentReference string                 `json:"payment_reference"`
	Breakdown        pricing.PriceBreakdown `json:"breakdown"`
}

type Service struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	resolver   *pricing.Resolver
	payments   *payment.Service
	gateways   *gateway.Registry
	log        *zap.Logger
	dispatcher *events.Dispatcher
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(
	db *sql.DB,
	l *ledger.Ledger,
	resolver *pricing.Resolver,
	payments *payment.Service,
	gateways *gateway.Registry,
	log *zap.Logger,
	dispatcher *events.Dispatcher,
	m *metrics.Metrics,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		db:         db,
		ledger:     l,
		resolver:   resolver,
		payments:   payments,
		gateways:   gateways,
		log:        log,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
	}
}

// Preview prices the user's current cart. Nothing is written.
func (s *Service) Preview(ctx context.Context, userID int64, couponCode string) (pricing.PriceBreakdown, error) {
	cart, err := store.GetCart(ctx, s.db, userID, false)
	if err != nil {
		return pricing.PriceBreakdown{}, err
	}
	return s.resolver.Preview(ctx, s.db, cart.Items, couponCode, userID)
}

// Submit places the order for the user's cart. On any error nothing has been
// written: no order, no reservation, and the cart is left as it was.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	provider, err := s.gateways.Provider(req.PaymentMethod)
	if err != nil {
		s.metrics.Checkouts.WithLabelValues("invalid_request").Inc()
		return nil, err
	}
	changedBy := req.ChangedBy
	if changedBy == "" {
		changedBy = fmt.Sprintf("user:%d", req.UserID)
	}

	var (
		order     *models.Order
		tx        *models.PaymentTransaction
		breakdown pricing.PriceBreakdown
		created   events.Event
	)

	err = retryOrderNumber(func() error {
		return database.WithRetry(ctx, s.db, database.CheckoutTxOptions(), func(sqlTx *sql.Tx) error {
			cart, err := store.GetCart(ctx, sqlTx, req.UserID, true)
			if err != nil {
				return err
			}
			if len(cart.Items) == 0 {
				return database.ErrEmptyCart
			}

			breakdown, err = s.resolver.Preview(ctx, sqlTx, cart.Items, req.CouponCode, req.UserID)
			if err != nil {
				return err
			}

			orderNumber := newOrderNumber(s.now())

			// Reserve in book id order so concurrent checkouts lock stock rows
			// in the same order.
			items := make([]models.CartItem, len(cart.Items))
			copy(items, cart.Items)
			sort.Slice(items, func(i, j int) bool { return items[i].BookID < items[j].BookID })

			plan := &ledger.ReservationPlan{ReferenceID: orderNumber}
			for _, item := range items {
				reserved, err := s.ledger.Reserve(ctx, sqlTx, orderNumber, item.BookID, item.Quantity, nil)
				if err != nil {
					return err
				}
				plan.Merge(reserved)
			}

			addressID, err := store.SnapshotAddress(ctx, sqlTx, req.UserID, req.AddressID)
			if err != nil {
				return err
			}

			order = &models.Order{
				OrderNumber:    orderNumber,
				UserID:         req.UserID,
				Status:         models.OrderStatusPending,
				TotalAmount:    breakdown.Total,
				DiscountAmount: breakdown.DiscountAmount,
				AddressID:      addressID,
				CouponID:       breakdown.CouponID,
				PaymentMethod:  provider.Name(),
				Items:          orderItems(items),
			}
			if err := store.InsertOrder(ctx, sqlTx, order); err != nil {
				return err
			}

			created, err = orderstatus.RecordCreated(ctx, sqlTx, order, changedBy)
			if err != nil {
				return err
			}

			tx, err = s.payments.CreatePending(ctx, sqlTx, order, breakdown.Total, provider.Name())
			if err != nil {
				return err
			}

			return store.ClearCart(ctx, sqlTx, cart.ID)
		})
	})
	if err != nil {
		s.metrics.Checkouts.WithLabelValues(resultLabel(err)).Inc()
		s.log.Info("checkout rejected", zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, err
	}

	s.metrics.Checkouts.WithLabelValues("ok").Inc()
	s.log.Info("order placed",
		zap.String("order_number", order.OrderNumber),
		zap.String("transaction_code", tx.TransactionCode),
		zap.Int64("user_id", req.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	s.dispatcher.Dispatch(ctx, created)

	reference, err := provider.PaymentReference(tx)
	if err != nil {
		// The order stands; the sweeper releases it if it is never paid.
		s.log.Error("build payment reference", zap.String("order_number", order.OrderNumber), zap.Error(err))
	}

	return &SubmitResult{
		OrderNumber:      order.OrderNumber,
		TransactionCode:  tx.TransactionCode,
		PaymentReference: reference,
		Breakdown:        breakdown,
	}, nil
}

func orderItems(items []models.CartItem) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, models.OrderItem{
			BookID:    item.BookID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPriceSnapshot,
			Subtotal:  item.UnitPriceSnapshot.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return out
}

// orderNumberAttempts bounds how many fresh order numbers Submit tries.
const orderNumberAttempts = 3

// newOrderNumber is BK, the UTC date and 12 hex characters.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return "BK" + now.UTC().Format("20060102") + suffix
}

// retryOrderNumber reruns fn while it fails on a duplicate order number.
// fn must draw a new number on every call.
func retryOrderNumber(fn func() error) error {
	var err error
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		err = fn()
		if !database.IsUniqueViolation(err, "orders_order_number_key") {
			return err
		}
	}
	return fmt.Errorf("allocate order number: %w", err)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, database.ErrCouponInvalid):
		return "coupon_invalid"
	case errors.Is(err, database.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, database.ErrAddressNotFound):
		return "invalid_request"
	default:
		return "error"
	}
}

func (s *Service) GetCart(ctx context.Context, userID int64) (*models.Cart, error) {
	return store.GetCart(ctx, s.db, userID, false)
}

// AddItem adds quantity copies of a book, snapshotting its current catalog
// price.
func (s *Service) AddItem(ctx context.Context, userID, bookID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	book, err := store.GetBook(ctx, s.db, bookID)
	if err != nil {
		return nil, err
	}

	if err := store.UpsertCartItem(ctx, s.db, userID, bookID, quantity, book.Price); err != nil {
		return nil, err
	}
	return s.GetCart(ctx, userID)
}

func (s *Service) RemoveItem(ctx context.Context, userID, bookID int64) (*models.Cart, error) {
	if err := store.RemoveCartItem(ctx, s.db, userID, bookID); err != nil {
		return nil, err
	}
	return s.GetCart(ctx, userID)
}
