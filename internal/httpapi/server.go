// Package httpapi exposes checkout, orders, carts, payment callbacks and the
// stock admin view over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/bookstore-checkout/internal/checkout"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/idempotency"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/pricing"
	"github.com/safar/bookstore-checkout/internal/store"
	"go.uber.org/zap"
)

type CheckoutService interface {
	Preview(ctx context.Context, userID int64, couponCode string) (pricing.PriceBreakdown, error)
	Submit(ctx context.Context, req checkout.SubmitRequest) (*checkout.SubmitResult, error)
	GetCart(ctx context.Context, userID int64) (*models.Cart, error)
	AddItem(ctx context.Context, userID, bookID int64, quantity int) (*models.Cart, error)
	RemoveItem(ctx context.Context, userID, bookID int64) (*models.Cart, error)
}

type OrderService interface {
	Get(ctx context.Context, orderNumber string) (*models.Order, error)
	History(ctx context.Context, orderID int64) ([]models.OrderStatusLog, error)
	List(ctx context.Context, userID int64, cursor string, limit int) (*store.Page[models.Order], error)
	Ship(ctx context.Context, orderNumber, changedBy string) (*models.Order, error)
	Deliver(ctx context.Context, orderNumber, changedBy string) (*models.Order, error)
}

type PaymentService interface {
	ApplyCallback(ctx context.Context, cb payment.Callback) (*payment.Result, error)
	CancelPending(ctx context.Context, orderID int64, changedBy string) (*payment.Result, error)
}

type StockService interface {
	Adjust(ctx context.Context, warehouseID, bookID int64, delta int, referenceID, note string) (*models.StockRecord, error)
	Snapshot(ctx context.Context, bookID int64) ([]models.StockRecord, error)
}

// IdempotencyStore is satisfied by *idempotency.Store.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (*idempotency.Record, error)
	Complete(ctx context.Context, scope, key string, rec idempotency.Record) error
	Abandon(ctx context.Context, scope, key string) error
}

// Deps are the services behind the router. Idempotency may be nil, which
// disables Idempotency-Key handling.
type Deps struct {
	Checkout    CheckoutService
	Orders      OrderService
	Payments    PaymentService
	Stock       StockService
	Signer      *gateway.Signer
	Idempotency IdempotencyStore
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Timeout     time.Duration
}

type Handler struct {
	checkout    CheckoutService
	orders      OrderService
	payments    PaymentService
	stock       StockService
	signer      *gateway.Signer
	idempotency IdempotencyStore
	log         *zap.Logger
}

func NewRouter(d Deps) *chi.Mux {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(requestLogger(d.Log), instrument(d.Metrics))
	r.Use(middleware.Timeout(d.Timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	h := &Handler{
		checkout:    d.Checkout,
		orders:      d.Orders,
		payments:    d.Payments,
		stock:       d.Stock,
		signer:      d.Signer,
		idempotency: d.Idempotency,
		log:         d.Log,
	}
	h.Register(r)
	return r
}

func (h *Handler) Register(r *chi.Mux) {
	// The gateway authenticates with a signature, not with identity headers.
	r.Post("/payments/callback", h.paymentCallback)
	r.Get("/payments/return", h.paymentReturn)

	r.Group(func(r chi.Router) {
		r.Use(identify, requireUser)

		r.Post("/checkout/preview", h.previewCheckout)
		r.Post("/checkout", h.submitCheckout)

		r.Get("/cart", h.getCart)
		r.Post("/cart/items", h.addCartItem)
		r.Delete("/cart/items/{bookID}", h.removeCartItem)

		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderNumber}", h.getOrder)
		r.Get("/orders/{orderNumber}/history", h.orderHistory)
		r.Post("/orders/{orderNumber}/cancel", h.cancelOrder)

		r.With(requirePermission(PermFulfilOrders)).Post("/orders/{orderNumber}/ship", h.shipOrder)
		r.With(requirePermission(PermFulfilOrders)).Post("/orders/{orderNumber}/deliver", h.deliverOrder)

		r.With(requirePermission(PermManageStock)).Post("/admin/stock/adjust", h.adjustStock)
		r.With(requirePermission(PermManageStock)).Get("/admin/stock/{bookID}", h.stockSnapshot)
	})
}
