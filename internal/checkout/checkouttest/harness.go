// Package checkouttest wires the order pipeline against a test database.
package checkouttest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/safar/bookstore-checkout/internal/checkout"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/ledger"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/orderstatus"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/pricing"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/safar/bookstore-checkout/internal/testdb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const UserID int64 = 1001

type Harness struct {
	DB       *sql.DB
	Ledger   *ledger.Ledger
	Payments *payment.Service
	Checkout *checkout.Service
	Orders   *orderstatus.Service
	Gateways *gateway.Registry
	Events   *events.Recorder
	Metrics  *metrics.Metrics

	Book      *models.Book
	Warehouse *models.Warehouse
	Address   *models.Address
}

// New seeds one book priced 100000 with 5 units in one warehouse, an
// address for UserID and the public coupon SAVE10 (10%, no cap).
func New(t *testing.T) *Harness {
	t.Helper()

	db := testdb.New(t)
	log := zaptest.NewLogger(t)
	m := metrics.NewNop()
	rec := &events.Recorder{}
	dispatcher := events.NewDispatcher(rec, log, m.EventPublishFailures)

	l := ledger.New(log)
	gateways := gateway.NewRegistry(gateway.Config{})
	payments := payment.NewService(db, l, log, dispatcher, m)

	h := &Harness{
		DB:       db,
		Ledger:   l,
		Payments: payments,
		Checkout: checkout.NewService(db, l, pricing.NewResolver(), payments, gateways, log, dispatcher, m),
		Orders:   orderstatus.NewService(db, log, dispatcher),
		Gateways: gateways,
		Events:   rec,
		Metrics:  m,
	}

	h.Book = testdb.Book(t, db, "978-0000000100", "100000")
	h.Warehouse = testdb.Warehouse(t, db, "MAIN", 1)
	testdb.Stock(t, db, h.Warehouse.ID, h.Book.ID, 5)
	h.Address = testdb.Address(t, db, UserID)
	h.Coupon(t, models.Coupon{Code: "SAVE10", Value: decimal.NewFromInt(10), IsPercentage: true})

	return h
}

// Coupon creates a coupon expiring in a day unless c sets an expiration.
func (h *Harness) Coupon(t *testing.T, c models.Coupon) *models.Coupon {
	t.Helper()
	if c.Expiration.IsZero() {
		c.Expiration = time.Now().Add(24 * time.Hour)
	}
	out, err := store.CreateCoupon(context.Background(), h.DB, c)
	if err != nil {
		t.Fatalf("Create coupon: %v", err)
	}
	return out
}

func (h *Harness) AddToCart(t *testing.T, bookID int64, quantity int) {
	t.Helper()
	if _, err := h.Checkout.AddItem(context.Background(), UserID, bookID, quantity); err != nil {
		t.Fatalf("Add to cart: %v", err)
	}
}

// Submit places an order for UserID by bank transfer.
func (h *Harness) Submit(t *testing.T, coupon string) *checkout.SubmitResult {
	t.Helper()
	res, err := h.Checkout.Submit(context.Background(), checkout.SubmitRequest{
		UserID:        UserID,
		AddressID:     h.Address.ID,
		CouponCode:    coupon,
		PaymentMethod: gateway.MethodBankTransfer,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func (h *Harness) Order(t *testing.T, orderNumber string) *models.Order {
	t.Helper()
	o, err := store.GetOrderByNumber(context.Background(), h.DB, orderNumber)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	return o
}

func (h *Harness) Payment(t *testing.T, code string) *models.PaymentTransaction {
	t.Helper()
	p, err := store.GetPaymentByCode(context.Background(), h.DB, code, false)
	if err != nil {
		t.Fatalf("Get payment: %v", err)
	}
	return p
}

func (h *Harness) Stock(t *testing.T) *models.StockRecord {
	t.Helper()
	return testdb.StockRecord(t, h.DB, h.Warehouse.ID, h.Book.ID)
}

// Backdate moves a payment transaction's creation time into the past.
func (h *Harness) Backdate(t *testing.T, code string, by time.Duration) {
	t.Helper()
	_, err := h.DB.Exec(
		`UPDATE payment_transactions SET created_at = created_at - make_interval(secs => $1) WHERE transaction_code = $2`,
		by.Seconds(), code)
	if err != nil {
		t.Fatalf("Backdate payment: %v", err)
	}
}

func (h *Harness) Count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := h.DB.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("Count %s: %v", table, err)
	}
	return n
}
