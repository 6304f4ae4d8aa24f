package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/safar/bookstore-checkout/internal/checkout"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/gateway"
	"github.com/safar/bookstore-checkout/internal/idempotency"
	"github.com/safar/bookstore-checkout/internal/metrics"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/safar/bookstore-checkout/internal/pricing"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeCheckout struct {
	mu         sync.Mutex
	submits    int
	lastSubmit checkout.SubmitRequest
	submitRes  *checkout.SubmitResult
	submitErr  error
	previewErr error
}

func (f *fakeCheckout) Preview(ctx context.Context, userID int64, couponCode string) (pricing.PriceBreakdown, error) {
	if f.previewErr != nil {
		return pricing.PriceBreakdown{}, f.previewErr
	}
	return pricing.PriceBreakdown{
		Subtotal: decimal.NewFromInt(200000),
		Total:    decimal.NewFromInt(200000),
	}, nil
}

func (f *fakeCheckout) Submit(ctx context.Context, req checkout.SubmitRequest) (*checkout.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastSubmit = req
	return f.submitRes, f.submitErr
}

func (f *fakeCheckout) GetCart(ctx context.Context, userID int64) (*models.Cart, error) {
	return &models.Cart{ID: 1, UserID: userID, Items: []models.CartItem{}}, nil
}

func (f *fakeCheckout) AddItem(ctx context.Context, userID, bookID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}
	return &models.Cart{ID: 1, UserID: userID, Items: []models.CartItem{{BookID: bookID, Quantity: quantity}}}, nil
}

func (f *fakeCheckout) RemoveItem(ctx context.Context, userID, bookID int64) (*models.Cart, error) {
	return f.GetCart(ctx, userID)
}

type fakeOrders struct {
	orders   map[string]*models.Order
	shipErr  error
	shippers []string
}

func (f *fakeOrders) Get(ctx context.Context, orderNumber string) (*models.Order, error) {
	o, ok := f.orders[orderNumber]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrders) History(ctx context.Context, orderID int64) ([]models.OrderStatusLog, error) {
	return []models.OrderStatusLog{{OrderID: orderID, NewStatus: models.OrderStatusPending}}, nil
}

func (f *fakeOrders) List(ctx context.Context, userID int64, cursor string, limit int) (*store.Page[models.Order], error) {
	if _, err := store.DecodeCursor(cursor); err != nil {
		return nil, err
	}
	return &store.Page[models.Order]{Items: []models.Order{}}, nil
}

func (f *fakeOrders) Ship(ctx context.Context, orderNumber, changedBy string) (*models.Order, error) {
	if f.shipErr != nil {
		return nil, f.shipErr
	}
	f.shippers = append(f.shippers, changedBy)
	o, err := f.Get(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatusShipping
	return o, nil
}

func (f *fakeOrders) Deliver(ctx context.Context, orderNumber, changedBy string) (*models.Order, error) {
	return f.Get(ctx, orderNumber)
}

type fakePayments struct {
	callbacks []payment.Callback
	err       error
}

func (f *fakePayments) ApplyCallback(ctx context.Context, cb payment.Callback) (*payment.Result, error) {
	f.callbacks = append(f.callbacks, cb)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Result{
		Transaction: &models.PaymentTransaction{TransactionCode: cb.TransactionCode, Status: cb.Status},
		OrderStatus: models.OrderStatusConfirmed,
	}, nil
}

func (f *fakePayments) CancelPending(ctx context.Context, orderID int64, changedBy string) (*payment.Result, error) {
	return &payment.Result{
		Transaction: &models.PaymentTransaction{Status: models.PaymentStatusFailed},
		OrderStatus: models.OrderStatusCancelled,
	}, nil
}

type fakeStock struct {
	adjustErr error
	records   []models.StockRecord
}

func (f *fakeStock) Adjust(ctx context.Context, warehouseID, bookID int64, delta int, referenceID, note string) (*models.StockRecord, error) {
	if f.adjustErr != nil {
		return nil, f.adjustErr
	}
	return &models.StockRecord{WarehouseID: warehouseID, BookID: bookID, OnHand: delta}, nil
}

func (f *fakeStock) Snapshot(ctx context.Context, bookID int64) ([]models.StockRecord, error) {
	return f.records, nil
}

// --- helpers ---

type env struct {
	router   *chi.Mux
	checkout *fakeCheckout
	orders   *fakeOrders
	payments *fakePayments
	stock    *fakeStock
	metrics  *metrics.Metrics
}

func newEnv(t *testing.T, opts ...func(*Deps)) *env {
	t.Helper()
	e := &env{
		checkout: &fakeCheckout{},
		orders: &fakeOrders{orders: map[string]*models.Order{
			"BK20260101AAAA0001": {ID: 7, OrderNumber: "BK20260101AAAA0001", UserID: 1001, Status: models.OrderStatusConfirmed},
		}},
		payments: &fakePayments{},
		stock:    &fakeStock{},
		metrics:  metrics.NewNop(),
	}
	d := Deps{
		Checkout: e.checkout,
		Orders:   e.orders,
		Payments: e.payments,
		Stock:    e.stock,
		Signer:   gateway.NewSigner(""),
		Metrics:  e.metrics,
	}
	for _, o := range opts {
		o(&d)
	}
	e.router = NewRouter(d)
	return e
}

func (e *env) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, r)
	return rec
}

func user(id int64, perms ...string) map[string]string {
	h := map[string]string{HeaderUserID: fmt.Sprint(id)}
	if len(perms) > 0 {
		h[HeaderPermissions] = strings.Join(perms, ",")
	}
	return h
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const submitBody = `{"address_id": 3, "payment_method": "bank_transfer"}`

// --- tests ---

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequiresIdentity(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/cart", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/cart", "", map[string]string{HeaderUserID: "abc"}).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/cart", "", user(1001)).Code)
}

func TestPreview_CouponRejectionIs422(t *testing.T) {
	e := newEnv(t)
	e.checkout.previewErr = &database.CouponInvalidError{Code: "OLD", Reason: database.CouponExpired}

	rec := e.do(http.MethodPost, "/checkout/preview", `{"coupon_code":"old"}`, user(1001))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "expired", decodeBody(t, rec)["reason"])
}

func TestSubmit_InsufficientStockIs409WithDetail(t *testing.T) {
	e := newEnv(t)
	e.checkout.submitErr = fmt.Errorf("reserve: %w", &database.InsufficientStockError{BookID: 42, Requested: 3, Available: 0})

	rec := e.do(http.MethodPost, "/checkout", submitBody, user(1001))
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(42), body["book_id"])
	assert.Equal(t, float64(3), body["requested"])
	assert.Equal(t, float64(0), body["available"])
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/checkout", `{"payment_method":"bank_transfer"}`, user(1001)).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/checkout", `not json`, user(1001)).Code)

	e.checkout.submitErr = database.ErrEmptyCart
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/checkout", submitBody, user(1001)).Code)

	e.checkout.submitErr = fmt.Errorf("%w: %q", gateway.ErrUnknownMethod, "crypto")
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/checkout", submitBody, user(1001)).Code)

	e.checkout.submitErr = errors.New("connection reset")
	assert.Equal(t, http.StatusInternalServerError, e.do(http.MethodPost, "/checkout", submitBody, user(1001)).Code)
}

func TestSubmit_PassesIdentityThrough(t *testing.T) {
	e := newEnv(t)
	e.checkout.submitRes = &checkout.SubmitResult{OrderNumber: "BK1"}

	rec := e.do(http.MethodPost, "/checkout", `{"address_id": 3, "coupon_code": "SAVE10", "payment_method": "bank_transfer"}`, user(1001))
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, int64(1001), e.checkout.lastSubmit.UserID)
	assert.Equal(t, int64(3), e.checkout.lastSubmit.AddressID)
	assert.Equal(t, "SAVE10", e.checkout.lastSubmit.CouponCode)
	assert.Equal(t, "user:1001", e.checkout.lastSubmit.ChangedBy)
}

func newIdempotencyStore(t *testing.T) IdempotencyStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.NewStore(rdb, time.Hour)
}

func TestSubmit_IdempotencyKeyReplaysFirstResponse(t *testing.T) {
	idem := newIdempotencyStore(t)
	e := newEnv(t, func(d *Deps) { d.Idempotency = idem })
	e.checkout.submitRes = &checkout.SubmitResult{OrderNumber: "BK20260101AAAA0001", TransactionCode: "tx-1"}

	headers := user(1001)
	headers[idempotency.Header] = "key-1"

	first := e.do(http.MethodPost, "/checkout", submitBody, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := e.do(http.MethodPost, "/checkout", submitBody, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, e.checkout.submits)

	// Keys are scoped per user.
	other := user(2002)
	other[idempotency.Header] = "key-1"
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/checkout", submitBody, other).Code)
	assert.Equal(t, 2, e.checkout.submits)
}

func TestSubmit_RejectedSubmitReleasesKey(t *testing.T) {
	idem := newIdempotencyStore(t)
	e := newEnv(t, func(d *Deps) { d.Idempotency = idem })
	e.checkout.submitErr = database.ErrEmptyCart

	headers := user(1001)
	headers[idempotency.Header] = "key-2"

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/checkout", submitBody, headers).Code)

	e.checkout.submitErr = nil
	e.checkout.submitRes = &checkout.SubmitResult{OrderNumber: "BK2"}
	assert.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/checkout", submitBody, headers).Code)
	assert.Equal(t, 2, e.checkout.submits)
}

func TestSubmit_InFlightKeyIs409(t *testing.T) {
	idem := newIdempotencyStore(t)
	_, err := idem.Begin(context.Background(), "checkout:1001", "key-3")
	require.NoError(t, err)

	e := newEnv(t, func(d *Deps) { d.Idempotency = idem })
	headers := user(1001)
	headers[idempotency.Header] = "key-3"

	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/checkout", submitBody, headers).Code)
	assert.Equal(t, 0, e.checkout.submits)
}

func TestGetOrder_Visibility(t *testing.T) {
	e := newEnv(t)
	path := "/orders/BK20260101AAAA0001"

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, path, "", user(1001)).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, path, "", user(2002)).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, path, "", user(2002, PermFulfilOrders)).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/orders/BK-MISSING", "", user(1001)).Code)

	rec := e.do(http.MethodGet, path+"/history", "", user(1001))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, path+"/cancel", "", user(2002)).Code)
	rec = e.do(http.MethodPost, path+"/cancel", "", user(1001))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])
}

func TestListOrders_InvalidCursor(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/orders?cursor=bad!", "", user(1001)).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/orders?limit=5", "", user(1001)).Code)
}

func TestShip_RequiresPermission(t *testing.T) {
	e := newEnv(t)
	path := "/orders/BK20260101AAAA0001/ship"

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, path, "", user(1001)).Code)

	rec := e.do(http.MethodPost, path, "", user(9, PermFulfilOrders))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shipping", decodeBody(t, rec)["status"])
	assert.Equal(t, []string{"user:9"}, e.orders.shippers)

	e.orders.shipErr = &database.IllegalStateTransitionError{Entity: "order BK", From: "pending", To: "shipping"}
	rec = e.do(http.MethodPost, path, "", user(9, PermFulfilOrders))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["from"])
	assert.Equal(t, "shipping", body["to"])
}

func TestCart(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/cart/items", `{"book_id": 5, "quantity": 2}`, user(1001))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodPost, "/cart/items", `{"book_id": 5, "quantity": 0}`, user(1001))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodDelete, "/cart/items/abc", "", user(1001)).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/cart/items/5", "", user(1001)).Code)
}

func signed(secret string, params url.Values) url.Values {
	params.Set("signature", gateway.NewSigner(secret).Sign(params))
	return params
}

func postForm(e *env, path string, params url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, r)
	return rec
}

func TestCallback_VerifiesSignature(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Signer = gateway.NewSigner("s3cret") })

	params := url.Values{"transaction_code": {"tx-1"}, "status": {"paid"}, "amount": {"180000.00"}}

	forged := url.Values{"transaction_code": {"tx-1"}, "status": {"paid"}, "amount": {"1.00"}, "signature": {"00ff"}}
	assert.Equal(t, http.StatusBadRequest, postForm(e, "/payments/callback", forged).Code)
	assert.Empty(t, e.payments.callbacks)

	rec := postForm(e, "/payments/callback", signed("s3cret", params))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.payments.callbacks, 1)

	cb := e.payments.callbacks[0]
	assert.Equal(t, "tx-1", cb.TransactionCode)
	assert.Equal(t, models.PaymentStatusSuccess, cb.Status)
	require.NotNil(t, cb.Amount)
	assert.True(t, cb.Amount.Equal(decimal.NewFromInt(180000)))
}

func TestCallback_JSONBody(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Signer = gateway.NewSigner("s3cret") })

	params := signed("s3cret", url.Values{"transaction_code": {"tx-2"}, "status": {"declined"}, "amount": {"10"}})
	body := fmt.Sprintf(`{"transaction_code":"tx-2","status":"declined","amount":10,"signature":%q}`, params.Get("signature"))

	rec := e.do(http.MethodPost, "/payments/callback", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.payments.callbacks, 1)
	assert.Equal(t, models.PaymentStatusFailed, e.payments.callbacks[0].Status)
}

func TestCallback_AcknowledgesUnknownAndConflicting(t *testing.T) {
	e := newEnv(t)
	e.payments.err = database.ErrPaymentNotFound

	rec := postForm(e, "/payments/callback", url.Values{"transaction_code": {"nope"}, "status": {"success"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["received"])

	e.payments.err = &database.IllegalStateTransitionError{From: "cancelled", To: "confirmed"}
	rec = postForm(e, "/payments/callback", url.Values{"transaction_code": {"tx-2"}, "status": {"success"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["received"])
}

func TestCallback_FailureIsNotAcknowledged(t *testing.T) {
	e := newEnv(t)
	e.payments.err = errors.New("database unavailable")

	rec := postForm(e, "/payments/callback", url.Values{"transaction_code": {"tx-3"}, "status": {"success"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, decodeBody(t, rec), "received")

	rec = e.do(http.MethodGet, "/payments/return?transaction_code=tx-3&status=success", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallback_MalformedIs400(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusBadRequest, postForm(e, "/payments/callback", url.Values{"status": {"success"}}).Code)
	assert.Equal(t, http.StatusBadRequest, postForm(e, "/payments/callback", url.Values{"transaction_code": {"tx"}, "status": {"maybe"}}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/payments/callback", `{"transaction_code":`, nil).Code)
	assert.Empty(t, e.payments.callbacks)
}

func TestPaymentReturn(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Signer = gateway.NewSigner("s3cret") })

	params := signed("s3cret", url.Values{"transaction_code": {"tx-4"}, "status": {"success"}, "amount": {"100.00"}})
	rec := e.do(http.MethodGet, "/payments/return?"+params.Encode(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "confirmed", body["order_status"])
}

func TestAdminStock(t *testing.T) {
	e := newEnv(t)
	e.stock.records = []models.StockRecord{
		{WarehouseID: 1, BookID: 5, OnHand: 5, Reserved: 2},
		{WarehouseID: 2, BookID: 5, OnHand: 3, Sold: 1},
	}
	admin := user(9, PermManageStock)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/admin/stock/5", "", user(1001)).Code)

	rec := e.do(http.MethodGet, "/admin/stock/5", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), decodeBody(t, rec)["available"])

	rec = e.do(http.MethodPost, "/admin/stock/adjust", `{"warehouse_id":1,"book_id":5,"delta":4}`, admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/admin/stock/adjust", `{"book_id":5,"delta":4}`, admin).Code)

	e.stock.adjustErr = fmt.Errorf("adjust: %w", database.ErrLedgerInvariant)
	rec = e.do(http.MethodPost, "/admin/stock/adjust", `{"warehouse_id":1,"book_id":5,"delta":-9}`, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestsAreCountedByRoutePattern(t *testing.T) {
	e := newEnv(t)

	e.do(http.MethodGet, "/orders/BK20260101AAAA0001", "", user(1001))
	e.do(http.MethodGet, "/orders/BK-MISSING", "", user(1001))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("/orders/{orderNumber}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("/orders/{orderNumber}", "404")))
}
