package orderstatus_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/safar/bookstore-checkout/internal/checkout/checkouttest"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/events"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/orderstatus"
	"github.com/safar/bookstore-checkout/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidOrder(t *testing.T, h *checkouttest.Harness) *models.Order {
	t.Helper()
	h.AddToCart(t, h.Book.ID, 1)
	res := h.Submit(t, "")

	amount := decimal.NewFromInt(100000)
	_, err := h.Payments.ApplyCallback(context.Background(), payment.Callback{
		TransactionCode: res.TransactionCode,
		Status:          models.PaymentStatusSuccess,
		Amount:          &amount,
	})
	require.NoError(t, err)
	return h.Order(t, res.OrderNumber)
}

func TestShipAndDeliver(t *testing.T) {
	h := checkouttest.New(t)
	ctx := context.Background()
	order := paidOrder(t, h)

	shipped, err := h.Orders.Ship(ctx, order.OrderNumber, "shipper:7")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipping, shipped.Status)

	delivered, err := h.Orders.Deliver(ctx, order.OrderNumber, "shipper:7")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)
	assert.NotNil(t, delivered.CompletedAt)

	history, err := h.Orders.History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "shipper:7", history[3].ChangedBy)

	changes := h.Events.OfType(events.OrderStatusChanged)
	require.Len(t, changes, 3)
	assert.Equal(t, string(models.OrderStatusShipping), changes[2].OldStatus)
	assert.Equal(t, string(models.OrderStatusDelivered), changes[2].NewStatus)
}

func TestIllegalTransitionsLeaveOrderUntouched(t *testing.T) {
	h := checkouttest.New(t)
	ctx := context.Background()

	h.AddToCart(t, h.Book.ID, 1)
	res := h.Submit(t, "")

	_, err := h.Orders.Ship(ctx, res.OrderNumber, "shipper:7")
	var iste *database.IllegalStateTransitionError
	require.True(t, errors.As(err, &iste))
	assert.Equal(t, "pending", iste.From)
	assert.Equal(t, "shipping", iste.To)

	order := h.Order(t, res.OrderNumber)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	history, err := h.Orders.History(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransition_CancelShippingOrderRefused(t *testing.T) {
	h := checkouttest.New(t)
	ctx := context.Background()
	order := paidOrder(t, h)

	_, err := h.Orders.Ship(ctx, order.OrderNumber, "shipper:7")
	require.NoError(t, err)

	err = database.WithTransaction(ctx, h.DB, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		_, err := orderstatus.Transition(ctx, tx, order.ID, models.OrderStatusCancelled, "user:1001")
		return err
	})
	assert.ErrorIs(t, err, database.ErrIllegalStateTransition)
}

func TestGetUnknownOrder(t *testing.T) {
	h := checkouttest.New(t)
	_, err := h.Orders.Get(context.Background(), "BK-NOPE")
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestListOrdersPaginates(t *testing.T) {
	h := checkouttest.New(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.AddToCart(t, h.Book.ID, 1)
		h.Submit(t, "")
	}

	page, err := h.Orders.List(ctx, checkouttest.UserID, "", 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Len(t, page.Items, 2)

	next, err := h.Orders.List(ctx, checkouttest.UserID, page.NextCursor, 2)
	require.NoError(t, err)
	assert.False(t, next.HasMore)
	assert.Len(t, next.Items, 1)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)

	_, err = h.Orders.List(ctx, checkouttest.UserID, "bad!", 2)
	assert.ErrorIs(t, err, database.ErrInvalidCursor)
}
