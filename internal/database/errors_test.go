package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"deadlock", fmt.Errorf("update: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent},
		{"check violation", &pq.Error{Code: "23514"}, ErrorClassPermanent},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"reservation conflict", fmt.Errorf("reserve book 1: %w", ErrReservationConflict), ErrorClassTransient},
		{"insufficient stock", &InsufficientStockError{BookID: 1, Requested: 2}, ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrReservationConflict))
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.False(t, IsRetryable(ErrLedgerInvariant))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "orders_order_number_key"})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "orders_order_number_key"))
	assert.False(t, IsUniqueViolation(err, "coupons_code_key"))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	stock := fmt.Errorf("checkout: %w", &InsufficientStockError{BookID: 7, Requested: 3, Available: 1})
	assert.ErrorIs(t, stock, ErrInsufficientStock)
	assert.Equal(t, "checkout: insufficient stock for book 7: requested 3, available 1", stock.Error())

	var ise *InsufficientStockError
	assert.True(t, errors.As(stock, &ise))
	assert.Equal(t, int64(7), ise.BookID)

	coupon := &CouponInvalidError{Code: "SAVE10", Reason: CouponExpired}
	assert.ErrorIs(t, coupon, ErrCouponInvalid)
	assert.Contains(t, coupon.Error(), "expired")

	mismatch := &AmountMismatchError{TransactionCode: "tx-1", Expected: decimal.NewFromInt(10), Reported: decimal.NewFromInt(9)}
	assert.ErrorIs(t, mismatch, ErrAmountMismatch)

	illegal := &IllegalStateTransitionError{Entity: "order", From: "shipping", To: "cancelled"}
	assert.ErrorIs(t, illegal, ErrIllegalStateTransition)
	assert.NotErrorIs(t, illegal, ErrAmountMismatch)
}
