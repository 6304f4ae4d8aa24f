package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	if errors.Is(err, ErrReservationConflict) {
		return ErrorClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUniqueViolation reports whether err is a unique constraint failure on the
// named constraint. An empty name matches any unique constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrBookNotFound           = errors.New("book not found")
	ErrAddressNotFound        = errors.New("address not found")
	ErrPaymentNotFound        = errors.New("payment transaction not found")
	ErrCouponNotFound         = errors.New("coupon not found")
	ErrEmptyCart              = errors.New("cart is empty, nothing to checkout")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrCouponInvalid          = errors.New("coupon invalid")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInvalidCursor          = errors.New("invalid cursor")

	// ErrReservationConflict means a stock record changed between the
	// snapshot and the conditional update. The unit of work is retried.
	ErrReservationConflict = errors.New("stock reservation conflict")

	// ErrLedgerInvariant means a ledger update would have broken
	// reserved + sold <= on_hand. It is never corrected automatically.
	ErrLedgerInvariant = errors.New("stock ledger invariant violation")
)

// InsufficientStockError carries enough detail for the caller to adjust the
// cart and retry.
type InsufficientStockError struct {
	BookID    int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for book %d: requested %d, available %d", e.BookID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type CouponReason string

const (
	CouponNotFound   CouponReason = "not_found"
	CouponExpired    CouponReason = "expired"
	CouponUsed       CouponReason = "used"
	CouponWrongOwner CouponReason = "wrong_owner"
)

type CouponInvalidError struct {
	Code   string
	Reason CouponReason
}

func (e *CouponInvalidError) Error() string {
	return fmt.Sprintf("coupon %q invalid: %s", e.Code, e.Reason)
}

func (e *CouponInvalidError) Is(target error) bool { return target == ErrCouponInvalid }

type AmountMismatchError struct {
	TransactionCode string
	Expected        decimal.Decimal
	Reported        decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("transaction %s: expected amount %s, gateway reported %s", e.TransactionCode, e.Expected, e.Reported)
}

func (e *AmountMismatchError) Is(target error) bool { return target == ErrAmountMismatch }

// IllegalStateTransitionError is returned when an order or payment is asked
// to move along an edge its current state does not allow.
type IllegalStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *IllegalStateTransitionError) Is(target error) bool {
	return target == ErrIllegalStateTransition
}
