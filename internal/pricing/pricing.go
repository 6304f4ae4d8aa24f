// Package pricing computes the price of a cart, including the coupon
// discount. Nothing here writes: marking a coupon used belongs to the payment
// success path.
package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type PriceBreakdown struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	CouponID       *int64          `json:"coupon_id,omitempty"`
}

// Resolve prices items with an optional coupon. A nil coupon means no code
// was given. The caller passes now so the result is deterministic.
func Resolve(items []models.CartItem, coupon *models.Coupon, userID int64, now time.Time) (PriceBreakdown, error) {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPriceSnapshot.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	breakdown := PriceBreakdown{
		Subtotal:       subtotal,
		DiscountAmount: decimal.Zero,
		Total:          subtotal,
	}
	if coupon == nil {
		return breakdown, nil
	}

	if err := validateCoupon(coupon, userID, now); err != nil {
		return PriceBreakdown{}, err
	}

	discount := Discount(coupon, subtotal)
	id := coupon.ID
	breakdown.DiscountAmount = discount
	breakdown.Total = subtotal.Sub(discount)
	breakdown.CouponCode = coupon.Code
	breakdown.CouponID = &id
	return breakdown, nil
}

// Discount applies the coupon to subtotal. Percentage coupons are capped by
// MaxDiscountAmount when it is set; fixed coupons never exceed the subtotal.
func Discount(coupon *models.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	if coupon.IsPercentage {
		discount = subtotal.Mul(coupon.Value).Div(hundred)
		if coupon.MaxDiscountAmount != nil && discount.GreaterThan(*coupon.MaxDiscountAmount) {
			discount = *coupon.MaxDiscountAmount
		}
	} else {
		discount = decimal.Min(coupon.Value, subtotal)
	}
	return discount.Round(2)
}

func validateCoupon(coupon *models.Coupon, userID int64, now time.Time) error {
	switch {
	case !now.Before(coupon.Expiration):
		return &database.CouponInvalidError{Code: coupon.Code, Reason: database.CouponExpired}
	case coupon.UserID != nil && *coupon.UserID != userID:
		return &database.CouponInvalidError{Code: coupon.Code, Reason: database.CouponWrongOwner}
	case coupon.IsUsed:
		return &database.CouponInvalidError{Code: coupon.Code, Reason: database.CouponUsed}
	}
	return nil
}

// Resolver looks coupons up before calling Resolve.
type Resolver struct {
	now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Preview resolves the price of items for userID. An empty code skips the
// coupon lookup.
func (r *Resolver) Preview(ctx context.Context, q database.Querier, items []models.CartItem, code string, userID int64) (PriceBreakdown, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Resolve(items, nil, userID, r.now())
	}

	coupon, err := store.GetCouponByCode(ctx, q, code)
	if err != nil {
		if errors.Is(err, database.ErrCouponNotFound) {
			return PriceBreakdown{}, &database.CouponInvalidError{Code: strings.ToUpper(code), Reason: database.CouponNotFound}
		}
		return PriceBreakdown{}, err
	}

	return Resolve(items, coupon, userID, r.now())
}
