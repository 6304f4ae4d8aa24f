package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

const couponColumns = `id, code, value, is_percentage, max_discount_amount, expiration, is_used, user_id, used_at`

func scanCoupon(row interface{ Scan(...any) error }, c *models.Coupon) error {
	return row.Scan(&c.ID, &c.Code, &c.Value, &c.IsPercentage, &c.MaxDiscountAmount, &c.Expiration, &c.IsUsed, &c.UserID, &c.UsedAt)
}

func CreateCoupon(ctx context.Context, q database.Querier, c models.Coupon) (*models.Coupon, error) {
	out := &models.Coupon{}

	err := scanCoupon(q.QueryRowContext(ctx,
		`INSERT INTO coupons (code, value, is_percentage, max_discount_amount, expiration, is_used, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, NOW())
		 RETURNING `+couponColumns,
		strings.ToUpper(c.Code), c.Value, c.IsPercentage, c.MaxDiscountAmount, c.Expiration, c.UserID), out)
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}

	return out, nil
}

// GetCouponByCode matches codes case-insensitively; codes are stored upper case.
func GetCouponByCode(ctx context.Context, q database.Querier, code string) (*models.Coupon, error) {
	c := &models.Coupon{}

	err := scanCoupon(q.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`,
		strings.ToUpper(strings.TrimSpace(code))), c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return c, nil
}

func GetCoupon(ctx context.Context, q database.Querier, id int64) (*models.Coupon, error) {
	c := &models.Coupon{}

	err := scanCoupon(q.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id), c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return c, nil
}

// MarkCouponUsed consumes an owned coupon. Public promos (user_id NULL) and
// already used coupons are left alone; the result reports whether a row was
// consumed.
func MarkCouponUsed(ctx context.Context, q database.Querier, id int64) (bool, error) {
	return execAffected(ctx, q, "mark coupon used",
		`UPDATE coupons
		 SET is_used = TRUE, used_at = NOW()
		 WHERE id = $1
		   AND user_id IS NOT NULL
		   AND is_used = FALSE`,
		id)
}
