package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/shopspring/decimal"
)

func ensureCart(ctx context.Context, q database.Querier, userID int64) (int64, error) {
	var cartID int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()
		 RETURNING id`,
		userID).Scan(&cartID)
	if err != nil {
		return 0, fmt.Errorf("ensure cart: %w", err)
	}
	return cartID, nil
}

// GetCart returns the user's cart; a user without one gets an empty cart
// with ID 0. With forUpdate the cart row stays locked until the caller's
// transaction ends, so two checkouts of the same cart serialize.
func GetCart(ctx context.Context, q database.Querier, userID int64, forUpdate bool) (*models.Cart, error) {
	query := `SELECT id FROM carts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var cartID int64
	if err := q.QueryRowContext(ctx, query, userID).Scan(&cartID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Cart{UserID: userID, Items: []models.CartItem{}}, nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT book_id, quantity, unit_price_snapshot
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	cart := &models.Cart{ID: cartID, UserID: userID, Items: []models.CartItem{}}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.BookID, &item.Quantity, &item.UnitPriceSnapshot); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cart, nil
}

// UpsertCartItem adds quantity to the line for bookID and refreshes its price
// snapshot.
func UpsertCartItem(ctx context.Context, q database.Querier, userID, bookID int64, quantity int, unitPrice decimal.Decimal) error {
	cartID, err := ensureCart(ctx, q, userID)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, book_id, quantity, unit_price_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (cart_id, book_id) DO UPDATE
		 SET quantity = cart_items.quantity + EXCLUDED.quantity,
		     unit_price_snapshot = EXCLUDED.unit_price_snapshot`,
		cartID, bookID, quantity, unitPrice)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func RemoveCartItem(ctx context.Context, q database.Querier, userID, bookID int64) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM cart_items
		 WHERE book_id = $2
		   AND cart_id = (SELECT id FROM carts WHERE user_id = $1)`,
		userID, bookID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	return nil
}

func ClearCart(ctx context.Context, q database.Querier, cartID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
