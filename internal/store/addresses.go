package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

func CreateAddress(ctx context.Context, q database.Querier, a models.Address) (*models.Address, error) {
	out := &models.Address{}

	err := q.QueryRowContext(ctx,
		`INSERT INTO addresses (user_id, recipient_name, phone, line1, city, postal_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING id, user_id, recipient_name, phone, line1, city, postal_code`,
		a.UserID, a.RecipientName, a.Phone, a.Line1, a.City, a.PostalCode).Scan(
		&out.ID, &out.UserID, &out.RecipientName, &out.Phone, &out.Line1, &out.City, &out.PostalCode)
	if err != nil {
		return nil, fmt.Errorf("create address: %w", err)
	}

	return out, nil
}

// SnapshotAddress copies one of the user's addresses into order_addresses and
// returns the id of the copy. Later edits to the source do not affect orders.
func SnapshotAddress(ctx context.Context, q database.Querier, userID, addressID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO order_addresses (source_id, recipient_name, phone, line1, city, postal_code, created_at)
		 SELECT id, recipient_name, phone, line1, city, postal_code, NOW()
		 FROM addresses
		 WHERE id = $1 AND user_id = $2
		 RETURNING id`,
		addressID, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrAddressNotFound
		}
		return 0, fmt.Errorf("snapshot address: %w", err)
	}
	return id, nil
}

func GetOrderAddress(ctx context.Context, q database.Querier, id int64) (*models.Address, error) {
	a := &models.Address{}

	err := q.QueryRowContext(ctx,
		`SELECT id, recipient_name, phone, line1, city, postal_code
		 FROM order_addresses WHERE id = $1`,
		id).Scan(&a.ID, &a.RecipientName, &a.Phone, &a.Line1, &a.City, &a.PostalCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get order address: %w", err)
	}
	return a, nil
}
