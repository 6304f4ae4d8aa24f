package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

const orderColumns = `id, order_number, user_id, status, total_amount, discount_amount, address_id, coupon_id,
	payment_method, created_at, updated_at, paid_at, completed_at, cancelled_at`

func scanOrder(row interface{ Scan(...any) error }, o *models.Order) error {
	return row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.Status,
		&o.TotalAmount,
		&o.DiscountAmount,
		&o.AddressID,
		&o.CouponID,
		&o.PaymentMethod,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.PaidAt,
		&o.CompletedAt,
		&o.CancelledAt,
	)
}

// InsertOrder writes the order header and its items. ID and timestamps are
// filled in on o.
func InsertOrder(ctx context.Context, q database.Querier, o *models.Order) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO orders (order_number, user_id, status, total_amount, discount_amount, address_id,
		                     coupon_id, payment_method, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		o.OrderNumber, o.UserID, o.Status, o.TotalAmount, o.DiscountAmount, o.AddressID,
		o.CouponID, o.PaymentMethod).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		err := q.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, book_id, quantity, unit_price, subtotal, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 RETURNING id, created_at`,
			o.ID, item.BookID, item.Quantity, item.UnitPrice, item.Subtotal).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}

	return nil
}

func GetOrder(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	return getOrderWhere(ctx, q, `id = $1`, id)
}

func GetOrderByNumber(ctx context.Context, q database.Querier, orderNumber string) (*models.Order, error) {
	return getOrderWhere(ctx, q, `order_number = $1`, orderNumber)
}

func getOrderWhere(ctx context.Context, q database.Querier, where string, arg any) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := listOrderItems(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func listOrderItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, book_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.BookID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// LockOrder reads the order header with a row lock for the rest of the
// transaction. Items are not loaded.
func LockOrder(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	return order, nil
}

// UpdateOrderStatus moves the order from one status to another only if it is
// still in from. The timestamp matching the new status is stamped too.
func UpdateOrderStatus(ctx context.Context, q database.Querier, id int64, from, to models.OrderStatus) (bool, error) {
	stamp := ""
	switch to {
	case models.OrderStatusConfirmed:
		stamp = ", paid_at = NOW()"
	case models.OrderStatusDelivered:
		stamp = ", completed_at = NOW()"
	case models.OrderStatusCancelled:
		stamp = ", cancelled_at = NOW()"
	}

	return execAffected(ctx, q, "update order status",
		`UPDATE orders
		 SET status = $1, updated_at = NOW()`+stamp+`
		 WHERE id = $2 AND status = $3`,
		to, id, from)
}

func InsertOrderStatusLog(ctx context.Context, q database.Querier, orderID int64, oldStatus *models.OrderStatus, newStatus models.OrderStatus, changedBy string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO order_status_logs (order_id, old_status, new_status, changed_at, changed_by)
		 VALUES ($1, $2, $3, NOW(), $4)`,
		orderID, oldStatus, newStatus, changedBy)
	if err != nil {
		return fmt.Errorf("append order status log: %w", err)
	}
	return nil
}

func ListOrderStatusLogs(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderStatusLog, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, old_status, new_status, changed_at, changed_by
		 FROM order_status_logs
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list order status logs: %w", err)
	}
	defer rows.Close()

	var logs []models.OrderStatusLog
	for rows.Next() {
		var l models.OrderStatusLog
		if err := rows.Scan(&l.ID, &l.OrderID, &l.OldStatus, &l.NewStatus, &l.ChangedAt, &l.ChangedBy); err != nil {
			return nil, fmt.Errorf("scan order status log: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return logs, nil
}

// ListOrdersCursor lists a user's orders newest first, starting after cursor.
func ListOrdersCursor(ctx context.Context, q database.Querier, userID int64, cursor string, limit int) (*Page[models.Order], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		   AND (created_at, id) < ($2, $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		userID, after.CreatedAt, after.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return pageOf(orders, limit, func(o models.Order) OrderCursor {
		return OrderCursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}
