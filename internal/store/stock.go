package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

func CreateWarehouse(ctx context.Context, q database.Querier, code, name string, priority int) (*models.Warehouse, error) {
	w := &models.Warehouse{}

	err := q.QueryRowContext(ctx,
		`INSERT INTO warehouses (code, name, priority, created_at)
		 VALUES ($1, $2, $3, NOW())
		 RETURNING id, code, name, priority`,
		code, name, priority).Scan(&w.ID, &w.Code, &w.Name, &w.Priority)
	if err != nil {
		return nil, fmt.Errorf("create warehouse: %w", err)
	}

	return w, nil
}

// ListStockForBook returns the stock records of a book ordered by warehouse
// priority (lower first). Warehouses in exclude are skipped.
func ListStockForBook(ctx context.Context, q database.Querier, bookID int64, exclude []int64) ([]models.StockRecord, error) {
	if exclude == nil {
		exclude = []int64{}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT s.warehouse_id, s.book_id, w.priority, s.on_hand, s.reserved, s.sold, s.updated_at
		 FROM stock_records s
		 JOIN warehouses w ON w.id = s.warehouse_id
		 WHERE s.book_id = $1
		   AND NOT (s.warehouse_id = ANY($2))
		 ORDER BY w.priority, s.warehouse_id`,
		bookID, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("list stock for book %d: %w", bookID, err)
	}
	defer rows.Close()

	var records []models.StockRecord
	for rows.Next() {
		var r models.StockRecord
		if err := rows.Scan(&r.WarehouseID, &r.BookID, &r.Priority, &r.OnHand, &r.Reserved, &r.Sold, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return records, nil
}

func GetStockRecord(ctx context.Context, q database.Querier, warehouseID, bookID int64) (*models.StockRecord, error) {
	r := &models.StockRecord{}

	err := q.QueryRowContext(ctx,
		`SELECT s.warehouse_id, s.book_id, w.priority, s.on_hand, s.reserved, s.sold, s.updated_at
		 FROM stock_records s
		 JOIN warehouses w ON w.id = s.warehouse_id
		 WHERE s.warehouse_id = $1 AND s.book_id = $2`,
		warehouseID, bookID).Scan(&r.WarehouseID, &r.BookID, &r.Priority, &r.OnHand, &r.Reserved, &r.Sold, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("get stock record: %w", err)
	}

	return r, nil
}

// IncrementReserved is the reserve compare-and-set: it only succeeds while
// the record still has quantity available. It reports whether a row matched.
func IncrementReserved(ctx context.Context, q database.Querier, warehouseID, bookID int64, quantity int) (bool, error) {
	return execAffected(ctx, q, "increment reserved",
		`UPDATE stock_records
		 SET reserved = reserved + $1,
		     updated_at = NOW()
		 WHERE warehouse_id = $2
		   AND book_id = $3
		   AND on_hand - reserved - sold >= $1`,
		quantity, warehouseID, bookID)
}

func DecrementReserved(ctx context.Context, q database.Querier, warehouseID, bookID int64, quantity int) (bool, error) {
	return execAffected(ctx, q, "decrement reserved",
		`UPDATE stock_records
		 SET reserved = reserved - $1,
		     updated_at = NOW()
		 WHERE warehouse_id = $2
		   AND book_id = $3
		   AND reserved >= $1`,
		quantity, warehouseID, bookID)
}

// MoveReservedToSold never touches on_hand.
func MoveReservedToSold(ctx context.Context, q database.Querier, warehouseID, bookID int64, quantity int) (bool, error) {
	return execAffected(ctx, q, "commit reserved",
		`UPDATE stock_records
		 SET reserved = reserved - $1,
		     sold = sold + $1,
		     updated_at = NOW()
		 WHERE warehouse_id = $2
		   AND book_id = $3
		   AND reserved >= $1`,
		quantity, warehouseID, bookID)
}

// AdjustOnHand creates the record if needed and applies delta to on_hand as
// long as the result still covers reserved + sold.
func AdjustOnHand(ctx context.Context, q database.Querier, warehouseID, bookID int64, delta int) (bool, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO stock_records (warehouse_id, book_id, on_hand, reserved, sold, updated_at)
		 VALUES ($1, $2, 0, 0, 0, NOW())
		 ON CONFLICT (warehouse_id, book_id) DO NOTHING`,
		warehouseID, bookID); err != nil {
		return false, fmt.Errorf("ensure stock record: %w", err)
	}

	return execAffected(ctx, q, "adjust on hand",
		`UPDATE stock_records
		 SET on_hand = on_hand + $1,
		     updated_at = NOW()
		 WHERE warehouse_id = $2
		   AND book_id = $3
		   AND on_hand + $1 >= reserved + sold`,
		delta, warehouseID, bookID)
}

func InsertInventoryTransaction(ctx context.Context, q database.Querier, tx models.InventoryTransaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO inventory_transactions (warehouse_id, book_id, type, quantity_change, reference_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		tx.WarehouseID, tx.BookID, tx.Type, tx.QuantityChange, tx.ReferenceID, tx.Note)
	if err != nil {
		return fmt.Errorf("insert inventory transaction: %w", err)
	}
	return nil
}

func ListInventoryTransactions(ctx context.Context, q database.Querier, referenceID string, types ...models.InventoryTxType) ([]models.InventoryTransaction, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, warehouse_id, book_id, type, quantity_change, reference_id, note, created_at
		 FROM inventory_transactions
		 WHERE reference_id = $1
		   AND (cardinality($2::text[]) = 0 OR type = ANY($2))
		 ORDER BY id`,
		referenceID, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list inventory transactions: %w", err)
	}
	defer rows.Close()

	var out []models.InventoryTransaction
	for rows.Next() {
		var t models.InventoryTransaction
		if err := rows.Scan(&t.ID, &t.WarehouseID, &t.BookID, &t.Type, &t.QuantityChange, &t.ReferenceID, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory transaction: %w", err)
		}
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// HasSettlement reports whether a reservation has already been released or
// committed.
func HasSettlement(ctx context.Context, q database.Querier, referenceID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM inventory_transactions
			WHERE reference_id = $1 AND type IN ('release', 'commit'))`,
		referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check settlement: %w", err)
	}
	return exists, nil
}

func execAffected(ctx context.Context, q database.Querier, op, query string, args ...any) (bool, error) {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}
