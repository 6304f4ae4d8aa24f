// Package ledger owns every write to stock_records. Each operation takes the
// caller's Querier so it joins the caller's unit of work, and writes one
// inventory_transactions row per record it changes.
package ledger

import (
	"context"
	"fmt"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/store"
	"go.uber.org/zap"
)

type Ledger struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{log: log}
}

// Reserve claims quantity units of bookID for referenceID, splitting across
// warehouses by priority. Nothing is written if total availability is short.
// A record that changed since the snapshot yields ErrReservationConflict;
// the enclosing transaction must then be rolled back and retried, which also
// undoes any line already applied.
func (l *Ledger) Reserve(ctx context.Context, q database.Querier, referenceID string, bookID int64, quantity int, excludeWarehouses []int64) (*ReservationPlan, error) {
	snapshot, err := store.ListStockForBook(ctx, q, bookID, excludeWarehouses)
	if err != nil {
		return nil, err
	}

	lines, err := Plan(bookID, snapshot, quantity)
	if err != nil {
		return nil, err
	}

	plan := &ReservationPlan{ReferenceID: referenceID, Lines: lines}
	if err := l.Apply(ctx, q, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Apply increments reserved for every line of plan with a conditional update
// per record. It is the write half of Reserve.
func (l *Ledger) Apply(ctx context.Context, q database.Querier, plan *ReservationPlan) error {
	for _, line := range plan.Lines {
		if line.Quantity <= 0 {
			return database.ErrInvalidQuantity
		}

		ok, err := store.IncrementReserved(ctx, q, line.WarehouseID, line.BookID, line.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reserve book %d at warehouse %d: %w", line.BookID, line.WarehouseID, database.ErrReservationConflict)
		}

		if err := store.InsertInventoryTransaction(ctx, q, models.InventoryTransaction{
			WarehouseID:    line.WarehouseID,
			BookID:         line.BookID,
			Type:           models.InventoryReserve,
			QuantityChange: line.Quantity,
			ReferenceID:    plan.ReferenceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Release returns the reserved quantities of plan to availability. A plan
// that was already released or committed is left alone.
func (l *Ledger) Release(ctx context.Context, q database.Querier, plan *ReservationPlan) error {
	return l.settle(ctx, q, plan, models.InventoryRelease, store.DecrementReserved)
}

// Commit turns the reserved quantities of plan into sold units. on_hand is
// never increased.
func (l *Ledger) Commit(ctx context.Context, q database.Querier, plan *ReservationPlan) error {
	return l.settle(ctx, q, plan, models.InventoryCommit, store.MoveReservedToSold)
}

type settleFunc func(ctx context.Context, q database.Querier, warehouseID, bookID int64, quantity int) (bool, error)

func (l *Ledger) settle(ctx context.Context, q database.Querier, plan *ReservationPlan, kind models.InventoryTxType, apply settleFunc) error {
	if plan.Empty() {
		return nil
	}

	settled, err := store.HasSettlement(ctx, q, plan.ReferenceID)
	if err != nil {
		return err
	}
	if settled {
		l.log.Info("reservation already settled",
			zap.String("reference_id", plan.ReferenceID),
			zap.String("type", string(kind)),
		)
		return nil
	}

	for _, line := range plan.Lines {
		ok, err := apply(ctx, q, line.WarehouseID, line.BookID, line.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			l.log.Error("stock ledger invariant violated",
				zap.Bool("alert", true),
				zap.String("reference_id", plan.ReferenceID),
				zap.String("type", string(kind)),
				zap.Int64("warehouse_id", line.WarehouseID),
				zap.Int64("book_id", line.BookID),
				zap.Int("quantity", line.Quantity),
			)
			return fmt.Errorf("%s book %d at warehouse %d: %w", kind, line.BookID, line.WarehouseID, database.ErrLedgerInvariant)
		}

		// quantity_change on settlement rows is the change to reserved.
		if err := store.InsertInventoryTransaction(ctx, q, models.InventoryTransaction{
			WarehouseID:    line.WarehouseID,
			BookID:         line.BookID,
			Type:           kind,
			QuantityChange: -line.Quantity,
			ReferenceID:    plan.ReferenceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadPlan rebuilds the plan reserved under referenceID from the audit trail.
func (l *Ledger) LoadPlan(ctx context.Context, q database.Querier, referenceID string) (*ReservationPlan, error) {
	rows, err := store.ListInventoryTransactions(ctx, q, referenceID, models.InventoryReserve)
	if err != nil {
		return nil, err
	}

	plan := &ReservationPlan{ReferenceID: referenceID}
	for _, r := range rows {
		plan.add(PlanLine{WarehouseID: r.WarehouseID, BookID: r.BookID, Quantity: r.QuantityChange})
	}
	return plan, nil
}

// Adjust applies a manual on_hand correction (receiving, shrinkage, counts).
// A decrease that would leave on_hand below reserved + sold is refused.
func (l *Ledger) Adjust(ctx context.Context, q database.Querier, warehouseID, bookID int64, delta int, referenceID, note string) (*models.StockRecord, error) {
	if delta == 0 {
		return nil, database.ErrInvalidQuantity
	}

	ok, err := store.AdjustOnHand(ctx, q, warehouseID, bookID, delta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("adjust book %d at warehouse %d by %d: %w", bookID, warehouseID, delta, database.ErrLedgerInvariant)
	}

	if err := store.InsertInventoryTransaction(ctx, q, models.InventoryTransaction{
		WarehouseID:    warehouseID,
		BookID:         bookID,
		Type:           models.InventoryManualAdjust,
		QuantityChange: delta,
		ReferenceID:    referenceID,
		Note:           note,
	}); err != nil {
		return nil, err
	}

	return store.GetStockRecord(ctx, q, warehouseID, bookID)
}

// Snapshot lists a book's stock records, lowest priority first.
func (l *Ledger) Snapshot(ctx context.Context, q database.Querier, bookID int64) ([]models.StockRecord, error) {
	return store.ListStockForBook(ctx, q, bookID, nil)
}
