package ledger

import (
	"context"
	"database/sql"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

// Stock runs ledger operations in their own unit of work for the admin API.
type Stock struct {
	db     *sql.DB
	ledger *Ledger
}

func NewStock(db *sql.DB, l *Ledger) *Stock {
	return &Stock{db: db, ledger: l}
}

func (s *Stock) Adjust(ctx context.Context, warehouseID, bookID int64, delta int, referenceID, note string) (*models.StockRecord, error) {
	var rec *models.StockRecord
	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		rec, err = s.ledger.Adjust(ctx, tx, warehouseID, bookID, delta, referenceID, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Stock) Snapshot(ctx context.Context, bookID int64) ([]models.StockRecord, error) {
	return s.ledger.Snapshot(ctx, s.db, bookID)
}
