package ledger

import (
	"sort"

	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
)

// PlanLine is the quantity taken from one warehouse for one book.
type PlanLine struct {
	WarehouseID int64 `json:"warehouse_id"`
	BookID      int64 `json:"book_id"`
	Quantity    int   `json:"quantity"`
}

// ReservationPlan is the per-warehouse split of a reservation. The same plan
// is handed back to Release or Commit so both undo exactly what Reserve did.
type ReservationPlan struct {
	ReferenceID string     `json:"reference_id"`
	Lines       []PlanLine `json:"lines"`
}

// Merge folds other into p, combining lines for the same warehouse and book.
func (p *ReservationPlan) Merge(other *ReservationPlan) {
	if other == nil {
		return
	}
	for _, l := range other.Lines {
		p.add(l)
	}
}

func (p *ReservationPlan) add(line PlanLine) {
	for i := range p.Lines {
		if p.Lines[i].WarehouseID == line.WarehouseID && p.Lines[i].BookID == line.BookID {
			p.Lines[i].Quantity += line.Quantity
			return
		}
	}
	p.Lines = append(p.Lines, line)
}

// Total returns the quantity the plan holds for bookID.
func (p *ReservationPlan) Total(bookID int64) int {
	total := 0
	for _, l := range p.Lines {
		if l.BookID == bookID {
			total += l.Quantity
		}
	}
	return total
}

func (p *ReservationPlan) Empty() bool {
	return p == nil || len(p.Lines) == 0
}

// Plan greedily allocates quantity across a snapshot of one book's stock
// records, preferring lower warehouse priority. It does not touch storage.
func Plan(bookID int64, records []models.StockRecord, quantity int) ([]PlanLine, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	ranked := make([]models.StockRecord, 0, len(records))
	for _, r := range records {
		if r.BookID == bookID {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].WarehouseID < ranked[j].WarehouseID
	})

	available := 0
	for _, r := range ranked {
		if a := r.Available(); a > 0 {
			available += a
		}
	}
	if available < quantity {
		return nil, &database.InsufficientStockError{BookID: bookID, Requested: quantity, Available: available}
	}

	remaining := quantity
	var lines []PlanLine
	for _, r := range ranked {
		if remaining == 0 {
			break
		}
		take := min(r.Available(), remaining)
		if take <= 0 {
			continue
		}
		lines = append(lines, PlanLine{WarehouseID: r.WarehouseID, BookID: bookID, Quantity: take})
		remaining -= take
	}

	return lines, nil
}
