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

const bookColumns = `id, isbn, title, price, created_at, updated_at`

func scanBook(row interface{ Scan(...any) error }, book *models.Book) error {
	return row.Scan(&book.ID, &book.ISBN, &book.Title, &book.Price, &book.CreatedAt, &book.UpdatedAt)
}

func CreateBook(ctx context.Context, q database.Querier, isbn, title string, price decimal.Decimal) (*models.Book, error) {
	book := &models.Book{}

	query := `
		INSERT INTO books (isbn, title, price, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING ` + bookColumns

	if err := scanBook(q.QueryRowContext(ctx, query, isbn, title, price), book); err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}

	return book, nil
}

// GetBook is the catalog lookup used when a book is added to a cart. The
// checkout pipeline itself never reads catalog prices.
func GetBook(ctx context.Context, q database.Querier, id int64) (*models.Book, error) {
	book := &models.Book{}

	err := scanBook(q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id), book)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	return book, nil
}
