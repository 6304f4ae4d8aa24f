// Package testdb starts a throwaway Postgres for integration tests and
// seeds the rows most tests need.
package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/safar/bookstore-checkout/internal/store"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// New starts a Postgres container with every migration applied. The
// container is terminated when the test ends. Skipped with -short.
func New(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
	})
	db.SetMaxOpenConns(25)

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := database.Migrate(db, MigrationsDir()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

// MigrationsDir is the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func Book(t *testing.T, db *sql.DB, isbn string, price string) *models.Book {
	t.Helper()
	book, err := store.CreateBook(context.Background(), db, isbn, "Book "+isbn, decimal.RequireFromString(price))
	if err != nil {
		t.Fatalf("Create book: %v", err)
	}
	return book
}

func Warehouse(t *testing.T, db *sql.DB, code string, priority int) *models.Warehouse {
	t.Helper()
	w, err := store.CreateWarehouse(context.Background(), db, code, "Warehouse "+code, priority)
	if err != nil {
		t.Fatalf("Create warehouse: %v", err)
	}
	return w
}

// Stock sets on_hand of a fresh stock record directly.
func Stock(t *testing.T, db *sql.DB, warehouseID, bookID int64, onHand int) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO stock_records (warehouse_id, book_id, on_hand, reserved, sold, updated_at)
		 VALUES ($1, $2, $3, 0, 0, NOW())`,
		warehouseID, bookID, onHand)
	if err != nil {
		t.Fatalf("Seed stock: %v", err)
	}
}

func StockRecord(t *testing.T, db *sql.DB, warehouseID, bookID int64) *models.StockRecord {
	t.Helper()
	r, err := store.GetStockRecord(context.Background(), db, warehouseID, bookID)
	if err != nil {
		t.Fatalf("Get stock record: %v", err)
	}
	return r
}

func Address(t *testing.T, db *sql.DB, userID int64) *models.Address {
	t.Helper()
	a, err := store.CreateAddress(context.Background(), db, models.Address{
		UserID:        userID,
		RecipientName: "Test User",
		Phone:         "0800000000",
		Line1:         "1 Test Street",
		City:          "Testville",
	})
	if err != nil {
		t.Fatalf("Create address: %v", err)
	}
	return a
}

// AssertBalanced fails the test if any stock record breaks
// reserved + sold <= on_hand or holds a negative counter.
func AssertBalanced(t *testing.T, db *sql.DB) {
	t.Helper()
	var broken int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM stock_records
		 WHERE reserved < 0 OR sold < 0 OR reserved + sold > on_hand`).Scan(&broken)
	if err != nil {
		t.Fatalf("Check stock balance: %v", err)
	}
	if broken != 0 {
		t.Errorf("%d stock records out of balance", broken)
	}
}
