package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/bookstore-checkout/internal/database"
	"github.com/safar/bookstore-checkout/internal/models"
	"github.com/shopspring/decimal"
)

const paymentColumns = `p.id, p.order_id, o.order_number, p.provider, p.transaction_code, p.amount, p.status,
	p.failure_reason, p.needs_review, p.created_at, p.updated_at, p.paid_at`

const paymentFrom = ` FROM payment_transactions p JOIN orders o ON o.id = p.order_id `

func scanPayment(row interface{ Scan(...any) error }, p *models.PaymentTransaction) error {
	return row.Scan(
		&p.ID,
		&p.OrderID,
		&p.OrderNumber,
		&p.Provider,
		&p.TransactionCode,
		&p.Amount,
		&p.Status,
		&p.FailureReason,
		&p.NeedsReview,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.PaidAt,
	)
}

func InsertPaymentTransaction(ctx context.Context, q database.Querier, p *models.PaymentTransaction) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO payment_transactions (order_id, provider, transaction_code, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		p.OrderID, p.Provider, p.TransactionCode, p.Amount, p.Status).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment transaction: %w", err)
	}
	return nil
}

// GetPaymentByCode looks a transaction up by its gateway code. With
// forUpdate the row is locked for the rest of the transaction.
func GetPaymentByCode(ctx context.Context, q database.Querier, code string, forUpdate bool) (*models.PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + paymentFrom + `WHERE p.transaction_code = $1`
	if forUpdate {
		query += ` FOR UPDATE OF p`
	}
	return getPayment(ctx, q, query, code)
}

func GetPaymentByOrderID(ctx context.Context, q database.Querier, orderID int64, forUpdate bool) (*models.PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + paymentFrom + `WHERE p.order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF p`
	}
	return getPayment(ctx, q, query, orderID)
}

func getPayment(ctx context.Context, q database.Querier, query string, args ...any) (*models.PaymentTransaction, error) {
	p := &models.PaymentTransaction{}
	if err := scanPayment(q.QueryRowContext(ctx, query, args...), p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment transaction: %w", err)
	}
	return p, nil
}

// NextExpiredPending claims the oldest pending transaction created before
// the deadline. Rows locked by another sweeper are skipped, so concurrent
// instances work on disjoint rows. Ids in skip are never returned.
func NextExpiredPending(ctx context.Context, q database.Querier, createdBefore time.Time, skip []int64) (*models.PaymentTransaction, error) {
	if skip == nil {
		skip = []int64{}
	}
	return getPayment(ctx, q,
		`SELECT `+paymentColumns+paymentFrom+`
		 WHERE p.status = 'pending'
		   AND p.created_at < $1
		   AND p.id <> ALL($2::bigint[])
		 ORDER BY p.created_at, p.id
		 LIMIT 1
		 FOR UPDATE OF p SKIP LOCKED`,
		createdBefore, pq.Array(skip))
}

// FlagPaymentForReview marks a transaction for manual review.
func FlagPaymentForReview(ctx context.Context, q database.Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE payment_transactions SET needs_review = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("flag payment for review: %w", err)
	}
	return nil
}

// FinishPayment moves a pending transaction to a terminal status. It reports
// false if the row was no longer pending.
func FinishPayment(ctx context.Context, q database.Querier, id int64, status models.PaymentStatus, reason *models.FailureReason, needsReview bool) (bool, error) {
	return execAffected(ctx, q, "finish payment",
		`UPDATE payment_transactions
		 SET status = $1::text,
		     failure_reason = $2,
		     needs_review = $3,
		     paid_at = CASE WHEN $1::text = 'success' THEN NOW() ELSE paid_at END,
		     updated_at = NOW()
		 WHERE id = $4 AND status = 'pending'`,
		status, reason, needsReview, id)
}

func InsertCallbackLog(ctx context.Context, q database.Querier, transactionID int64, reported models.PaymentStatus, amount *decimal.Decimal, outcome, note string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO payment_callback_logs (transaction_id, reported_status, reported_amount, outcome, note, received_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		transactionID, reported, amount, outcome, note)
	if err != nil {
		return fmt.Errorf("append callback log: %w", err)
	}
	return nil
}

func ListCallbackLogs(ctx context.Context, q database.Querier, transactionID int64) ([]models.PaymentCallbackLog, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, transaction_id, reported_status, reported_amount, outcome, note, received_at
		 FROM payment_callback_logs
		 WHERE transaction_id = $1
		 ORDER BY id`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("list callback logs: %w", err)
	}
	defer rows.Close()

	var logs []models.PaymentCallbackLog
	for rows.Next() {
		var l models.PaymentCallbackLog
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.ReportedStatus, &l.ReportedAmount, &l.Outcome, &l.Note, &l.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan callback log: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return logs, nil
}
