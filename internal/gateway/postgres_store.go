package gateway

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tutorhub/payments/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pending-payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *PendingPayment) error {
	if pay.ID == "" {
		pay.ID = idgen.WithPrefix("pay_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_payments (id, assignment_id, student_id, amount, currency, invoice_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5, $6, $7, $8, $9)
	`, pay.ID, pay.AssignmentID, pay.StudentID, pay.Amount, pay.Currency, pay.InvoiceID, pay.Status, pay.CreatedAt, pay.ExpiresAt)
	return err
}

func (p *PostgresStore) GetByInvoice(ctx context.Context, invoiceID string) (*PendingPayment, error) {
	pay := &PendingPayment{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, student_id, amount, currency, invoice_id, status, created_at, expires_at
		FROM pending_payments WHERE invoice_id = $1
	`, invoiceID).Scan(&pay.ID, &pay.AssignmentID, &pay.StudentID, &pay.Amount, &pay.Currency,
		&pay.InvoiceID, &pay.Status, &pay.CreatedAt, &pay.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, invoiceID string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_payments SET status = $2 WHERE invoice_id = $1
	`, invoiceID, status)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
