package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL.
//
// Non-negativity is enforced by CHECK constraints on the wallets table;
// a constraint violation on debit maps to ErrInsufficientFunds.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available_balance, escrow_balance, total_earnings, currency, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.AvailableBalance, &w.EscrowBalance, &w.TotalEarnings, &w.Currency, &w.CreatedAt, &w.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now()
		return &Wallet{
			UserID:           userID,
			AvailableBalance: decimal.Zero,
			EscrowBalance:    decimal.Zero,
			TotalEarnings:    decimal.Zero,
			Currency:         p.currency,
			CreatedAt:        now,
			UpdatedAt:        now,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error {
	if err := checkMutation(amount, bucket); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, creditSQL(bucket), userID, amount, p.currency)
	if err != nil {
		return fmt.Errorf("wallet credit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error {
	if err := checkMutation(amount, bucket); err != nil {
		return err
	}

	col := bucketColumn(bucket)
	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE wallets SET
			%s = %s - $2::NUMERIC(14,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, col, col), userID, amount)
	if err != nil {
		return mapBalanceErr(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// No wallet row means zero balance everywhere.
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) MoveBetweenBuckets(ctx context.Context, userID string, amount decimal.Decimal, from, to Bucket) error {
	if err := checkMutation(amount, from, to); err != nil {
		return err
	}

	fromCol, toCol := bucketColumn(from), bucketColumn(to)
	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE wallets SET
			%s = %s - $2::NUMERIC(14,2),
			%s = %s + $2::NUMERIC(14,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, fromCol, fromCol, toCol, toCol), userID, amount)
	if err != nil {
		return mapBalanceErr(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := checkMutation(amount, BucketAvailable); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available_balance, total_earnings, currency, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(14,2), $2::NUMERIC(14,2), $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available_balance = wallets.available_balance + $2::NUMERIC(14,2),
			total_earnings    = wallets.total_earnings    + $2::NUMERIC(14,2),
			updated_at        = NOW()
	`, userID, amount, p.currency)
	if err != nil {
		return fmt.Errorf("wallet credit earnings: %w", err)
	}
	return nil
}

func bucketColumn(b Bucket) string {
	if b == BucketEscrow {
		return "escrow_balance"
	}
	return "available_balance"
}

func creditSQL(bucket Bucket) string {
	col := bucketColumn(bucket)
	return fmt.Sprintf(`
		INSERT INTO wallets (user_id, %s, currency, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(14,2), $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			%s = wallets.%s + $2::NUMERIC(14,2),
			updated_at = NOW()
	`, col, col, col)
}

// mapBalanceErr translates a CHECK constraint violation (bucket would go
// negative) into ErrInsufficientFunds.
func mapBalanceErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return ErrInsufficientFunds
	}
	return fmt.Errorf("wallet debit: %w", err)
}
