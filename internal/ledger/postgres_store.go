package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/wallet"
)

// PostgresStore implements Store with PostgreSQL.
//
// Idempotency is enforced by a partial unique index on gateway_reference for
// completed entries; non-negativity of wallet buckets by CHECK constraints.
// Compound operations run inside a single transaction so balances and
// entries can never diverge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertEntrySQL = `
	INSERT INTO ledger_entries (id, type, amount, currency, user_id, assignment_id, status, gateway_reference, created_at)
	VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NOW())
`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, insertEntrySQL,
		e.ID, e.Type, e.Amount, e.Currency, e.UserID, e.AssignmentID, e.Status, e.GatewayReference)
	return mapLedgerErr(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return queryOne(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) FindByGatewayReference(ctx context.Context, ref string) (*Entry, error) {
	return queryOne(ctx, p.db, `WHERE gateway_reference = $1 AND status = 'completed'`, ref)
}

// FindByGatewayReferenceTx is FindByGatewayReference inside an existing
// transaction.
func (p *PostgresStore) FindByGatewayReferenceTx(ctx context.Context, tx *sql.Tx, ref string) (*Entry, error) {
	return queryOne(ctx, tx, `WHERE gateway_reference = $1 AND status = 'completed'`, ref)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryOne(ctx context.Context, q rowQuerier, where string, arg any) (*Entry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, type, amount, currency, user_id, COALESCE(assignment_id, ''), status, COALESCE(gateway_reference, ''), created_at
		FROM ledger_entries `+where, arg)
	e := &Entry{}
	err := row.Scan(&e.ID, &e.Type, &e.Amount, &e.Currency, &e.UserID, &e.AssignmentID, &e.Status, &e.GatewayReference, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) ListByAssignment(ctx context.Context, assignmentID string) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT id, type, amount, currency, user_id, COALESCE(assignment_id, ''), status, COALESCE(gateway_reference, ''), created_at
		FROM ledger_entries
		WHERE assignment_id = $1
		ORDER BY created_at ASC
	`, assignmentID)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT id, type, amount, currency, user_id, COALESCE(assignment_id, ''), status, COALESCE(gateway_reference, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Type, &e.Amount, &e.Currency, &e.UserID, &e.AssignmentID, &e.Status, &e.GatewayReference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) RecordHold(ctx context.Context, h Hold) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := p.RecordHoldTx(ctx, tx, h)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapLedgerErr(err)
	}
	return e, nil
}

// RecordHoldTx applies a hold inside an existing transaction, so callers can
// bind the money movement to other row changes in one atomic boundary.
func (p *PostgresStore) RecordHoldTx(ctx context.Context, tx *sql.Tx, h Hold) (*Entry, error) {
	e := &Entry{
		ID:               uuid.NewString(),
		Type:             TypeEscrowHold,
		Amount:           h.Amount,
		Currency:         h.Currency,
		UserID:           h.StudentID,
		AssignmentID:     h.AssignmentID,
		Status:           StatusCompleted,
		GatewayReference: h.GatewayReference,
	}

	// The entry insert carries the idempotency guard, so it goes first: a
	// replayed reference aborts before any balance is touched.
	if _, err := tx.ExecContext(ctx, insertEntrySQL,
		e.ID, e.Type, e.Amount, e.Currency, e.UserID, e.AssignmentID, e.Status, e.GatewayReference); err != nil {
		return nil, mapLedgerErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, escrow_balance, currency, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(14,2), $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			escrow_balance = wallets.escrow_balance + $2::NUMERIC(14,2),
			updated_at     = NOW()
	`, h.StudentID, h.Amount, h.Currency); err != nil {
		return nil, fmt.Errorf("credit escrow bucket: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ApplySettlement(ctx context.Context, s Settlement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.ApplySettlementTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplySettlementTx applies a settlement inside an existing transaction.
func (p *PostgresStore) ApplySettlementTx(ctx context.Context, tx *sql.Tx, s Settlement) error {
	// Debit the full held amount from the student's escrow bucket. The
	// CHECK constraint rejects the debit if the bucket doesn't hold it.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow_balance = escrow_balance - $2::NUMERIC(14,2),
			updated_at     = NOW()
		WHERE user_id = $1
	`, s.StudentID, s.HoldAmount)
	if err != nil {
		return mapLedgerErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("settle assignment %s: no wallet row for student %s: %w",
			s.AssignmentID, s.StudentID, wallet.ErrInsufficientFunds)
	}

	for _, mv := range s.Movements {
		if !mv.Amount.IsPositive() {
			continue
		}

		earningsDelta := decimal.Zero
		if mv.Earnings {
			earningsDelta = mv.Amount
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, available_balance, total_earnings, currency, created_at, updated_at)
			VALUES ($1, $2::NUMERIC(14,2), $3::NUMERIC(14,2), $4, NOW(), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				available_balance = wallets.available_balance + $2::NUMERIC(14,2),
				total_earnings    = wallets.total_earnings    + $3::NUMERIC(14,2),
				updated_at        = NOW()
		`, mv.UserID, mv.Amount, earningsDelta, s.Currency); err != nil {
			return fmt.Errorf("credit %s: %w", mv.UserID, err)
		}

		if _, err := tx.ExecContext(ctx, insertEntrySQL,
			uuid.NewString(), mv.Type, mv.Amount, s.Currency, mv.UserID, s.AssignmentID, StatusCompleted, ""); err != nil {
			return mapLedgerErr(err)
		}
	}
	return nil
}

func (p *PostgresStore) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available_balance = available_balance - $2::NUMERIC(14,2),
			updated_at        = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, wallet.ErrInsufficientFunds
	}

	e := &Entry{
		ID:       uuid.NewString(),
		Type:     TypeWithdrawal,
		Amount:   amount,
		Currency: currency,
		UserID:   userID,
		Status:   StatusPending,
	}
	if _, err := tx.ExecContext(ctx, insertEntrySQL,
		e.ID, e.Type, e.Amount, e.Currency, e.UserID, "", e.Status, ""); err != nil {
		return nil, mapLedgerErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) CompleteWithdrawal(ctx context.Context, entryID, gatewayRef string) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pending := &Entry{}
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_entries SET status = 'completed'
		WHERE id = $1 AND type = 'withdrawal' AND status = 'pending'
		RETURNING id, amount, currency, user_id
	`, entryID).Scan(&pending.ID, &pending.Amount, &pending.Currency, &pending.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	done := &Entry{
		ID:               uuid.NewString(),
		Type:             TypeWithdrawalCompleted,
		Amount:           pending.Amount,
		Currency:         pending.Currency,
		UserID:           pending.UserID,
		Status:           StatusCompleted,
		GatewayReference: gatewayRef,
	}
	if _, err := tx.ExecContext(ctx, insertEntrySQL,
		done.ID, done.Type, done.Amount, done.Currency, done.UserID, "", done.Status, done.GatewayReference); err != nil {
		return nil, mapLedgerErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return done, nil
}

// mapLedgerErr translates Postgres constraint violations into sentinel errors:
// 23505 on the completed-reference index means a replay, 23514 means a bucket
// would go negative.
func mapLedgerErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrDuplicateReference
		case "23514":
			return wallet.ErrInsufficientFunds
		}
	}
	return err
}
