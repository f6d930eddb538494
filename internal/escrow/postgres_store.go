package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tutorhub/payments/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. State transitions are
// guarded UPDATEs (WHERE state = expected), so when several processes race
// toward the same transition the row itself picks the single winner. Hold
// and Settle run the guarded transition and the ledger's money movement in
// the same transaction: there is no window in which the record and the
// balances disagree, and no compensation logic.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store sharing a
// transactional boundary with the given ledger store.
func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore}
}

const selectRecordSQL = `
	SELECT id, assignment_id, amount, currency, state, student_id, tutor_id,
	       COALESCE(gateway_invoice_id, ''), created_at, settled_at
	FROM escrow_records
`

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_records (id, assignment_id, amount, currency, state, student_id, tutor_id, created_at)
		VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5, $6, $7, $8)
	`, rec.ID, rec.AssignmentID, rec.Amount, rec.Currency, rec.State, rec.StudentID, rec.TutorID, rec.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) GetByAssignment(ctx context.Context, assignmentID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectRecordSQL+`WHERE assignment_id = $1`, assignmentID)
	return scanRecord(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, selectRecordSQL+`
		WHERE student_id = $1 OR tutor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Hold(ctx context.Context, assignmentID, invoiceID string, h ledger.Hold) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// The guarded transition goes first and locks the row: a concurrent
	// confirmation blocks here and then sees zero rows affected.
	if err := p.transitionTx(ctx, tx, `
		UPDATE escrow_records SET state = $2, gateway_invoice_id = NULLIF($3, '')
		WHERE assignment_id = $1 AND state = $4
	`, StateUnpaid, assignmentID, StateHeld, invoiceID, StateUnpaid); err != nil {
		return false, err
	}

	// Checked inside the transaction rather than relying on the unique
	// index alone: a duplicate would abort the whole transaction, and a
	// reference already recorded for this assignment must still complete
	// the transition.
	entry, err := p.ledger.FindByGatewayReferenceTx(ctx, tx, h.GatewayReference)
	switch {
	case err == nil && entry.AssignmentID == assignmentID:
		return true, tx.Commit()
	case err == nil:
		return false, ledger.ErrDuplicateReference
	case !errors.Is(err, ledger.ErrEntryNotFound):
		return false, err
	}

	if _, err := p.ledger.RecordHoldTx(ctx, tx, h); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, assignmentID string, to State, settledAt time.Time, settle ledger.Settlement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.transitionTx(ctx, tx, `
		UPDATE escrow_records SET state = $2, settled_at = $3
		WHERE assignment_id = $1 AND state = $4
	`, StateHeld, assignmentID, to, settledAt, StateHeld); err != nil {
		return err
	}

	if err := p.ledger.ApplySettlementTx(ctx, tx, settle); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, assignmentID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET state = $2
		WHERE assignment_id = $1 AND state = $3
	`, assignmentID, StateCancelled, StateUnpaid)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return nil
	}
	return p.conflictErr(ctx, assignmentID, StateUnpaid)
}

// transitionTx runs a guarded UPDATE inside tx. Zero rows affected means the
// record is missing or no longer in the expected source state.
func (p *PostgresStore) transitionTx(ctx context.Context, tx *sql.Tx, query string, expected State, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	assignmentID, _ := args[0].(string)
	return p.conflictErr(ctx, assignmentID, expected)
}

// conflictErr reads the record outside the failed transition to tell missing
// records and state conflicts apart.
func (p *PostgresStore) conflictErr(ctx context.Context, assignmentID string, expected State) error {
	rec, err := p.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if expected == StateHeld {
		return ErrEscrowNotHeld
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, expected, rec.State)
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	rec := &Record{}
	var settledAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.AssignmentID, &rec.Amount, &rec.Currency, &rec.State,
		&rec.StudentID, &rec.TutorID, &rec.GatewayInvoiceID, &rec.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}
	return rec, nil
}
