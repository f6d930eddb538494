// Package escrow tracks the lifecycle of each assignment's held payment.
//
// Flow:
//  1. Assignment agreed → record opened in unpaid
//  2. Gateway confirms payment → unpaid → held, funds taken into escrow
//  3. Delivery accepted or dispute ruled → held → released / refunded / split_settled
//  4. Assignment abandoned before payment → unpaid → cancelled
//
// held is the only non-terminal post-funding state. Transitions are one-way:
// a record that reached a terminal state never moves again, and concurrent
// attempts to settle the same record are serialized so exactly one wins.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/idgen"
	"github.com/tutorhub/payments/internal/ledger"
	"github.com/tutorhub/payments/internal/syncutil"
)

var (
	ErrRecordNotFound   = errors.New("escrow: record not found")
	ErrEscrowNotHeld    = errors.New("escrow: record is not in held state")
	ErrAlreadyOpen      = errors.New("escrow: record already exists for assignment")
	ErrNotCancellable   = errors.New("escrow: funded record must be refunded, not cancelled")
	ErrInvalidAmount    = errors.New("escrow: invalid amount")
	ErrInvalidOutcome   = errors.New("escrow: invalid settlement outcome")
	ErrStateConflict    = errors.New("escrow: record state changed concurrently")
	ErrSameParticipants = errors.New("escrow: student and tutor cannot be the same user")
)

// State is the lifecycle state of an escrow record.
type State string

const (
	StateUnpaid       State = "unpaid"
	StateHeld         State = "held"
	StateReleased     State = "released"
	StateRefunded     State = "refunded"
	StateSplitSettled State = "split_settled"
	StateCancelled    State = "cancelled"
)

// Record is one assignment's escrow.
type Record struct {
	ID               string          `json:"id"`
	AssignmentID     string          `json:"assignmentId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	State            State           `json:"state"`
	StudentID        string          `json:"studentId"`
	TutorID          string          `json:"tutorId"`
	GatewayInvoiceID string          `json:"gatewayInvoiceId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	SettledAt        *time.Time      `json:"settledAt,omitempty"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.State {
	case StateReleased, StateRefunded, StateSplitSettled, StateCancelled:
		return true
	}
	return false
}

// Store persists escrow records. Transitions are guarded: they apply only
// when the record is still in the expected source state and report a conflict
// otherwise, which is how concurrent settlements are decided in Postgres
// (UPDATE ... WHERE state = $from). The money-moving transitions are
// compound: the state change and its wallet/ledger movement commit in one
// atomic boundary, so a record can never reach held or a terminal state
// without its funds having moved, and vice versa.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByAssignment(ctx context.Context, assignmentID string) (*Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)

	// Hold takes the confirmed funds into escrow and transitions
	// unpaid → held, recording the gateway invoice, atomically. When the
	// hold entry for this reference and assignment already exists the
	// record is still brought to held but no money moves and
	// alreadyApplied is true. A reference already consumed by a different
	// assignment fails with ledger.ErrDuplicateReference.
	Hold(ctx context.Context, assignmentID, invoiceID string, h ledger.Hold) (alreadyApplied bool, err error)
	// Settle transitions held → to (a terminal state) and applies the
	// settlement movements, atomically. Returns ErrEscrowNotHeld if the
	// record already left held; on any error the record stays held and no
	// money moves.
	Settle(ctx context.Context, assignmentID string, to State, settledAt time.Time, settle ledger.Settlement) error
	// MarkCancelled transitions unpaid → cancelled.
	MarkCancelled(ctx context.Context, assignmentID string) error
}

// LedgerService is the slice of the ledger the escrow machine needs.
type LedgerService interface {
	FindByGatewayReference(ctx context.Context, ref string) (*ledger.Entry, error)
}

// Outcome describes where a held amount goes at settlement. The three
// amounts must sum to exactly the held amount.
type Outcome struct {
	State         State // released, refunded, or split_settled
	StudentAmount decimal.Decimal
	TutorAmount   decimal.Decimal
	PlatformFee   decimal.Decimal
}

func (o Outcome) valid() bool {
	switch o.State {
	case StateReleased, StateRefunded, StateSplitSettled:
		return true
	}
	return false
}

// OpenRequest contains the parameters for opening an escrow record.
type OpenRequest struct {
	AssignmentID string          `json:"assignmentId" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	Currency     string          `json:"currency"`
	StudentID    string          `json:"studentId" binding:"required"`
	TutorID      string          `json:"tutorId" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	currency string
	locks    syncutil.KeyedMutex
	logger   *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, ledgerSvc LedgerService, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledgerSvc,
		currency: currency,
		logger:   logger,
	}
}

// Open creates an unpaid escrow record for an agreed assignment. No money
// moves until the gateway confirms payment.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Record, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.StudentID == req.TutorID {
		return nil, ErrSameParticipants
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	rec := &Record{
		ID:           idgen.WithPrefix("esc_"),
		AssignmentID: req.AssignmentID,
		Amount:       req.Amount.Round(2),
		Currency:     currency,
		State:        StateUnpaid,
		StudentID:    req.StudentID,
		TutorID:      req.TutorID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ConfirmPayment moves an unpaid record to held once the gateway has
// confirmed the payment identified by gatewayRef. It is replay-safe: a
// reference that was already applied to this assignment returns the current
// record with alreadyApplied=true and moves no money.
func (s *Service) ConfirmPayment(ctx context.Context, assignmentID, gatewayRef, invoiceID string) (rec *Record, alreadyApplied bool, err error) {
	unlock := s.locks.Lock(assignmentID)
	defer unlock()

	rec, err = s.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}

	if rec.State != StateUnpaid {
		return s.replayOrConflict(ctx, rec, gatewayRef)
	}

	alreadyApplied, err = s.store.Hold(ctx, assignmentID, invoiceID, ledger.Hold{
		StudentID:        rec.StudentID,
		Amount:           rec.Amount,
		Currency:         rec.Currency,
		AssignmentID:     rec.AssignmentID,
		GatewayReference: gatewayRef,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrStateConflict):
		// Another process advanced the record between our read and the
		// guarded transition. Re-read and decide replay vs conflict.
		rec, err = s.store.GetByAssignment(ctx, assignmentID)
		if err != nil {
			return nil, false, err
		}
		return s.replayOrConflict(ctx, rec, gatewayRef)
	case errors.Is(err, ledger.ErrDuplicateReference):
		return nil, false, fmt.Errorf("%w: gateway reference %s already applied to another payment",
			ErrStateConflict, gatewayRef)
	default:
		return nil, false, fmt.Errorf("hold assignment %s: %w", assignmentID, err)
	}

	rec, err = s.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	return rec, alreadyApplied, nil
}

// replayOrConflict decides what a confirmation against a non-unpaid record
// means: if gatewayRef is the reference that funded this assignment the
// caller is replaying a webhook/verify and gets the prior result back,
// otherwise the record moved on and the call conflicts.
func (s *Service) replayOrConflict(ctx context.Context, rec *Record, gatewayRef string) (*Record, bool, error) {
	if entry, err := s.ledger.FindByGatewayReference(ctx, gatewayRef); err == nil && entry.AssignmentID == rec.AssignmentID {
		return rec, true, nil
	}
	return nil, false, fmt.Errorf("%w: assignment %s is %s", ErrStateConflict, rec.AssignmentID, rec.State)
}

// Settle drives a held record to a terminal state, moving the held amount to
// its final owners. Exactly one concurrent caller wins; the rest observe
// ErrEscrowNotHeld. The transition and the money movement commit together:
// on any failure the record is still held and no balances changed, so the
// ruling can simply be retried.
func (s *Service) Settle(ctx context.Context, assignmentID string, out Outcome) (*Record, error) {
	if !out.valid() {
		return nil, fmt.Errorf("%w: %q is not a settling state", ErrInvalidOutcome, out.State)
	}
	if out.StudentAmount.IsNegative() || out.TutorAmount.IsNegative() || out.PlatformFee.IsNegative() {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(assignmentID)
	defer unlock()

	rec, err := s.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if rec.State != StateHeld {
		return nil, ErrEscrowNotHeld
	}

	total := out.StudentAmount.Add(out.TutorAmount).Add(out.PlatformFee)
	if !total.Equal(rec.Amount) {
		return nil, fmt.Errorf("%w: outcome allocates %s of held %s", ErrInvalidOutcome, total, rec.Amount)
	}

	// The store applies the guarded state transition and the settlement in
	// one atomic boundary; the transition's WHERE-state guard decides races
	// across processes, not the in-process lock.
	settledAt := time.Now()
	err = s.store.Settle(ctx, assignmentID, out.State, settledAt, ledger.Settlement{
		AssignmentID: rec.AssignmentID,
		StudentID:    rec.StudentID,
		Currency:     rec.Currency,
		HoldAmount:   rec.Amount,
		Movements:    ledger.SettlementMovements(rec.StudentID, rec.TutorID, out.StudentAmount, out.TutorAmount, out.PlatformFee),
	})
	if err != nil {
		return nil, fmt.Errorf("settle assignment %s: %w", assignmentID, err)
	}

	s.logger.Info("escrow settled",
		"assignment_id", assignmentID, "state", out.State, "amount", rec.Amount)

	rec.State = out.State
	rec.SettledAt = &settledAt
	return rec, nil
}

// CancelUnpaid administratively closes a record that was never funded. A
// held record cannot be cancelled; funded cancellations go through a refund
// ruling so the money trail stays intact.
func (s *Service) CancelUnpaid(ctx context.Context, assignmentID string) (*Record, error) {
	unlock := s.locks.Lock(assignmentID)
	defer unlock()

	rec, err := s.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case StateUnpaid:
	case StateHeld:
		return nil, ErrNotCancellable
	default:
		return nil, fmt.Errorf("%w: assignment %s already %s", ErrStateConflict, assignmentID, rec.State)
	}

	if err := s.store.MarkCancelled(ctx, assignmentID); err != nil {
		return nil, err
	}
	rec.State = StateCancelled
	return rec, nil
}

// GetByAssignment returns the escrow record for an assignment.
func (s *Service) GetByAssignment(ctx context.Context, assignmentID string) (*Record, error) {
	return s.store.GetByAssignment(ctx, assignmentID)
}

// ListByUser returns escrow records involving a user as student or tutor.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
