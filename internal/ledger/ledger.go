// Package ledger is the append-only record of money movement and the
// transactional boundary around it.
//
// Every balance change has a matching entry. Completed entries are
// immutable; corrections are new, opposite entries. The compound operations
// (RecordHold, ApplySettlement, withdrawals) mutate wallet balances and
// append their entries under one atomic boundary, so wallets and the ledger
// can never disagree.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/wallet"
)

var (
	ErrDuplicateReference = errors.New("ledger: completed entry already exists for gateway reference")
	ErrEntryNotFound      = errors.New("ledger: entry not found")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrInvalidSettlement  = errors.New("ledger: settlement does not conserve the held amount")
)

// EntryType classifies a money movement.
type EntryType string

const (
	TypeEscrowHold          EntryType = "escrow_hold"
	TypeEscrowRelease       EntryType = "escrow_release"
	TypeRefund              EntryType = "refund"
	TypePlatformFee         EntryType = "platform_fee"
	TypeWithdrawal          EntryType = "withdrawal"
	TypeWithdrawalCompleted EntryType = "withdrawal_completed"
)

// EntryStatus is the lifecycle state of an entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// Entry is one append-only ledger record.
type Entry struct {
	ID               string          `json:"id"`
	Type             EntryType       `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	UserID           string          `json:"userId"`
	AssignmentID     string          `json:"relatedAssignmentId,omitempty"`
	Status           EntryStatus     `json:"status"`
	GatewayReference string          `json:"gatewayReference,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Hold describes funds confirmed by the payment gateway and taken into
// escrow on the student's behalf.
type Hold struct {
	StudentID        string
	Amount           decimal.Decimal
	Currency         string
	AssignmentID     string
	GatewayReference string
}

// Movement is one credit applied during settlement.
type Movement struct {
	UserID   string
	Amount   decimal.Decimal
	Type     EntryType
	Earnings bool // also bump the lifetime earnings total (tutor payouts)
}

// Settlement describes the full redistribution of a held amount: the
// student's escrow bucket is debited HoldAmount and each movement credits
// a party's available bucket. Zero-amount movements are skipped.
type Settlement struct {
	AssignmentID string
	StudentID    string
	Currency     string
	HoldAmount   decimal.Decimal
	Movements    []Movement
}

// Store persists ledger entries and executes the compound operations.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	FindByGatewayReference(ctx context.Context, ref string) (*Entry, error)
	ListByAssignment(ctx context.Context, assignmentID string) ([]*Entry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)

	RecordHold(ctx context.Context, h Hold) (*Entry, error)
	ApplySettlement(ctx context.Context, s Settlement) error
	RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Entry, error)
	CompleteWithdrawal(ctx context.Context, entryID, gatewayRef string) (*Entry, error)
}

// Ledger validates inputs and delegates to the store.
type Ledger struct {
	store Store
}

// New creates a new ledger service.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// RecordHold takes confirmed gateway funds into escrow: the student's escrow
// bucket is credited and a completed escrow_hold entry carrying the gateway
// reference is appended, atomically. A reference that was already processed
// fails with ErrDuplicateReference; callers treat that as a replay, not an
// error.
func (l *Ledger) RecordHold(ctx context.Context, h Hold) (*Entry, error) {
	if !h.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if h.GatewayReference == "" {
		return nil, fmt.Errorf("ledger: hold requires a gateway reference")
	}
	return l.store.RecordHold(ctx, h)
}

// ApplySettlement redistributes a held amount to its final owners. The
// movements must sum to exactly the hold amount; the fee calculator
// guarantees this, so a mismatch here is a caller bug.
func (l *Ledger) ApplySettlement(ctx context.Context, s Settlement) error {
	if !s.HoldAmount.IsPositive() {
		return ErrInvalidAmount
	}
	total := decimal.Zero
	for _, m := range s.Movements {
		if m.Amount.IsNegative() {
			return ErrInvalidAmount
		}
		total = total.Add(m.Amount)
	}
	if !total.Equal(s.HoldAmount) {
		return fmt.Errorf("%w: movements sum to %s, held %s", ErrInvalidSettlement, total, s.HoldAmount)
	}
	return l.store.ApplySettlement(ctx, s)
}

// RequestWithdrawal debits the user's available balance and appends a
// pending withdrawal entry. Insufficient funds here is a legitimate
// user-facing condition, not an invariant violation.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.store.RequestWithdrawal(ctx, userID, amount, currency)
}

// CompleteWithdrawal marks a pending withdrawal paid out and appends the
// completed counterpart entry.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, entryID, gatewayRef string) (*Entry, error) {
	return l.store.CompleteWithdrawal(ctx, entryID, gatewayRef)
}

// FindByGatewayReference returns the entry recorded for a gateway reference.
func (l *Ledger) FindByGatewayReference(ctx context.Context, ref string) (*Entry, error) {
	return l.store.FindByGatewayReference(ctx, ref)
}

// ListByAssignment returns all entries tagged with an assignment.
func (l *Ledger) ListByAssignment(ctx context.Context, assignmentID string) ([]*Entry, error) {
	return l.store.ListByAssignment(ctx, assignmentID)
}

// ListByUser returns a user's most recent entries.
func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByUser(ctx, userID, limit)
}

// SettlementMovements builds the movement list for a computed breakdown,
// skipping zero amounts so no empty ledger entries are written.
func SettlementMovements(studentID, tutorID string, studentAmount, tutorAmount, platformFee decimal.Decimal) []Movement {
	var movements []Movement
	if studentAmount.IsPositive() {
		movements = append(movements, Movement{UserID: studentID, Amount: studentAmount, Type: TypeRefund})
	}
	if tutorAmount.IsPositive() {
		movements = append(movements, Movement{UserID: tutorID, Amount: tutorAmount, Type: TypeEscrowRelease, Earnings: true})
	}
	if platformFee.IsPositive() {
		movements = append(movements, Movement{UserID: wallet.PlatformAccountID, Amount: platformFee, Type: TypePlatformFee})
	}
	return movements
}
