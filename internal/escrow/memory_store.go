package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutorhub/payments/internal/ledger"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It is
// bound to the in-memory ledger so the compound transitions can couple the
// state change to the money movement: the record mutates only after the
// ledger operation succeeded, and the ledger operations themselves either
// fully apply or leave wallets untouched.
type MemoryStore struct {
	records map[string]*Record // keyed by assignment ID
	ledger  *ledger.MemoryStore
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store backed by the given
// ledger store.
func NewMemoryStore(ledgerStore *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ledger:  ledgerStore,
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.AssignmentID]; ok {
		return ErrAlreadyOpen
	}
	cp := *rec
	m.records[rec.AssignmentID] = &cp
	return nil
}

func (m *MemoryStore) GetByAssignment(ctx context.Context, assignmentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[assignmentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.StudentID == userID || rec.TutorID == userID {
			cp := *rec
			result = append(result, &cp)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Hold(ctx context.Context, assignmentID, invoiceID string, h ledger.Hold) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[assignmentID]
	if !ok {
		return false, ErrRecordNotFound
	}
	if rec.State != StateUnpaid {
		return false, fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, StateUnpaid, rec.State)
	}

	if entry, err := m.ledger.FindByGatewayReference(ctx, h.GatewayReference); err == nil {
		if entry.AssignmentID != assignmentID {
			return false, ledger.ErrDuplicateReference
		}
		// The hold for this assignment is already on the books; only the
		// record transition is missing. Complete it.
		rec.State = StateHeld
		rec.GatewayInvoiceID = invoiceID
		return true, nil
	}

	if _, err := m.ledger.RecordHold(ctx, h); err != nil {
		return false, err
	}
	rec.State = StateHeld
	rec.GatewayInvoiceID = invoiceID
	return false, nil
}

func (m *MemoryStore) Settle(ctx context.Context, assignmentID string, to State, settledAt time.Time, settle ledger.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[assignmentID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.State != StateHeld {
		return ErrEscrowNotHeld
	}

	// ApplySettlement fails only before any balance moved, so the record
	// stays held on error.
	if err := m.ledger.ApplySettlement(ctx, settle); err != nil {
		return err
	}
	rec.State = to
	at := settledAt
	rec.SettledAt = &at
	return nil
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, assignmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[assignmentID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.State != StateUnpaid {
		return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, StateUnpaid, rec.State)
	}
	rec.State = StateCancelled
	return nil
}
