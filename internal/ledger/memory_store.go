package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/wallet"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Compound operations are serialized under one mutex and pre-validated so
// they either fully apply or leave wallets untouched.
type MemoryStore struct {
	entries []*Entry
	byRef   map[string]*Entry // completed entries by gateway reference
	wallets *wallet.MemoryStore
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store backed by the given
// wallet store.
func NewMemoryStore(wallets *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		byRef:   make(map[string]*Entry),
		wallets: wallets,
	}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(e)
}

// append must be called with the write lock held.
func (m *MemoryStore) append(e *Entry) error {
	if e.Status == StatusCompleted && e.GatewayReference != "" {
		if _, ok := m.byRef[e.GatewayReference]; ok {
			return ErrDuplicateReference
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	if cp.Status == StatusCompleted && cp.GatewayReference != "" {
		m.byRef[cp.GatewayReference] = &cp
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) FindByGatewayReference(ctx context.Context, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byRef[ref]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) ListByAssignment(ctx context.Context, assignmentID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.AssignmentID == assignmentID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	// Newest first, capped.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RecordHold(ctx context.Context, h Hold) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[h.GatewayReference]; ok {
		return nil, ErrDuplicateReference
	}

	if err := m.wallets.Credit(ctx, h.StudentID, h.Amount, wallet.BucketEscrow); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:               uuid.NewString(),
		Type:             TypeEscrowHold,
		Amount:           h.Amount,
		Currency:         h.Currency,
		UserID:           h.StudentID,
		AssignmentID:     h.AssignmentID,
		Status:           StatusCompleted,
		GatewayReference: h.GatewayReference,
		CreatedAt:        time.Now(),
	}
	if err := m.append(e); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ApplySettlement(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Debit the held amount first; this is the only step that can fail on
	// balances, so a failure here leaves everything untouched.
	if err := m.wallets.Debit(ctx, s.StudentID, s.HoldAmount, wallet.BucketEscrow); err != nil {
		return err
	}

	for _, mv := range s.Movements {
		if !mv.Amount.IsPositive() {
			continue
		}
		var err error
		if mv.Earnings {
			err = m.wallets.CreditEarnings(ctx, mv.UserID, mv.Amount)
		} else {
			err = m.wallets.Credit(ctx, mv.UserID, mv.Amount, wallet.BucketAvailable)
		}
		if err != nil {
			return err
		}
		entry := &Entry{
			Type:         mv.Type,
			Amount:       mv.Amount,
			Currency:     s.Currency,
			UserID:       mv.UserID,
			AssignmentID: s.AssignmentID,
			Status:       StatusCompleted,
		}
		if err := m.append(entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.wallets.Debit(ctx, userID, amount, wallet.BucketAvailable); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:        uuid.NewString(),
		Type:      TypeWithdrawal,
		Amount:    amount,
		Currency:  currency,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := m.append(e); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CompleteWithdrawal(ctx context.Context, entryID, gatewayRef string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending *Entry
	for _, e := range m.entries {
		if e.ID == entryID {
			pending = e
			break
		}
	}
	if pending == nil {
		return nil, ErrEntryNotFound
	}
	if pending.Type != TypeWithdrawal || pending.Status != StatusPending {
		return nil, ErrEntryNotFound
	}

	pending.Status = StatusCompleted

	done := &Entry{
		Type:             TypeWithdrawalCompleted,
		Amount:           pending.Amount,
		Currency:         pending.Currency,
		UserID:           pending.UserID,
		Status:           StatusCompleted,
		GatewayReference: gatewayRef,
	}
	if err := m.append(done); err != nil {
		return nil, err
	}
	cp := *done
	return &cp, nil
}

func sortByCreated(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
