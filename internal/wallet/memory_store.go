package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet
	currency string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		currency: currency,
	}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now()
		return &Wallet{
			UserID:           userID,
			AvailableBalance: decimal.Zero,
			EscrowBalance:    decimal.Zero,
			TotalEarnings:    decimal.Zero,
			Currency:         m.currency,
			CreatedAt:        now,
			UpdatedAt:        now,
		}, nil
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error {
	if err := checkMutation(amount, bucket); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(userID)
	m.apply(w, bucket, amount)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error {
	if err := checkMutation(amount, bucket); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(userID)
	if m.balance(w, bucket).LessThan(amount) {
		return ErrInsufficientFunds
	}
	m.apply(w, bucket, amount.Neg())
	return nil
}

func (m *MemoryStore) MoveBetweenBuckets(ctx context.Context, userID string, amount decimal.Decimal, from, to Bucket) error {
	if err := checkMutation(amount, from, to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(userID)
	if m.balance(w, from).LessThan(amount) {
		return ErrInsufficientFunds
	}
	m.apply(w, from, amount.Neg())
	m.apply(w, to, amount)
	return nil
}

func (m *MemoryStore) CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := checkMutation(amount, BucketAvailable); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreate(userID)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	w.TotalEarnings = w.TotalEarnings.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

// getOrCreate must be called with the write lock held.
func (m *MemoryStore) getOrCreate(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now()
		w = &Wallet{
			UserID:           userID,
			AvailableBalance: decimal.Zero,
			EscrowBalance:    decimal.Zero,
			TotalEarnings:    decimal.Zero,
			Currency:         m.currency,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) balance(w *Wallet, bucket Bucket) decimal.Decimal {
	if bucket == BucketEscrow {
		return w.EscrowBalance
	}
	return w.AvailableBalance
}

func (m *MemoryStore) apply(w *Wallet, bucket Bucket, delta decimal.Decimal) {
	if bucket == BucketEscrow {
		w.EscrowBalance = w.EscrowBalance.Add(delta)
	} else {
		w.AvailableBalance = w.AvailableBalance.Add(delta)
	}
	w.UpdatedAt = time.Now()
}
