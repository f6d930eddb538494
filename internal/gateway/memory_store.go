package gateway

import (
	"context"
	"sync"

	"github.com/tutorhub/payments/internal/idgen"
)

// MemoryStore is an in-memory pending-payment store for demo/development mode.
type MemoryStore struct {
	byInvoice map[string]*PendingPayment
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory pending-payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byInvoice: make(map[string]*PendingPayment)}
}

func (m *MemoryStore) Create(ctx context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = idgen.WithPrefix("pay_")
	}
	cp := *p
	m.byInvoice[p.InvoiceID] = &cp
	return nil
}

func (m *MemoryStore) GetByInvoice(ctx context.Context, invoiceID string) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byInvoice[invoiceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, invoiceID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byInvoice[invoiceID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = status
	return nil
}
