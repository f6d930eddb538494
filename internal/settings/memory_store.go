package settings

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory settings store for demo/development mode.
type MemoryStore struct {
	current Settings
	mu      sync.RWMutex
}

// NewMemoryStore creates a settings store seeded with the given defaults.
func NewMemoryStore(defaults Settings) (*MemoryStore, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if defaults.UpdatedAt.IsZero() {
		defaults.UpdatedAt = time.Now()
	}
	return &MemoryStore{current: defaults}, nil
}

func (m *MemoryStore) Get(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

func (m *MemoryStore) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Currency == "" {
		s.Currency = m.current.Currency
	}
	s.UpdatedAt = time.Now()
	m.current = s
	return s, nil
}
