package receipts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
// The settlement-keyed map plays the role of the unique index.
type MemoryStore struct {
	bySettlement map[string]*Receipt
	byNumber     map[string]string
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySettlement: make(map[string]*Receipt),
		byNumber:     make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySettlement[r.SettlementRef]; ok {
		return ErrReceiptExists
	}
	if _, ok := m.byNumber[r.ReceiptNumber]; ok {
		return ErrNumberTaken
	}
	cp := *r
	m.bySettlement[r.SettlementRef] = &cp
	m.byNumber[r.ReceiptNumber] = r.SettlementRef
	return nil
}

func (m *MemoryStore) GetBySettlement(_ context.Context, settlementRef string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.bySettlement[settlementRef]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByNumber(_ context.Context, number string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byNumber[number]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *m.bySettlement[ref]
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
