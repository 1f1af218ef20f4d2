package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paynest/escrowd/internal/audit"
	"github.com/paynest/escrowd/internal/syncutil"
)

type callbackKey struct {
	ref string
	leg string
}

// MemoryStore is an in-memory Store for development and tests.
// Transact serializes per reference with a keyed mutex and stages all
// writes until fn returns, so a failed fn leaves no trace.
type MemoryStore struct {
	locks *syncutil.KeyedMutex

	mu          sync.RWMutex
	settlements map[string]*Settlement
	collections map[string]*Collection
	payouts     map[string]*Payout
	records     map[string]*PaymentRecord
	intents     map[string]*PaymentIntent
	callbacks   map[string]callbackKey
	audits      map[string][]*audit.Entry
	history     map[string][]*audit.HistoryEntry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:       syncutil.NewKeyedMutex(0),
		settlements: make(map[string]*Settlement),
		collections: make(map[string]*Collection),
		payouts:     make(map[string]*Payout),
		records:     make(map[string]*PaymentRecord),
		intents:     make(map[string]*PaymentIntent),
		callbacks:   make(map[string]callbackKey),
		audits:      make(map[string][]*audit.Entry),
		history:     make(map[string][]*audit.HistoryEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, n *NewSettlement, fn func(tx Tx) error) error {
	ref := n.Settlement.Reference
	unlock, err := m.locks.LockContext(ctx, ref)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	_, exists := m.settlements[ref]
	m.mu.RUnlock()
	if exists {
		return ErrSettlementExists
	}

	tx := &memTx{
		store:      m,
		ref:        ref,
		settlement: cloneSettlement(n.Settlement),
		collection: cloneCollection(n.Collection),
		record:     cloneRecord(n.Record),
		intent:     cloneIntent(n.Intent),
		create:     true,
		newIntent:  n.CreateIntent,
	}
	tx.settlement.Version = 1
	if tx.intent != nil && n.CreateIntent {
		tx.intent.SettlementRef = ref
	}
	if n.Intent != nil && !n.CreateIntent {
		m.mu.RLock()
		existing, ok := m.intents[n.Intent.ID]
		m.mu.RUnlock()
		if !ok || !linkable(existing) {
			return ErrIntentUnavailable
		}
		tx.intent = cloneIntent(existing)
		tx.intent.SettlementRef = ref
		tx.intent.UpdatedAt = n.Settlement.CreatedAt
	}

	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return tx.commit()
}

func (m *MemoryStore) Transact(ctx context.Context, reference string, fn func(tx Tx) error) error {
	unlock, err := m.locks.LockContext(ctx, reference)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	s, ok := m.settlements[reference]
	if !ok {
		m.mu.RUnlock()
		return ErrNotFound
	}
	tx := &memTx{
		store:      m,
		ref:        reference,
		settlement: cloneSettlement(s),
		collection: cloneCollection(m.collections[reference]),
		payout:     clonePayout(m.payouts[reference]),
		record:     cloneRecord(m.records[reference]),
	}
	if s.PaymentIntentID != "" {
		tx.intent = cloneIntent(m.intents[s.PaymentIntentID])
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) GetSettlement(_ context.Context, reference string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSettlement(s), nil
}

func (m *MemoryStore) GetCollection(_ context.Context, reference string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCollection(c), nil
}

func (m *MemoryStore) GetPayout(_ context.Context, reference string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayout(p), nil
}

func (m *MemoryStore) GetPaymentRecord(_ context.Context, reference string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) GetPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(i), nil
}

func (m *MemoryStore) CreatePaymentIntent(_ context.Context, i *PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[i.ID]; ok {
		return ErrIntentUnavailable
	}
	m.intents[i.ID] = cloneIntent(i)
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Settlement
	for _, s := range m.settlements {
		if !s.IsTerminal() {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountPayouts(_ context.Context, reference string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.payouts[reference]; ok {
		return 1, nil
	}
	return 0, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, settlementRef string) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.audits[settlementRef]
	out := make([]*audit.Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, settlementRef string) ([]*audit.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.history[settlementRef]
	out := make([]*audit.HistoryEntry, len(src))
	for i, h := range src {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}

func linkable(i *PaymentIntent) bool {
	return i.Status == IntentCreated && i.SettlementRef == ""
}

// memTx stages changes to one settlement's rows.
type memTx struct {
	store *MemoryStore
	ref   string

	settlement *Settlement
	collection *Collection
	payout     *Payout
	record     *PaymentRecord
	intent     *PaymentIntent

	create       bool
	newIntent    bool
	newPayout    bool
	dirtySettle  bool
	dirtyCollect bool
	dirtyPayout  bool
	dirtyRecord  bool
	dirtyIntent  bool

	callbacks map[string]string
	audits    []*audit.Entry
	history   []*audit.HistoryEntry
}

func (tx *memTx) Settlement() *Settlement { return cloneSettlement(tx.settlement) }

func (tx *memTx) Collection() (*Collection, error) {
	if tx.collection == nil {
		return nil, ErrNotFound
	}
	return cloneCollection(tx.collection), nil
}

func (tx *memTx) Payout() (*Payout, error) {
	if tx.payout == nil {
		return nil, ErrNotFound
	}
	return clonePayout(tx.payout), nil
}

func (tx *memTx) PaymentRecord() (*PaymentRecord, error) {
	if tx.record == nil {
		return nil, ErrNotFound
	}
	return cloneRecord(tx.record), nil
}

func (tx *memTx) PaymentIntent() (*PaymentIntent, error) {
	if tx.intent == nil {
		return nil, ErrNotFound
	}
	return cloneIntent(tx.intent), nil
}

func (tx *memTx) SaveSettlement(s *Settlement) error {
	if s.Reference != tx.ref {
		return ErrNotFound
	}
	version := tx.settlement.Version
	tx.settlement = cloneSettlement(s)
	tx.settlement.Version = version
	tx.dirtySettle = true
	return nil
}

func (tx *memTx) SaveCollection(c *Collection) error {
	if tx.collection == nil || c.SettlementRef != tx.ref {
		return ErrNotFound
	}
	tx.collection = cloneCollection(c)
	tx.dirtyCollect = true
	return nil
}

func (tx *memTx) CreatePayout(p *Payout) error {
	if p.SettlementRef != tx.ref {
		return ErrNotFound
	}
	if tx.payout != nil {
		return ErrPayoutExists
	}
	tx.payout = clonePayout(p)
	tx.newPayout = true
	return nil
}

func (tx *memTx) SavePayout(p *Payout) error {
	if tx.payout == nil || p.SettlementRef != tx.ref {
		return ErrNotFound
	}
	tx.payout = clonePayout(p)
	tx.dirtyPayout = true
	return nil
}

func (tx *memTx) SavePaymentRecord(r *PaymentRecord) error {
	if tx.record == nil || r.SettlementRef != tx.ref {
		return ErrNotFound
	}
	tx.record = cloneRecord(r)
	tx.dirtyRecord = true
	return nil
}

func (tx *memTx) SavePaymentIntent(i *PaymentIntent) error {
	if tx.intent == nil || i.ID != tx.intent.ID {
		return ErrNotFound
	}
	tx.intent = cloneIntent(i)
	tx.dirtyIntent = true
	return nil
}

func (tx *memTx) RecordCallback(callbackID, leg string) (bool, error) {
	if _, ok := tx.callbacks[callbackID]; ok {
		return false, nil
	}
	tx.store.mu.RLock()
	prev, seen := tx.store.callbacks[callbackID]
	tx.store.mu.RUnlock()
	if seen {
		if prev.ref != tx.ref {
			return false, ErrCallbackConflict
		}
		return false, nil
	}
	if tx.callbacks == nil {
		tx.callbacks = make(map[string]string)
	}
	tx.callbacks[callbackID] = leg
	return true, nil
}

func (tx *memTx) WriteAudit(_ context.Context, e *audit.Entry) error {
	cp := *e
	tx.audits = append(tx.audits, &cp)
	return nil
}

func (tx *memTx) WriteHistory(_ context.Context, h *audit.HistoryEntry) error {
	cp := *h
	tx.history = append(tx.history, &cp)
	return nil
}

func (tx *memTx) commit() error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	// Checks that span references are repeated under the write lock.
	for id := range tx.callbacks {
		if _, ok := m.callbacks[id]; ok {
			return ErrCallbackConflict
		}
	}
	if tx.create {
		if _, ok := m.settlements[tx.ref]; ok {
			return ErrSettlementExists
		}
		if tx.intent != nil {
			existing, ok := m.intents[tx.intent.ID]
			if tx.newIntent && ok {
				return ErrIntentUnavailable
			}
			if !tx.newIntent && (!ok || !linkable(existing)) {
				return ErrIntentUnavailable
			}
		}
		m.settlements[tx.ref] = tx.settlement
		if tx.collection != nil {
			m.collections[tx.ref] = tx.collection
		}
		if tx.record != nil {
			m.records[tx.ref] = tx.record
		}
		if tx.intent != nil {
			m.intents[tx.intent.ID] = tx.intent
		}
	} else {
		if tx.dirtySettle {
			tx.settlement.Version = m.settlements[tx.ref].Version + 1
			m.settlements[tx.ref] = tx.settlement
		}
		if tx.dirtyCollect {
			m.collections[tx.ref] = tx.collection
		}
		if tx.dirtyRecord {
			m.records[tx.ref] = tx.record
		}
		if tx.dirtyIntent {
			m.intents[tx.intent.ID] = tx.intent
		}
	}
	if tx.newPayout || tx.dirtyPayout {
		m.payouts[tx.ref] = tx.payout
	}
	for id, leg := range tx.callbacks {
		m.callbacks[id] = callbackKey{ref: tx.ref, leg: leg}
	}
	m.audits[tx.ref] = append(m.audits[tx.ref], tx.audits...)
	m.history[tx.ref] = append(m.history[tx.ref], tx.history...)
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneSettlement(s *Settlement) *Settlement {
	if s == nil {
		return nil
	}
	cp := *s
	cp.PayoutClaimedAt = cloneTime(s.PayoutClaimedAt)
	return &cp
}

func cloneCollection(c *Collection) *Collection {
	if c == nil {
		return nil
	}
	cp := *c
	cp.CompletedAt = cloneTime(c.CompletedAt)
	return &cp
}

func clonePayout(p *Payout) *Payout {
	if p == nil {
		return nil
	}
	cp := *p
	cp.CompletedAt = cloneTime(p.CompletedAt)
	return &cp
}

func cloneRecord(r *PaymentRecord) *PaymentRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CollectionCompletedAt = cloneTime(r.CollectionCompletedAt)
	cp.PayoutCompletedAt = cloneTime(r.PayoutCompletedAt)
	return &cp
}

func cloneIntent(i *PaymentIntent) *PaymentIntent {
	if i == nil {
		return nil
	}
	cp := *i
	cp.CompletedAt = cloneTime(i.CompletedAt)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
