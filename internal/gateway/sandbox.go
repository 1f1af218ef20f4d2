package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SandboxOptions tunes the in-process gateway.
type SandboxOptions struct {
	// AutoAdvanceAfter moves a leg one step forward (pending → processing →
	// success) every N status reads. Zero leaves legs where they are.
	AutoAdvanceAfter int
	// Latency is added to every call.
	Latency time.Duration
	// PayoutFee is reported on every payout.
	PayoutFee decimal.Decimal
}

type sandboxTxn struct {
	tx    Transaction
	reads int
}

// Sandbox is an in-memory gateway used in development mode and tests.
// It deduplicates create calls by reference like the real gateway does.
type Sandbox struct {
	opts SandboxOptions

	mu          sync.Mutex
	seq         int
	collections map[string]*sandboxTxn // by transaction ID
	payouts     map[string]*sandboxTxn
	byRef       map[string]string // reference → transaction ID
	calls       map[string]int
	failures    map[string][]error
}

var _ Client = (*Sandbox)(nil)

// NewSandbox creates an empty sandbox gateway.
func NewSandbox(opts SandboxOptions) *Sandbox {
	return &Sandbox{
		opts:        opts,
		collections: make(map[string]*sandboxTxn),
		payouts:     make(map[string]*sandboxTxn),
		byRef:       make(map[string]string),
		calls:       make(map[string]int),
		failures:    make(map[string][]error),
	}
}

// CreateCollection implements Client.
func (s *Sandbox) CreateCollection(ctx context.Context, req CollectionRequest) (*Transaction, error) {
	if err := s.enter(ctx, OpCreateCollection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef["c:"+req.Reference]; ok {
		return nil, ErrDuplicateReference
	}
	s.seq++
	id := fmt.Sprintf("COL%06d", s.seq)
	t := &sandboxTxn{tx: Transaction{
		ID:          id,
		Reference:   req.Reference,
		Status:      StatusPending,
		RawStatus:   "PENDING",
		Amount:      req.Amount,
		PaymentLink: fmt.Sprintf("upi://pay?pa=%s&am=%s&tr=%s", req.PayeeAccount, req.Amount.StringFixed(2), req.Reference),
	}}
	s.collections[id] = t
	s.byRef["c:"+req.Reference] = id
	cp := t.tx
	return &cp, nil
}

// CollectionStatus implements Client.
func (s *Sandbox) CollectionStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	if err := s.enter(ctx, OpCollectionStatus); err != nil {
		return nil, err
	}
	return s.read(s.collections, transactionID)
}

// CreatePayout implements Client.
func (s *Sandbox) CreatePayout(ctx context.Context, req PayoutRequest) (*Transaction, error) {
	if err := s.enter(ctx, OpCreatePayout); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef["p:"+req.Reference]; ok {
		return nil, ErrDuplicateReference
	}
	s.seq++
	id := fmt.Sprintf("POUT%06d", s.seq)
	t := &sandboxTxn{tx: Transaction{
		ID:        id,
		Reference: req.Reference,
		Status:    StatusProcessing,
		RawStatus: "QUEUED",
		Amount:    req.Amount,
		Fee:       s.opts.PayoutFee,
	}}
	s.payouts[id] = t
	s.byRef["p:"+req.Reference] = id
	cp := t.tx
	return &cp, nil
}

// PayoutStatus implements Client.
func (s *Sandbox) PayoutStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	if err := s.enter(ctx, OpPayoutStatus); err != nil {
		return nil, err
	}
	return s.read(s.payouts, transactionID)
}

// LookupPayout implements Client.
func (s *Sandbox) LookupPayout(ctx context.Context, reference string) (*Transaction, error) {
	if err := s.enter(ctx, OpLookupPayout); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef["p:"+reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.payouts[id].tx
	return &cp, nil
}

// SetCollectionStatus scripts the status the next collection reads report.
func (s *Sandbox) SetCollectionStatus(reference string, status Status) {
	s.setStatus("c:", s.collections, reference, status)
}

// SetPayoutStatus scripts the status the next payout reads report.
func (s *Sandbox) SetPayoutStatus(reference string, status Status) {
	s.setStatus("p:", s.payouts, reference, status)
}

// SetCollectionFee sets the fee reported on a collection.
func (s *Sandbox) SetCollectionFee(reference string, fee decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRef["c:"+reference]; ok {
		s.collections[id].tx.Fee = fee
	}
}

// SeedPayout registers a payout as if another process had already created
// it, so the next CreatePayout with that reference reports a duplicate.
func (s *Sandbox) SeedPayout(reference string, amount decimal.Decimal, status Status) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("POUT%06d", s.seq)
	s.payouts[id] = &sandboxTxn{tx: Transaction{ID: id, Reference: reference, Status: status, RawStatus: string(status), Amount: amount}}
	s.byRef["p:"+reference] = id
	return id
}

// FailNext makes the next calls to op return errs, in order.
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// CollectionID returns the transaction ID for a collection reference.
func (s *Sandbox) CollectionID(reference string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRef["c:"+reference]
}

// PayoutID returns the transaction ID for a payout reference.
func (s *Sandbox) PayoutID(reference string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRef["p:"+reference]
}

func (s *Sandbox) enter(ctx context.Context, op string) error {
	if s.opts.Latency > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(s.opts.Latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		err := q[0]
		s.failures[op] = q[1:]
		return err
	}
	return nil
}

func (s *Sandbox) read(m map[string]*sandboxTxn, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.reads++
	if n := s.opts.AutoAdvanceAfter; n > 0 && t.reads%n == 0 {
		switch t.tx.Status {
		case StatusPending:
			t.tx.Status, t.tx.RawStatus = StatusProcessing, "PROCESSING"
		case StatusProcessing:
			t.tx.Status, t.tx.RawStatus = StatusSuccess, "SUCCESS"
			t.tx.UTR = fmt.Sprintf("UTR%010d", s.seq*7919)
		}
	}
	cp := t.tx
	return &cp, nil
}

func (s *Sandbox) setStatus(prefix string, m map[string]*sandboxTxn, reference string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[prefix+reference]
	if !ok {
		return
	}
	t := m[id]
	t.tx.Status = status
	t.tx.RawStatus = string(status)
	if status == StatusSuccess && t.tx.UTR == "" {
		t.tx.UTR = "UTR" + id
	}
}
