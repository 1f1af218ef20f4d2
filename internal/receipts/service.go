package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/logging"
)

// LegReader is the slice of the ledger the composer reads from.
type LegReader interface {
	GetSettlement(ctx context.Context, reference string) (*ledger.Settlement, error)
	GetCollection(ctx context.Context, reference string) (*ledger.Collection, error)
	GetPayout(ctx context.Context, reference string) (*ledger.Payout, error)
}

// Service implements receipt business logic.
type Service struct {
	store  Store
	legs   LegReader
	signer *Signer
	now    func() time.Time
	number func(time.Time) string
}

// maxNumberAttempts bounds how often Generate redraws a colliding number.
const maxNumberAttempts = 3

// NewService creates a new receipt service.
// If signer is nil, receipts are issued unsigned.
func NewService(store Store, legs LegReader, signer *Signer) *Service {
	return &Service{
		store:  store,
		legs:   legs,
		signer: signer,
		now:    time.Now,
		number: idgen.ReceiptNumber,
	}
}

// Generate returns the settlement's receipt, composing and persisting it on
// first call. It never issues a second receipt for one settlement: a losing
// concurrent caller gets the winner's receipt back.
func (s *Service) Generate(ctx context.Context, settlementRef string) (*Receipt, error) {
	existing, err := s.store.GetBySettlement(ctx, settlementRef)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		return nil, err
	}

	st, err := s.legs.GetSettlement(ctx, settlementRef)
	if err != nil {
		return nil, err
	}
	if st.Status != ledger.StatusCompleted {
		return nil, ErrNotCompleted
	}
	col, err := s.legs.GetCollection(ctx, settlementRef)
	if err != nil {
		return nil, fmt.Errorf("receipts: load collection: %w", err)
	}
	payout, err := s.legs.GetPayout(ctx, settlementRef)
	if err != nil {
		return nil, fmt.Errorf("receipts: load payout: %w", err)
	}

	now := s.now().UTC()
	settledAt := st.UpdatedAt
	if payout.CompletedAt != nil {
		settledAt = *payout.CompletedAt
	}

	r := &Receipt{
		SettlementRef:    st.Reference,
		PayerReference:   st.PayerReference,
		RecipientAccount: st.RecipientAccount,
		Currency:         st.Currency,
		CollectionAmount: col.Amount,
		CollectionFee:    col.Fee,
		PayoutAmount:     payout.Amount,
		PayoutFee:        payout.Fee,
		NetAmount:        col.Amount.Sub(col.Fee).Sub(payout.Fee),
		CollectionTxnID:  col.GatewayTxnID,
		PayoutTxnID:      payout.GatewayTxnID,
		CollectionUTR:    col.UTR,
		PayoutUTR:        payout.UTR,
		Note:             st.Note,
		SettledAt:        settledAt.UTC(),
		IssuedAt:         now,
	}

	for attempt := 1; ; attempt++ {
		r.ID = idgen.WithPrefix("rcpt_")
		r.ReceiptNumber = s.number(now)
		// The number is part of the signed payload.
		sig, err := s.signer.Sign(payloadOf(r))
		if err != nil {
			return nil, fmt.Errorf("receipts: failed to sign: %w", err)
		}
		r.Signature = sig

		err = s.store.Create(ctx, r)
		if err == nil {
			break
		}
		if errors.Is(err, ErrReceiptExists) {
			return s.store.GetBySettlement(ctx, settlementRef)
		}
		if errors.Is(err, ErrNumberTaken) && attempt < maxNumberAttempts {
			logging.L(ctx).Warn("receipt number collision, redrawing",
				"settlement_ref", settlementRef, "receipt_number", r.ReceiptNumber, "attempt", attempt)
			continue
		}
		return nil, err
	}
	logging.L(ctx).Info("receipt issued",
		"settlement_ref", settlementRef, "receipt_number", r.ReceiptNumber, "net_amount", r.NetAmount.StringFixed(2))
	return r, nil
}

// GetByNumber looks a receipt up by its public number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Receipt, error) {
	return s.store.GetByNumber(ctx, number)
}

// GetBySettlement returns a settlement's receipt without composing one.
func (s *Service) GetBySettlement(ctx context.Context, settlementRef string) (*Receipt, error) {
	return s.store.GetBySettlement(ctx, settlementRef)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, number string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			ReceiptNumber: number,
			Error:         ErrSigningDisabled.Error(),
		}, nil
	}

	r, err := s.store.GetByNumber(ctx, number)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{
			ReceiptNumber: number,
			Error:         ErrReceiptNotFound.Error(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{
		Valid:         s.signer.Verify(payloadOf(r), r.Signature),
		ReceiptNumber: number,
	}
	if !resp.Valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}
