// Package settlement is the escrow settlement engine.
//
// A settlement moves a payer's money through the gateway in two legs:
//
//  1. StartSettlement opens a collection into the holding account.
//  2. Reconcile (called by status polls, webhooks and the Poller) observes
//     the collection; on first success it claims payout initiation with a
//     compare-and-swap on the settlement row and only the winner calls the
//     gateway's payout-create.
//  3. Reconcile observes the payout until it is terminal.
//  4. Both legs succeeded: COMPLETED, the payment intent is finalized and a
//     receipt is composed once.
//
// Every state change on the settlement or its payment record is written
// together with one audit entry and one history entry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paynest/escrowd/internal/audit"
	"github.com/paynest/escrowd/internal/gateway"
	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/receipts"
	"github.com/paynest/escrowd/internal/traces"
	"github.com/paynest/escrowd/internal/validation"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("settlement not found")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrIntentUnavailable  = errors.New("payment intent missing, finalized or already linked")
	ErrReceiptNotReady    = errors.New("settlement has no receipt yet")
	ErrWebhookMismatch    = errors.New("webhook does not match settlement")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
)

// DefaultPurpose is sent to the gateway when the note sanitizes to nothing.
const DefaultPurpose = "Escrow payment"

// Stage is the UI-facing refinement of a settlement's status.
type Stage string

const (
	StageCollectionPending    Stage = "collection_pending"
	StageCollectionProcessing Stage = "collection_processing"
	StageCollectionSuccess    Stage = "collection_success"
	StagePayoutProcessing     Stage = "payout_processing"
	StageCompleted            Stage = "completed"
	StageCollectionFailed     Stage = "collection_failed"
	StagePayoutFailed         Stage = "payout_failed"
)

// DeriveStage computes the stage from the status triple alone.
func DeriveStage(status ledger.Status, collection, payout ledger.LegStatus) Stage {
	switch status {
	case ledger.StatusCompleted:
		return StageCompleted
	case ledger.StatusFailed:
		if collection == ledger.LegSuccess {
			return StagePayoutFailed
		}
		return StageCollectionFailed
	}

	switch collection {
	case ledger.LegFailed:
		return StageCollectionFailed
	case ledger.LegProcessing:
		return StageCollectionProcessing
	case ledger.LegSuccess:
	default:
		return StageCollectionPending
	}

	switch payout {
	case ledger.LegNone:
		return StageCollectionSuccess
	case ledger.LegFailed:
		return StagePayoutFailed
	default:
		return StagePayoutProcessing
	}
}

func stageOf(s *ledger.Settlement) Stage {
	return DeriveStage(s.Status, s.CollectionStatus, s.PayoutStatus)
}

// View is the caller-facing state of a settlement.
type View struct {
	ReferenceID      string           `json:"referenceId"`
	Status           ledger.Status    `json:"status"`
	Stage            Stage            `json:"stage"`
	CollectionStatus ledger.LegStatus `json:"collectionStatus"`
	PayoutStatus     ledger.LegStatus `json:"payoutStatus,omitempty"`
	CollectionID     string           `json:"collectionId,omitempty"`
	PayoutID         string           `json:"payoutId,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	RecipientAccount string           `json:"recipientAccount"`
	PaymentIntentID  string           `json:"paymentIntentId,omitempty"`
	PaymentLink      string           `json:"paymentLink,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	// Stale is set when the latest gateway query failed and the view is the
	// last state the ledger knows.
	Stale     bool      `json:"stale,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func viewOf(s *ledger.Settlement) *View {
	return &View{
		ReferenceID:      s.Reference,
		Status:           s.Status,
		Stage:            stageOf(s),
		CollectionStatus: s.CollectionStatus,
		PayoutStatus:     s.PayoutStatus,
		CollectionID:     s.CollectionTxnID,
		PayoutID:         s.PayoutTxnID,
		Amount:           s.Amount,
		Currency:         s.Currency,
		RecipientAccount: s.RecipientAccount,
		PaymentIntentID:  s.PaymentIntentID,
		PaymentLink:      s.PaymentLink,
		FailureReason:    s.FailureReason,
		UpdatedAt:        s.UpdatedAt,
	}
}

// StartRequest opens a settlement.
type StartRequest struct {
	Amount           decimal.Decimal
	RecipientAccount string
	PayerReference   string
	Note             string
	// PaymentIntentID links an intent authored elsewhere. Empty creates one.
	PaymentIntentID string
}

// IntentRequest creates a payment intent ahead of a settlement.
type IntentRequest struct {
	Amount           decimal.Decimal
	RecipientAccount string
	PayerReference   string
	Note             string
}

// Receipts is the part of the receipt composer the engine uses.
type Receipts interface {
	Generate(ctx context.Context, settlementRef string) (*receipts.Receipt, error)
}

// Config holds engine tunables.
type Config struct {
	HoldingAccount   string
	Currency         string
	CollectionExpiry time.Duration
	// PayoutClaimTTL is how long a payout claim without a payout row is
	// honored before another caller may take it over.
	PayoutClaimTTL time.Duration
}

// Service implements the settlement engine.
type Service struct {
	store    ledger.Store
	gateway  gateway.Client
	receipts Receipts
	recorder *audit.Recorder
	cfg      Config
	now      func() time.Time
}

// NewService creates a settlement engine.
func NewService(store ledger.Store, gw gateway.Client, rc Receipts, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.CollectionExpiry <= 0 {
		cfg.CollectionExpiry = 15 * time.Minute
	}
	if cfg.PayoutClaimTTL <= 0 {
		cfg.PayoutClaimTTL = 2 * time.Minute
	}
	return &Service{
		store:    store,
		gateway:  gw,
		receipts: rc,
		recorder: audit.NewRecorder(),
		cfg:      cfg,
		now:      time.Now,
	}
}

func validateParties(amount decimal.Decimal, recipient, payer string) validation.ValidationErrors {
	errs := validation.Validate(
		validation.Required("recipientAccount", recipient),
		validation.ValidVPA("recipientAccount", recipient),
		validation.Required("payerReference", payer),
		validation.MaxLength("payerReference", payer, 128),
		validation.ValidAmount("amount", amount),
	)
	return errs
}

// matchIntent reports the fields of a start request that disagree with the
// payment intent it wants to link.
func matchIntent(intent *ledger.PaymentIntent, amount decimal.Decimal, recipient, payer string) validation.ValidationErrors {
	var errs validation.ValidationErrors
	if !intent.Amount.Equal(amount) {
		errs = append(errs, validation.ValidationError{Field: "amount", Message: "does not match payment intent"})
	}
	if validation.SanitizeVPA(intent.RecipientAccount) != recipient {
		errs = append(errs, validation.ValidationError{Field: "recipientAccount", Message: "does not match payment intent"})
	}
	if intent.PayerReference != payer {
		errs = append(errs, validation.ValidationError{Field: "payerReference", Message: "does not match payment intent"})
	}
	return errs
}

// StartSettlement validates the request, opens the collection leg and
// persists the settlement with its collection, payment record and intent.
func (s *Service) StartSettlement(ctx context.Context, req StartRequest) (_ *View, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Start", traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	recipient := validation.SanitizeVPA(req.RecipientAccount)
	payer := validation.SanitizeString(req.PayerReference, 256)
	if errs := validateParties(req.Amount, recipient, payer); len(errs) > 0 {
		return nil, errs
	}
	note := validation.SanitizeString(req.Note, 256)

	var existing *ledger.PaymentIntent
	if req.PaymentIntentID != "" {
		existing, err = s.store.GetPaymentIntent(ctx, req.PaymentIntentID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrIntentUnavailable
		}
		if err != nil {
			return nil, fmt.Errorf("load payment intent: %w", err)
		}
		if existing.Status != ledger.IntentCreated || existing.SettlementRef != "" {
			return nil, ErrIntentUnavailable
		}
		if errs := matchIntent(existing, req.Amount, recipient, payer); len(errs) > 0 {
			return nil, errs
		}
	}

	ref := idgen.SettlementReference()
	span.SetAttributes(traces.Reference(ref))

	txn, err := s.gateway.CreateCollection(ctx, gateway.CollectionRequest{
		Reference:      ref,
		PayeeAccount:   s.cfg.HoldingAccount,
		PayerReference: payer,
		Amount:         req.Amount,
		Purpose:        validation.SanitizePurpose(note, DefaultPurpose),
		ExpiryMinutes:  int(s.cfg.CollectionExpiry / time.Minute),
	})
	if err != nil {
		settlementsStarted.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("%w: create collection: %w", ErrGatewayUnavailable, err)
	}

	now := s.now().UTC()
	bundle := &ledger.NewSettlement{
		Settlement: &ledger.Settlement{
			Reference:        ref,
			Amount:           req.Amount,
			Currency:         s.cfg.Currency,
			PayerReference:   payer,
			RecipientAccount: recipient,
			Note:             note,
			Status:           ledger.StatusInitiated,
			CollectionStatus: ledger.LegPending,
			CollectionTxnID:  txn.ID,
			PaymentLink:      txn.PaymentLink,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Collection: &ledger.Collection{
			ID:            idgen.WithPrefix("col_"),
			SettlementRef: ref,
			GatewayTxnID:  txn.ID,
			Amount:        req.Amount,
			Fee:           txn.Fee,
			Status:        ledger.CollectionInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Record: &ledger.PaymentRecord{
			ID:               idgen.WithPrefix("rec_"),
			SettlementRef:    ref,
			PayerReference:   payer,
			RecipientAccount: recipient,
			Amount:           req.Amount,
			OverallStatus:    ledger.RecordCreated,
			CollectionStatus: ledger.LegPending,
			CollectionID:     txn.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	if existing != nil {
		bundle.Intent = existing
		bundle.Settlement.PaymentIntentID = existing.ID
	} else {
		bundle.CreateIntent = true
		bundle.Intent = &ledger.PaymentIntent{
			ID:               idgen.WithPrefix("pi_"),
			PayerReference:   payer,
			RecipientAccount: recipient,
			Amount:           req.Amount,
			Note:             note,
			Status:           ledger.IntentCreated,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		bundle.Settlement.PaymentIntentID = bundle.Intent.ID
	}

	err = s.store.Create(ctx, bundle, func(tx ledger.Tx) error {
		s.recorder.Append(ctx, tx, ref, audit.ActionCreated, "", string(StageCollectionPending), map[string]any{
			"amount":           req.Amount.StringFixed(2),
			"recipientAccount": recipient,
			"collectionId":     txn.ID,
			"paymentIntentId":  bundle.Settlement.PaymentIntentID,
			"status":           string(ledger.StatusInitiated),
		})
		return nil
	})
	if err != nil {
		settlementsStarted.WithLabelValues("store_error").Inc()
		// The orphaned collection expires on the gateway side.
		logging.L(ctx).Error("failed to persist settlement after opening collection",
			"reference_id", ref, "collection_id", txn.ID, "error", err)
		if errors.Is(err, ledger.ErrIntentUnavailable) {
			return nil, ErrIntentUnavailable
		}
		return nil, fmt.Errorf("persist settlement: %w", err)
	}

	settlementsStarted.WithLabelValues("ok").Inc()
	transitions.WithLabelValues(audit.ActionCreated).Inc()
	logging.L(ctx).Info("settlement started",
		"reference_id", ref, "amount", req.Amount.StringFixed(2), "collection_id", txn.ID)
	return viewOf(bundle.Settlement), nil
}

// CreatePaymentIntent stores an intent that a later StartSettlement links.
func (s *Service) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*ledger.PaymentIntent, error) {
	recipient := validation.SanitizeVPA(req.RecipientAccount)
	payer := validation.SanitizeString(req.PayerReference, 256)
	if errs := validateParties(req.Amount, recipient, payer); len(errs) > 0 {
		return nil, errs
	}
	now := s.now().UTC()
	intent := &ledger.PaymentIntent{
		ID:               idgen.WithPrefix("pi_"),
		PayerReference:   payer,
		RecipientAccount: recipient,
		Amount:           req.Amount,
		Note:             validation.SanitizeString(req.Note, 256),
		Status:           ledger.IntentCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// Get returns the stored view without contacting the gateway.
func (s *Service) Get(ctx context.Context, ref string) (*View, error) {
	st, err := s.store.GetSettlement(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return viewOf(st), nil
}

// Status reconciles and returns the best-known view. A gateway outage is
// not an error here: the last stored state is returned marked Stale.
func (s *Service) Status(ctx context.Context, ref string) (*View, error) {
	view, err := s.Reconcile(ctx, ref)
	if err != nil && view != nil && errors.Is(err, ErrGatewayUnavailable) {
		logging.L(ctx).Warn("serving stale settlement view", "reference_id", ref, "error", err)
		return view, nil
	}
	return view, err
}

// Receipt returns the settlement's receipt, composing it if the settlement
// completed but the receipt write had not happened yet.
func (s *Service) Receipt(ctx context.Context, ref string) (*receipts.Receipt, error) {
	st, err := s.store.GetSettlement(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.Status != ledger.StatusCompleted {
		return nil, ErrReceiptNotReady
	}
	return s.receipts.Generate(ctx, ref)
}

// Trail returns a settlement's audit log and status history.
func (s *Service) Trail(ctx context.Context, ref string) ([]*audit.Entry, []*audit.HistoryEntry, error) {
	if _, err := s.store.GetSettlement(ctx, ref); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	entries, err := s.store.ListAudit(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.store.ListHistory(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return entries, history, nil
}
