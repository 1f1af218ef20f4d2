// Package ledger persists the settlement data model: the settlement root,
// its collection and payout legs, the aggregate payment record, the linked
// payment intent, webhook callback keys and the audit trail.
//
// Business rules live in the settlement engine. This package only offers
// single-entity reads and Transact, which runs a read-modify-write over one
// settlement's rows while holding that settlement's lock.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/paynest/escrowd/internal/audit"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrSettlementExists  = errors.New("ledger: settlement already exists")
	ErrPayoutExists      = errors.New("ledger: payout leg already exists")
	ErrIntentUnavailable = errors.New("ledger: payment intent missing, finalized or already linked")
	ErrCallbackConflict  = errors.New("ledger: callback id recorded for another settlement")
)

// Status is the settlement's coarse state.
type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// LegStatus mirrors the normalized gateway status of one leg.
// The empty value means the leg does not exist yet.
type LegStatus string

const (
	LegNone       LegStatus = ""
	LegPending    LegStatus = "pending"
	LegProcessing LegStatus = "processing"
	LegSuccess    LegStatus = "success"
	LegFailed     LegStatus = "failed"
)

type CollectionStatus string

const (
	CollectionInitiated CollectionStatus = "INITIATED"
	CollectionCompleted CollectionStatus = "COMPLETED"
	CollectionFailed    CollectionStatus = "FAILED"
)

type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

type RecordStatus string

const (
	RecordCreated    RecordStatus = "CREATED"
	RecordProcessing RecordStatus = "PROCESSING"
	RecordCompleted  RecordStatus = "COMPLETED"
	RecordFailed     RecordStatus = "FAILED"
)

type IntentStatus string

const (
	IntentCreated IntentStatus = "CREATED"
	IntentSuccess IntentStatus = "SUCCESS"
	IntentFailed  IntentStatus = "FAILED"
)

// Settlement is the root escrow record. Reference is the externally
// visible identifier.
type Settlement struct {
	Reference        string          `json:"referenceId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PayerReference   string          `json:"payerReference"`
	RecipientAccount string          `json:"recipientAccount"`
	Note             string          `json:"note,omitempty"`
	Status           Status          `json:"status"`
	CollectionStatus LegStatus       `json:"collectionStatus"`
	PayoutStatus     LegStatus       `json:"payoutStatus,omitempty"`
	CollectionTxnID  string          `json:"collectionId,omitempty"`
	PayoutTxnID      string          `json:"payoutId,omitempty"`
	PayoutReference  string          `json:"payoutReference,omitempty"`
	PaymentIntentID  string          `json:"paymentIntentId,omitempty"`
	PaymentLink      string          `json:"paymentLink,omitempty"`
	PayoutClaimedAt  *time.Time      `json:"payoutClaimedAt,omitempty"`
	PayoutAttempts   int             `json:"payoutAttempts"`
	FailureReason    string          `json:"failureReason,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether the settlement can no longer change.
func (s *Settlement) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Collection is the inbound leg.
type Collection struct {
	ID            string           `json:"id"`
	SettlementRef string           `json:"settlementRef"`
	GatewayTxnID  string           `json:"gatewayTxnId"`
	Amount        decimal.Decimal  `json:"amount"`
	Fee           decimal.Decimal  `json:"fee"`
	Status        CollectionStatus `json:"status"`
	UTR           string           `json:"utr,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Payout is the outbound leg. At most one exists per settlement.
type Payout struct {
	ID               string          `json:"id"`
	SettlementRef    string          `json:"settlementRef"`
	GatewayTxnID     string          `json:"gatewayTxnId"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	RecipientAccount string          `json:"recipientAccount"`
	Status           PayoutStatus    `json:"status"`
	RetryCount       int             `json:"retryCount"`
	UTR              string          `json:"utr,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// PaymentRecord is the compliance-facing join of both legs and the parties.
type PaymentRecord struct {
	ID                    string          `json:"id"`
	SettlementRef         string          `json:"settlementRef"`
	PayerReference        string          `json:"payerReference"`
	RecipientAccount      string          `json:"recipientAccount"`
	Amount                decimal.Decimal `json:"amount"`
	OverallStatus         RecordStatus    `json:"overallStatus"`
	CollectionStatus      LegStatus       `json:"collectionStatus"`
	PayoutStatus          LegStatus       `json:"payoutStatus,omitempty"`
	CollectionID          string          `json:"collectionId,omitempty"`
	PayoutID              string          `json:"payoutId,omitempty"`
	CollectionCompletedAt *time.Time      `json:"collectionCompletedAt,omitempty"`
	PayoutCompletedAt     *time.Time      `json:"payoutCompletedAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// PaymentIntent is the user-facing payment object. It is authored outside
// the engine and finalized by it.
type PaymentIntent struct {
	ID               string          `json:"id"`
	PayerReference   string          `json:"payerReference"`
	RecipientAccount string          `json:"recipientAccount"`
	Amount           decimal.Decimal `json:"amount"`
	Note             string          `json:"note,omitempty"`
	Status           IntentStatus    `json:"status"`
	SettlementRef    string          `json:"settlementRef,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewSettlement bundles the rows written when a settlement starts.
// Intent is inserted when CreateIntent is set; otherwise the existing
// intent with Intent.ID is linked, provided it is CREATED and unlinked.
type NewSettlement struct {
	Settlement   *Settlement
	Collection   *Collection
	Record       *PaymentRecord
	Intent       *PaymentIntent
	CreateIntent bool
}

// Tx is the view of one settlement inside Transact. Getters return copies;
// changes persist only through the Save/Create methods and only if the
// transaction function returns nil.
type Tx interface {
	audit.Writer

	Settlement() *Settlement
	Collection() (*Collection, error)
	Payout() (*Payout, error)
	PaymentRecord() (*PaymentRecord, error)
	PaymentIntent() (*PaymentIntent, error)

	SaveSettlement(s *Settlement) error
	SaveCollection(c *Collection) error
	// CreatePayout returns ErrPayoutExists if the settlement already has one.
	CreatePayout(p *Payout) error
	SavePayout(p *Payout) error
	SavePaymentRecord(r *PaymentRecord) error
	SavePaymentIntent(i *PaymentIntent) error

	// RecordCallback stores a webhook idempotency key. It returns false if
	// the key was already recorded.
	RecordCallback(callbackID, leg string) (bool, error)
}

// Store persists settlements.
type Store interface {
	audit.Reader

	// Create inserts a new settlement bundle and runs fn in the same
	// transaction.
	Create(ctx context.Context, n *NewSettlement, fn func(tx Tx) error) error
	// Transact runs fn with the settlement's rows locked. Concurrent calls
	// for the same reference are serialized; different references never
	// contend.
	Transact(ctx context.Context, reference string, fn func(tx Tx) error) error

	GetSettlement(ctx context.Context, reference string) (*Settlement, error)
	GetCollection(ctx context.Context, reference string) (*Collection, error)
	GetPayout(ctx context.Context, reference string) (*Payout, error)
	GetPaymentRecord(ctx context.Context, reference string) (*PaymentRecord, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CreatePaymentIntent(ctx context.Context, i *PaymentIntent) error
	// ListActive returns non-terminal settlements, least recently updated first.
	ListActive(ctx context.Context, limit int) ([]*Settlement, error)
	// CountPayouts returns how many payout rows exist for a settlement.
	CountPayouts(ctx context.Context, reference string) (int, error)
}
