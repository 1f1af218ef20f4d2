// Package gateway is the adapter between the settlement engine and the
// external payment gateway. It owns request/response shapes and the
// translation of the gateway's status vocabulary; it holds no business rules.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers network failures, 5xx/429 responses and an open
	// circuit. Callers retry by polling again.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrDuplicateReference means the gateway already holds a request with
	// this merchant reference.
	ErrDuplicateReference = errors.New("gateway: duplicate reference")
	// ErrRejected means the gateway refused the request outright (4xx).
	ErrRejected = errors.New("gateway: request rejected")
	// ErrNotFound means the gateway has no transaction for the identifier.
	ErrNotFound = errors.New("gateway: transaction not found")
)

// Status is the closed set of leg states every gateway response maps onto.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the gateway will not move the leg again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CollectionRequest opens the inbound leg into the holding account.
type CollectionRequest struct {
	Reference      string
	PayeeAccount   string // holding account VPA
	PayerReference string
	Amount         decimal.Decimal
	Purpose        string
	ExpiryMinutes  int
}

// PayoutRequest opens the outbound leg to the recipient.
type PayoutRequest struct {
	Reference    string
	PayeeAccount string
	Amount       decimal.Decimal
	Purpose      string
}

// Transaction is the normalized view of one gateway transaction.
type Transaction struct {
	ID          string
	Reference   string
	Status      Status
	RawStatus   string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	UTR         string
	PaymentLink string
	Message     string
	EventTime   *time.Time
}

// Client is the gateway boundary used by the settlement engine.
// Create calls carry side effects; status calls are safe to repeat.
type Client interface {
	CreateCollection(ctx context.Context, req CollectionRequest) (*Transaction, error)
	CollectionStatus(ctx context.Context, transactionID string) (*Transaction, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Transaction, error)
	PayoutStatus(ctx context.Context, transactionID string) (*Transaction, error)
	// LookupPayout finds a payout by the merchant reference it was created with.
	LookupPayout(ctx context.Context, reference string) (*Transaction, error)
}
