// Package receipts composes the immutable settlement receipt.
//
// A receipt is issued once, when a settlement first reaches COMPLETED. It
// summarizes both legs (amounts, fees, gateway ids, UTRs) and the net amount
// that reached the recipient. When a signing secret is configured the
// receipt carries an HMAC-SHA256 signature that anyone holding the secret can
// re-check through Verify.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrReceiptExists   = errors.New("receipts: receipt already issued for settlement")
	ErrNumberTaken     = errors.New("receipts: receipt number already in use")
	ErrNotCompleted    = errors.New("receipts: settlement is not completed")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Receipt is the settlement summary issued on terminal success.
type Receipt struct {
	ID               string          `json:"id"`
	ReceiptNumber    string          `json:"receiptNumber"`
	SettlementRef    string          `json:"settlementRef"`
	PayerReference   string          `json:"payerReference"`
	RecipientAccount string          `json:"recipientAccount"`
	Currency         string          `json:"currency"`
	CollectionAmount decimal.Decimal `json:"collectionAmount"`
	CollectionFee    decimal.Decimal `json:"collectionFee"`
	PayoutAmount     decimal.Decimal `json:"payoutAmount"`
	PayoutFee        decimal.Decimal `json:"payoutFee"`
	NetAmount        decimal.Decimal `json:"netAmount"`
	CollectionTxnID  string          `json:"collectionTxnId,omitempty"`
	PayoutTxnID      string          `json:"payoutTxnId,omitempty"`
	CollectionUTR    string          `json:"collectionUtr,omitempty"`
	PayoutUTR        string          `json:"payoutUtr,omitempty"`
	Note             string          `json:"note,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	SettledAt        time.Time       `json:"settledAt"`
	IssuedAt         time.Time       `json:"issuedAt"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	ReceiptNumber string `json:"receiptNumber"`
	Error         string `json:"error,omitempty"`
}

// Store persists receipts. Create must return ErrReceiptExists when a
// receipt for the same settlement is already stored; that constraint is what
// keeps concurrent Generate calls from issuing two receipts. A clash on the
// receipt number alone is ErrNumberTaken.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	GetBySettlement(ctx context.Context, settlementRef string) (*Receipt, error)
	GetByNumber(ctx context.Context, number string) (*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	CollectionAmount string `json:"collectionAmount"`
	CollectionFee    string `json:"collectionFee"`
	NetAmount        string `json:"netAmount"`
	PayoutAmount     string `json:"payoutAmount"`
	PayoutFee        string `json:"payoutFee"`
	PayoutTxnID      string `json:"payoutTxnId"`
	ReceiptNumber    string `json:"receiptNumber"`
	Recipient        string `json:"recipient"`
	SettledAt        string `json:"settledAt"`
	SettlementRef    string `json:"settlementRef"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		CollectionAmount: r.CollectionAmount.StringFixed(2),
		CollectionFee:    r.CollectionFee.StringFixed(2),
		NetAmount:        r.NetAmount.StringFixed(2),
		PayoutAmount:     r.PayoutAmount.StringFixed(2),
		PayoutFee:        r.PayoutFee.StringFixed(2),
		PayoutTxnID:      r.PayoutTxnID,
		ReceiptNumber:    r.ReceiptNumber,
		Recipient:        r.RecipientAccount,
		SettledAt:        r.SettledAt.UTC().Format(time.RFC3339),
		SettlementRef:    r.SettlementRef,
	}
}
