// Package idgen generates identifiers for settlements, legs and receipts.
package idgen

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 lowercase hex characters
// (e.g. "aud_", "hist_", "cb_").
func WithPrefix(prefix string) string {
	return prefix + compact(uuid.New())
}

// SettlementReference returns an externally visible settlement reference.
// It is alphanumeric so every gateway accepts it as a merchant reference.
func SettlementReference() string {
	return "ESC" + strings.ToUpper(compact(uuid.New())[:20])
}

// PayoutReference derives the payout leg reference from the settlement
// reference. Retries after a crash must reuse it so the gateway can
// deduplicate the request.
func PayoutReference(settlementRef string) string {
	return settlementRef + "PO"
}

// ReceiptNumber returns a human-readable receipt number for an issue time.
func ReceiptNumber(issuedAt time.Time) string {
	return "RCPT-" + issuedAt.UTC().Format("20060102") + "-" + strings.ToUpper(compact(uuid.New())[:10])
}

func compact(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
