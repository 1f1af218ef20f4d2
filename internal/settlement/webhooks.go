package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/paynest/escrowd/internal/gateway"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/shopspring/decimal"
)

// Leg names used by webhooks and callback records.
const (
	LegCollection = "collection"
	LegPayout     = "payout"
)

// WebhookEvent is a push notification for one leg.
type WebhookEvent struct {
	ReferenceID           string           `json:"reference_id" binding:"required"`
	TransactionID         string           `json:"transaction_id" binding:"required"`
	Status                string           `json:"status" binding:"required"`
	UTR                   string           `json:"utr"`
	Amount                *decimal.Decimal `json:"amount"`
	EventTime             string           `json:"event_time"`
	CallbackTransactionID string           `json:"callback_transaction_id" binding:"required"`
}

func (e *WebhookEvent) transaction() *gateway.Transaction {
	t := &gateway.Transaction{
		ID:        e.TransactionID,
		Reference: e.ReferenceID,
		Status:    gateway.NormalizeStatus(e.Status),
		RawStatus: e.Status,
		UTR:       e.UTR,
	}
	if e.Amount != nil {
		t.Amount = *e.Amount
	}
	if e.EventTime != "" {
		if ts, err := time.Parse(time.RFC3339, e.EventTime); err == nil {
			t.EventTime = &ts
		}
	}
	return t
}

// VerifySignature checks an X-Webhook-Signature header: hex HMAC-SHA256 of
// the raw body, optionally prefixed with "sha256=".
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// HandleWebhook applies a pushed leg status. The callback id is recorded in
// the same transaction as the transition it causes, so a redelivered
// callback is a no-op that returns the current view. A first delivery is
// followed by a Reconcile so the settlement keeps moving (payout trigger,
// completion).
func (s *Service) HandleWebhook(ctx context.Context, leg string, evt WebhookEvent) (*View, error) {
	txn := evt.transaction()
	replay := false
	deferred := false

	_, err := s.transact(ctx, evt.ReferenceID, func(tx ledger.Tx, st *ledger.Settlement) error {
		switch leg {
		case LegCollection:
			if st.CollectionTxnID != evt.TransactionID {
				return ErrWebhookMismatch
			}
		case LegPayout:
			if st.PayoutTxnID == "" {
				// Payout not attached yet; leave the callback unrecorded so
				// a redelivery can still apply it.
				deferred = true
				return nil
			}
			if st.PayoutTxnID != evt.TransactionID {
				return ErrWebhookMismatch
			}
		default:
			return ErrWebhookMismatch
		}

		first, err := tx.RecordCallback(evt.CallbackTransactionID, leg)
		if err != nil {
			return err
		}
		if !first {
			replay = true
			return nil
		}
		if leg == LegCollection {
			return s.applyCollectionTx(ctx, tx, st, txn)
		}
		return s.applyPayoutTx(ctx, tx, st, txn)
	})
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ledger.ErrCallbackConflict):
		return nil, ErrWebhookMismatch
	case err != nil:
		return nil, err
	}

	webhooksReceived.WithLabelValues(leg, webhookOutcome(replay, deferred)).Inc()
	if replay {
		logging.L(ctx).Info("webhook replay ignored",
			"reference_id", evt.ReferenceID, "callback_id", evt.CallbackTransactionID, "leg", leg)
		return s.Get(ctx, evt.ReferenceID)
	}

	view, err := s.Reconcile(ctx, evt.ReferenceID)
	if err != nil && view != nil && errors.Is(err, ErrGatewayUnavailable) {
		return view, nil
	}
	return view, err
}

func webhookOutcome(replay, deferred bool) string {
	switch {
	case replay:
		return "replay"
	case deferred:
		return "deferred"
	}
	return "applied"
}
