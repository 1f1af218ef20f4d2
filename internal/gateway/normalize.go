package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Vocabulary observed across collection and payout endpoints. Keys are in
// canonical form (lower case, '_' separated, common prefixes removed).
var statusVocabulary = map[string]Status{
	"success":    StatusSuccess,
	"successful": StatusSuccess,
	"succeeded":  StatusSuccess,
	"completed":  StatusSuccess,
	"complete":   StatusSuccess,
	"paid":       StatusSuccess,
	"captured":   StatusSuccess,
	"settled":    StatusSuccess,
	"credited":   StatusSuccess,
	"processed":  StatusSuccess,
	"approved":   StatusSuccess,
	"s":          StatusSuccess,

	"processing":   StatusProcessing,
	"in_progress":  StatusProcessing,
	"inprogress":   StatusProcessing,
	"queued":       StatusProcessing,
	"submitted":    StatusProcessing,
	"sent_to_bank": StatusProcessing,
	"authorized":   StatusProcessing,
	"under_review": StatusProcessing,
	"deemed":       StatusProcessing,

	"failed":    StatusFailed,
	"failure":   StatusFailed,
	"fail":      StatusFailed,
	"f":         StatusFailed,
	"rejected":  StatusFailed,
	"declined":  StatusFailed,
	"expired":   StatusFailed,
	"cancelled": StatusFailed,
	"canceled":  StatusFailed,
	"reversed":  StatusFailed,
	"returned":  StatusFailed,
	"error":     StatusFailed,
	"timed_out": StatusFailed,

	"pending":          StatusPending,
	"created":          StatusPending,
	"initiated":        StatusPending,
	"awaiting_payment": StatusPending,
	"open":             StatusPending,
	"active":           StatusPending,
	"new":              StatusPending,
	"unpaid":           StatusPending,
	"requested":        StatusPending,
	"p":                StatusPending,
}

var statusPrefixes = []string{"txn_", "transaction_", "payment_", "payout_", "collection_", "status_"}

// NormalizeStatus maps one raw gateway status string onto Status.
// Unrecognized values map to StatusPending: an unknown word must never
// advance a leg.
func NormalizeStatus(raw string) Status {
	s, _ := lookupStatus(raw)
	return s
}

// KnownStatus reports whether raw belongs to the recognized vocabulary.
func KnownStatus(raw string) bool {
	_, ok := lookupStatus(raw)
	return ok
}

func lookupStatus(raw string) (Status, bool) {
	key := canonical(raw)
	if s, ok := statusVocabulary[key]; ok {
		return s, true
	}
	for _, p := range statusPrefixes {
		if strings.HasPrefix(key, p) {
			if s, ok := statusVocabulary[strings.TrimPrefix(key, p)]; ok {
				return s, true
			}
		}
	}
	return StatusPending, false
}

func canonical(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// Field aliases. The gateway names the same field differently per endpoint.
var (
	statusKeys    = []string{"status", "txn_status", "transaction_status", "payment_status", "payout_status", "state", "txStatus"}
	idKeys        = []string{"transaction_id", "txn_id", "txnId", "payout_id", "collection_id", "order_id", "id"}
	referenceKeys = []string{"reference_id", "merchant_reference", "client_reference_id", "reference", "ref_id"}
	amountKeys    = []string{"amount", "txn_amount", "transaction_amount"}
	feeKeys       = []string{"fee", "fees", "charges", "commission"}
	utrKeys       = []string{"utr", "bank_reference", "rrn", "bank_ref_no"}
	linkKeys      = []string{"payment_link", "upi_link", "intent_url", "short_url", "link"}
	messageKeys   = []string{"message", "status_message", "failure_reason", "error_description", "msg"}
	timeKeys      = []string{"event_time", "updated_at", "txn_time", "created_at"}
	envelopeKeys  = []string{"data", "result", "payload", "transaction", "payout", "collection", "payment"}
)

// Normalize extracts a Transaction from a decoded gateway response body.
// Fields may sit at the top level or inside nested envelopes such as
// {"data": {"payout": {...}}}; the innermost envelope wins.
func Normalize(body map[string]any) *Transaction {
	layers := envelopes(body, 0)

	tx := &Transaction{
		ID:          firstString(layers, idKeys),
		Reference:   firstString(layers, referenceKeys),
		RawStatus:   firstString(layers, statusKeys),
		UTR:         firstString(layers, utrKeys),
		PaymentLink: firstString(layers, linkKeys),
		Message:     firstString(layers, messageKeys),
		Amount:      firstDecimal(layers, amountKeys),
		Fee:         firstDecimal(layers, feeKeys),
	}
	tx.Status = NormalizeStatus(tx.RawStatus)
	if ts := firstString(layers, timeKeys); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			tx.EventTime = &t
		}
	}
	return tx
}

// envelopes returns nested maps innermost first, ending with body itself.
func envelopes(body map[string]any, depth int) []map[string]any {
	if body == nil {
		return nil
	}
	var out []map[string]any
	if depth < 3 {
		for _, k := range envelopeKeys {
			if inner, ok := body[k].(map[string]any); ok {
				out = append(out, envelopes(inner, depth+1)...)
			}
		}
	}
	return append(out, body)
}

func firstString(layers []map[string]any, keys []string) string {
	for _, m := range layers {
		for _, k := range keys {
			if s := stringValue(m[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstDecimal(layers []map[string]any, keys []string) decimal.Decimal {
	for _, m := range layers {
		for _, k := range keys {
			s := stringValue(m[k])
			if s == "" {
				continue
			}
			if d, err := decimal.NewFromString(s); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64:
		return fmt.Sprint(t)
	case bool:
		return ""
	default:
		return ""
	}
}
