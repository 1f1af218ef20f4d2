// Package audit records the append-only trail of settlement state transitions.
//
// Every transition produces one Entry (who/what/why, with metadata) and one
// HistoryEntry (the compact from → to status row). Writes are best-effort:
// a failure is logged and counted but never fails the transition.
package audit

import (
	"context"
	"time"

	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
)

// Actions recorded against a settlement.
const (
	ActionCreated            = "CREATED"
	ActionCollectionProgress = "COLLECTION_PROCESSING"
	ActionCollectionSuccess  = "COLLECTION_SUCCESS"
	ActionCollectionFailed   = "COLLECTION_FAILED"
	ActionPayoutClaimed      = "PAYOUT_CLAIMED"
	ActionPayoutReclaimed    = "PAYOUT_RECLAIMED"
	ActionPayoutInitiated    = "PAYOUT_INITIATED"
	ActionPayoutSuccess      = "PAYOUT_SUCCESS"
	ActionPayoutFailed       = "PAYOUT_FAILED"
	ActionCompleted          = "COMPLETED"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	return
}

// Entry is one audit log record.
type Entry struct {
	ID            string         `json:"id"`
	SettlementRef string         `json:"settlementRef"`
	Action        string         `json:"action"`
	FromStatus    string         `json:"fromStatus,omitempty"`
	ToStatus      string         `json:"toStatus,omitempty"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// HistoryEntry is one status history record.
type HistoryEntry struct {
	ID            string    `json:"id"`
	SettlementRef string    `json:"settlementRef"`
	FromStatus    string    `json:"fromStatus,omitempty"`
	ToStatus      string    `json:"toStatus"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Writer persists audit rows, usually inside the transaction that performs
// the transition.
type Writer interface {
	WriteAudit(ctx context.Context, e *Entry) error
	WriteHistory(ctx context.Context, h *HistoryEntry) error
}

// Reader lists a settlement's trail in chronological order.
type Reader interface {
	ListAudit(ctx context.Context, settlementRef string) ([]*Entry, error)
	ListHistory(ctx context.Context, settlementRef string) ([]*HistoryEntry, error)
}

var writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "audit",
	Name:      "write_failures_total",
	Help:      "Audit and status-history writes that failed and were dropped.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(writeFailures)
}

// Recorder builds and appends audit/history pairs.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Append writes one audit entry and one history entry through w.
// Errors are logged and swallowed.
func (r *Recorder) Append(ctx context.Context, w Writer, settlementRef, action, from, to string, metadata map[string]any) {
	actorType, actorID, ip := actorFromCtx(ctx)
	now := r.now().UTC()

	entry := &Entry{
		ID:            idgen.WithPrefix("aud_"),
		SettlementRef: settlementRef,
		Action:        action,
		FromStatus:    from,
		ToStatus:      to,
		ActorType:     actorType,
		ActorID:       actorID,
		IPAddress:     ip,
		RequestID:     logging.RequestID(ctx),
		Metadata:      metadata,
		CreatedAt:     now,
	}
	if err := w.WriteAudit(ctx, entry); err != nil {
		writeFailures.WithLabelValues("audit").Inc()
		logging.L(ctx).Error("audit write failed",
			"settlement_ref", settlementRef, "action", action, "error", err)
	}

	hist := &HistoryEntry{
		ID:            idgen.WithPrefix("hist_"),
		SettlementRef: settlementRef,
		FromStatus:    from,
		ToStatus:      to,
		Reason:        action,
		CreatedAt:     now,
	}
	if err := w.WriteHistory(ctx, hist); err != nil {
		writeFailures.WithLabelValues("history").Inc()
		logging.L(ctx).Error("status history write failed",
			"settlement_ref", settlementRef, "action", action, "error", err)
	}
}
