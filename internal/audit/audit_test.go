package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paynest/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceWriter struct {
	entries    []*Entry
	history    []*HistoryEntry
	auditErr   error
	historyErr error
}

func (w *sliceWriter) WriteAudit(_ context.Context, e *Entry) error {
	if w.auditErr != nil {
		return w.auditErr
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *sliceWriter) WriteHistory(_ context.Context, h *HistoryEntry) error {
	if w.historyErr != nil {
		return w.historyErr
	}
	w.history = append(w.history, h)
	return nil
}

func TestRecorder_AppendWritesPair(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := &Recorder{now: func() time.Time { return fixed }}
	w := &sliceWriter{}

	ctx := WithActor(context.Background(), "webhook", "cb_123")
	ctx = WithIP(ctx, "10.0.0.1")
	ctx = logging.WithRequestID(ctx, "req-1")

	r.Append(ctx, w, "ESC1", ActionCollectionSuccess, "pending", "success", map[string]any{"utr": "123"})

	require.Len(t, w.entries, 1)
	require.Len(t, w.history, 1)

	e := w.entries[0]
	assert.Equal(t, "ESC1", e.SettlementRef)
	assert.Equal(t, ActionCollectionSuccess, e.Action)
	assert.Equal(t, "pending", e.FromStatus)
	assert.Equal(t, "success", e.ToStatus)
	assert.Equal(t, "webhook", e.ActorType)
	assert.Equal(t, "cb_123", e.ActorID)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, fixed, e.CreatedAt)
	assert.Equal(t, "123", e.Metadata["utr"])

	h := w.history[0]
	assert.Equal(t, "success", h.ToStatus)
	assert.Equal(t, ActionCollectionSuccess, h.Reason)
	assert.NotEqual(t, e.ID, h.ID)
}

func TestRecorder_DefaultActorIsSystem(t *testing.T) {
	w := &sliceWriter{}
	NewRecorder().Append(context.Background(), w, "ESC1", ActionCreated, "", "INITIATED", nil)
	require.Len(t, w.entries, 1)
	assert.Equal(t, "system", w.entries[0].ActorType)
}

func TestRecorder_FailuresAreSwallowed(t *testing.T) {
	w := &sliceWriter{auditErr: errors.New("disk full")}

	assert.NotPanics(t, func() {
		NewRecorder().Append(context.Background(), w, "ESC1", ActionCompleted, "PROCESSING", "COMPLETED", nil)
	})
	assert.Empty(t, w.entries)
	assert.Len(t, w.history, 1, "history still attempted when audit fails")
}
