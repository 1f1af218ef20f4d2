package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paynest/escrowd/internal/audit"
	"github.com/paynest/escrowd/internal/idgen"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBundle(ref string) *NewSettlement {
	now := time.Now().UTC().Truncate(time.Microsecond)
	amount := decimal.RequireFromString("250.50")
	intentID := idgen.WithPrefix("pi_")
	return &NewSettlement{
		Settlement: &Settlement{
			Reference:        ref,
			Amount:           amount,
			Currency:         "INR",
			PayerReference:   "payer-1",
			RecipientAccount: "merchant@upi",
			Status:           StatusInitiated,
			CollectionStatus: LegPending,
			CollectionTxnID:  "COL-" + ref,
			PaymentIntentID:  intentID,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Collection: &Collection{
			ID:            idgen.WithPrefix("col_"),
			SettlementRef: ref,
			GatewayTxnID:  "COL-" + ref,
			Amount:        amount,
			Fee:           decimal.Zero,
			Status:        CollectionInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Record: &PaymentRecord{
			ID:               idgen.WithPrefix("rec_"),
			SettlementRef:    ref,
			PayerReference:   "payer-1",
			RecipientAccount: "merchant@upi",
			Amount:           amount,
			OverallStatus:    RecordCreated,
			CollectionStatus: LegPending,
			CollectionID:     "COL-" + ref,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Intent: &PaymentIntent{
			ID:               intentID,
			PayerReference:   "payer-1",
			RecipientAccount: "merchant@upi",
			Amount:           amount,
			Status:           IntentCreated,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		CreateIntent: true,
	}
}

func newPayout(ref string) *Payout {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Payout{
		ID:               idgen.WithPrefix("po_"),
		SettlementRef:    ref,
		GatewayTxnID:     "POUT-" + ref,
		Reference:        idgen.PayoutReference(ref),
		Amount:           decimal.RequireFromString("250.50"),
		Fee:              decimal.Zero,
		RecipientAccount: "merchant@upi",
		Status:           PayoutProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		rec := audit.NewRecorder()
		err := s.Create(ctx, newBundle(ref), func(tx Tx) error {
			rec.Append(ctx, tx, ref, audit.ActionCreated, "", string(StatusInitiated), map[string]any{"amount": "250.50"})
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetSettlement(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, StatusInitiated, got.Status)
		assert.True(t, decimal.RequireFromString("250.5").Equal(got.Amount))
		assert.Equal(t, int64(1), got.Version)

		col, err := s.GetCollection(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, CollectionInitiated, col.Status)

		rec2, err := s.GetPaymentRecord(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, RecordCreated, rec2.OverallStatus)

		intent, err := s.GetPaymentIntent(ctx, got.PaymentIntentID)
		require.NoError(t, err)
		assert.Equal(t, ref, intent.SettlementRef)

		_, err = s.GetPayout(ctx, ref)
		assert.ErrorIs(t, err, ErrNotFound)

		entries, err := s.ListAudit(ctx, ref)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionCreated, entries[0].Action)
		assert.Equal(t, "250.50", entries[0].Metadata["amount"])

		hist, err := s.ListHistory(ctx, ref)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, string(StatusInitiated), hist[0].ToStatus)
	})

	t.Run("duplicate reference", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))
		err := s.Create(ctx, newBundle(ref), nil)
		assert.ErrorIs(t, err, ErrSettlementExists)
	})

	t.Run("links existing intent once", func(t *testing.T) {
		s := newStore(t)
		b := newBundle(idgen.SettlementReference())
		intent := b.Intent
		intent.SettlementRef = ""
		require.NoError(t, s.CreatePaymentIntent(ctx, intent))

		b.CreateIntent = false
		require.NoError(t, s.Create(ctx, b, nil))

		other := newBundle(idgen.SettlementReference())
		other.Intent = &PaymentIntent{ID: intent.ID}
		other.Settlement.PaymentIntentID = intent.ID
		other.CreateIntent = false
		err := s.Create(ctx, other, nil)
		assert.ErrorIs(t, err, ErrIntentUnavailable)

		_, err = s.GetSettlement(ctx, other.Settlement.Reference)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("auto-created intent is not linkable", func(t *testing.T) {
		s := newStore(t)
		first := newBundle(idgen.SettlementReference())
		require.NoError(t, s.Create(ctx, first, nil))

		intent, err := s.GetPaymentIntent(ctx, first.Intent.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Settlement.Reference, intent.SettlementRef)

		second := newBundle(idgen.SettlementReference())
		second.Intent = &PaymentIntent{ID: first.Intent.ID}
		second.Settlement.PaymentIntentID = first.Intent.ID
		second.CreateIntent = false
		err = s.Create(ctx, second, nil)
		assert.ErrorIs(t, err, ErrIntentUnavailable)

		_, err = s.GetSettlement(ctx, second.Settlement.Reference)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))

		boom := errors.New("boom")
		err := s.Transact(ctx, ref, func(tx Tx) error {
			st := tx.Settlement()
			st.Status = StatusProcessing
			require.NoError(t, tx.SaveSettlement(st))
			require.NoError(t, tx.CreatePayout(newPayout(ref)))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetSettlement(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, StatusInitiated, got.Status)
		n, err := s.CountPayouts(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("save bumps version", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))

		for i := 0; i < 2; i++ {
			require.NoError(t, s.Transact(ctx, ref, func(tx Tx) error {
				st := tx.Settlement()
				st.CollectionStatus = LegProcessing
				return tx.SaveSettlement(st)
			}))
		}
		got, err := s.GetSettlement(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, LegProcessing, got.CollectionStatus)
	})

	t.Run("second payout rejected", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))

		require.NoError(t, s.Transact(ctx, ref, func(tx Tx) error {
			return tx.CreatePayout(newPayout(ref))
		}))
		err := s.Transact(ctx, ref, func(tx Tx) error {
			return tx.CreatePayout(newPayout(ref))
		})
		assert.ErrorIs(t, err, ErrPayoutExists)

		n, err := s.CountPayouts(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("callbacks recorded once", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		other := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))
		require.NoError(t, s.Create(ctx, newBundle(other), nil))

		var first, second bool
		require.NoError(t, s.Transact(ctx, ref, func(tx Tx) (err error) {
			first, err = tx.RecordCallback("cb-1", "collection")
			return err
		}))
		require.NoError(t, s.Transact(ctx, ref, func(tx Tx) (err error) {
			second, err = tx.RecordCallback("cb-1", "collection")
			return err
		}))
		assert.True(t, first)
		assert.False(t, second)

		err := s.Transact(ctx, other, func(tx Tx) error {
			_, err := tx.RecordCallback("cb-1", "collection")
			return err
		})
		assert.ErrorIs(t, err, ErrCallbackConflict)
	})

	t.Run("transact serializes per reference", func(t *testing.T) {
		s := newStore(t)
		ref := idgen.SettlementReference()
		require.NoError(t, s.Create(ctx, newBundle(ref), nil))

		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Transact(ctx, ref, func(tx Tx) error {
					st := tx.Settlement()
					if st.Status != StatusInitiated {
						return nil
					}
					st.Status = StatusProcessing
					st.PayoutAttempts++
					if err := tx.SaveSettlement(st); err != nil {
						return err
					}
					created.Add(1)
					return tx.CreatePayout(newPayout(ref))
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
		got, err := s.GetSettlement(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, got.PayoutAttempts)
	})

	t.Run("list active", func(t *testing.T) {
		s := newStore(t)
		var refs []string
		for i := 0; i < 3; i++ {
			ref := fmt.Sprintf("ESCLIST%016d", time.Now().UnixNano()+int64(i))
			refs = append(refs, ref)
			require.NoError(t, s.Create(ctx, newBundle(ref), nil))
		}
		require.NoError(t, s.Transact(ctx, refs[1], func(tx Tx) error {
			st := tx.Settlement()
			st.Status = StatusFailed
			return tx.SaveSettlement(st)
		}))

		active, err := s.ListActive(ctx, 100)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, a := range active {
			seen[a.Reference] = true
		}
		assert.True(t, seen[refs[0]])
		assert.False(t, seen[refs[1]])
		assert.True(t, seen[refs[2]])
	})

	t.Run("unknown reference", func(t *testing.T) {
		s := newStore(t)
		err := s.Transact(ctx, "ESCMISSING000000", func(tx Tx) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
