//go:build integration

package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCompleted(t *testing.T, ls *ledger.PostgresStore) string {
	t.Helper()
	ctx := context.Background()
	ref := idgen.SettlementReference()
	now := time.Now().UTC().Truncate(time.Microsecond)
	amount := decimal.RequireFromString("1000")

	require.NoError(t, ls.Create(ctx, &ledger.NewSettlement{
		Settlement: &ledger.Settlement{
			Reference: ref, Amount: amount, Currency: "INR",
			PayerReference: "payer-7", RecipientAccount: "merchant@upi",
			Status: ledger.StatusInitiated, CollectionStatus: ledger.LegPending,
			CreatedAt: now, UpdatedAt: now,
		},
		Collection: &ledger.Collection{
			ID: idgen.WithPrefix("col_"), SettlementRef: ref, GatewayTxnID: "COL1",
			Amount: amount, Fee: decimal.RequireFromString("5.90"),
			Status: ledger.CollectionCompleted, CreatedAt: now, UpdatedAt: now,
		},
	}, nil))
	require.NoError(t, ls.Transact(ctx, ref, func(tx ledger.Tx) error {
		if err := tx.CreatePayout(&ledger.Payout{
			ID: idgen.WithPrefix("po_"), SettlementRef: ref, GatewayTxnID: "POUT1",
			Reference: idgen.PayoutReference(ref), Amount: amount,
			Fee: decimal.RequireFromString("2.36"), RecipientAccount: "merchant@upi",
			Status: ledger.PayoutCompleted, CompletedAt: &now, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		st := tx.Settlement()
		st.Status = ledger.StatusCompleted
		return tx.SaveSettlement(st)
	}))
	return ref
}

func TestPostgresStore_GenerateOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ls := ledger.NewPostgresStore(db)
	ref := seedCompleted(t, ls)
	svc := NewService(NewPostgresStore(db), ls, NewSigner(testSecret))
	ctx := context.Background()

	first, err := svc.Generate(ctx, ref)
	require.NoError(t, err)
	second, err := svc.Generate(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptNumber, second.ReceiptNumber)
	assert.Equal(t, "991.74", second.NetAmount.StringFixed(2))

	dup := *first
	dup.ID = idgen.WithPrefix("rcpt_")
	dup.ReceiptNumber = idgen.ReceiptNumber(time.Now())
	assert.ErrorIs(t, NewPostgresStore(db).Create(ctx, &dup), ErrReceiptExists)

	other := seedCompleted(t, ls)
	clash := *first
	clash.ID = idgen.WithPrefix("rcpt_")
	clash.SettlementRef = other
	assert.ErrorIs(t, NewPostgresStore(db).Create(ctx, &clash), ErrNumberTaken)

	resp, err := svc.Verify(ctx, first.ReceiptNumber)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}
