package receipts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists receipt data in PostgreSQL. The unique index on
// settlement_receipts.settlement_ref arbitrates concurrent issuers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, receipt_number, settlement_ref, payer_reference, recipient_account,
		       currency, collection_amount, collection_fee, payout_amount, payout_fee, net_amount,
		       collection_txn_id, payout_txn_id, collection_utr, payout_utr, note,
		       signature, settled_at, issued_at`

// receiptNumberKey is the implicit name of the UNIQUE(receipt_number) index.
const receiptNumberKey = "settlement_receipts_receipt_number_key"

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.ReceiptNumber, r.SettlementRef, r.PayerReference, r.RecipientAccount,
		r.Currency, r.CollectionAmount, r.CollectionFee, r.PayoutAmount, r.PayoutFee, r.NetAmount,
		nullString(r.CollectionTxnID), nullString(r.PayoutTxnID),
		nullString(r.CollectionUTR), nullString(r.PayoutUTR), nullString(r.Note),
		r.Signature, r.SettledAt, r.IssuedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == receiptNumberKey {
			return ErrNumberTaken
		}
		return ErrReceiptExists
	}
	return err
}

func (p *PostgresStore) GetBySettlement(ctx context.Context, settlementRef string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM settlement_receipts WHERE settlement_ref = $1`, settlementRef)
	return scanOne(row)
}

func (p *PostgresStore) GetByNumber(ctx context.Context, number string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM settlement_receipts WHERE receipt_number = $1`, number)
	return scanOne(row)
}

func scanOne(row *sql.Row) (*Receipt, error) {
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

// --- scanners ---

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var colTxn, payTxn, colUTR, payUTR, note sql.NullString

	err := sc.Scan(
		&r.ID, &r.ReceiptNumber, &r.SettlementRef, &r.PayerReference, &r.RecipientAccount,
		&r.Currency, &r.CollectionAmount, &r.CollectionFee, &r.PayoutAmount, &r.PayoutFee, &r.NetAmount,
		&colTxn, &payTxn, &colUTR, &payUTR, &note,
		&r.Signature, &r.SettledAt, &r.IssuedAt,
	)
	if err != nil {
		return nil, err
	}

	r.CollectionTxnID = colTxn.String
	r.PayoutTxnID = payTxn.String
	r.CollectionUTR = colUTR.String
	r.PayoutUTR = payUTR.String
	r.Note = note.String
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
