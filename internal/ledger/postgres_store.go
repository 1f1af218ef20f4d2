package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/paynest/escrowd/internal/audit"
)

// PostgresStore persists settlements in PostgreSQL. Transact locks the
// settlement row with SELECT ... FOR UPDATE so concurrent reconciles of the
// same reference queue behind each other across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, n *NewSettlement, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	s := cloneSettlement(n.Settlement)
	s.Version = 1
	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (reference) DO NOTHING`,
		settlementArgs(s)...,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSettlementExists
	}

	var intent *PaymentIntent
	if n.Intent != nil {
		if n.CreateIntent {
			intent = cloneIntent(n.Intent)
			intent.SettlementRef = s.Reference
			if err := insertIntent(ctx, sqlTx, intent); err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code == "23505" {
					return ErrIntentUnavailable
				}
				return fmt.Errorf("insert payment intent: %w", err)
			}
		} else {
			res, err := sqlTx.ExecContext(ctx, `
				UPDATE payment_intents SET settlement_ref = $1, updated_at = $2
				WHERE id = $3 AND status = 'CREATED' AND settlement_ref IS NULL`,
				s.Reference, s.CreatedAt, n.Intent.ID,
			)
			if err != nil {
				return fmt.Errorf("link payment intent: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return ErrIntentUnavailable
			}
			intent, err = getIntent(ctx, sqlTx, n.Intent.ID)
			if err != nil {
				return err
			}
		}
	}

	if n.Collection != nil {
		if err := insertCollection(ctx, sqlTx, n.Collection); err != nil {
			return fmt.Errorf("insert collection: %w", err)
		}
	}
	if n.Record != nil {
		if err := insertRecord(ctx, sqlTx, n.Record); err != nil {
			return fmt.Errorf("insert payment record: %w", err)
		}
	}

	tx := &pgTx{ctx: ctx, tx: sqlTx, settlement: s}
	tx.intent = intent
	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (p *PostgresStore) Transact(ctx context.Context, reference string, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	row := sqlTx.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE reference = $1 FOR UPDATE`, reference)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock settlement: %w", err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: sqlTx, settlement: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (p *PostgresStore) GetSettlement(ctx context.Context, reference string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE reference = $1`, reference)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) GetCollection(ctx context.Context, reference string) (*Collection, error) {
	return getCollection(ctx, p.db, reference)
}

func (p *PostgresStore) GetPayout(ctx context.Context, reference string) (*Payout, error) {
	return getPayout(ctx, p.db, reference)
}

func (p *PostgresStore) GetPaymentRecord(ctx context.Context, reference string) (*PaymentRecord, error) {
	return getRecord(ctx, p.db, reference)
}

func (p *PostgresStore) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	return getIntent(ctx, p.db, id)
}

func (p *PostgresStore) CreatePaymentIntent(ctx context.Context, i *PaymentIntent) error {
	err := insertIntent(ctx, p.db, i)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrIntentUnavailable
	}
	return err
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status IN ('INITIATED', 'PROCESSING')
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountPayouts(ctx context.Context, reference string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payouts WHERE settlement_ref = $1`, reference).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListAudit(ctx context.Context, settlementRef string) ([]*audit.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, settlement_ref, action, from_status, to_status, actor_type,
		       actor_id, ip_address, request_id, metadata, created_at
		FROM settlement_audit_log
		WHERE settlement_ref = $1
		ORDER BY created_at ASC, id ASC`, settlementRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.Entry
	for rows.Next() {
		e := &audit.Entry{}
		var from, to, actorID, ip, reqID sql.NullString
		var meta []byte
		if err := rows.Scan(&e.ID, &e.SettlementRef, &e.Action, &from, &to, &e.ActorType,
			&actorID, &ip, &reqID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus = from.String, to.String
		e.ActorID, e.IPAddress, e.RequestID = actorID.String, ip.String, reqID.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListHistory(ctx context.Context, settlementRef string) ([]*audit.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, settlement_ref, from_status, to_status, reason, created_at
		FROM settlement_status_history
		WHERE settlement_ref = $1
		ORDER BY created_at ASC, id ASC`, settlementRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.HistoryEntry
	for rows.Next() {
		h := &audit.HistoryEntry{}
		var from sql.NullString
		if err := rows.Scan(&h.ID, &h.SettlementRef, &from, &h.ToStatus, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = from.String
		out = append(out, h)
	}
	return out, rows.Err()
}

// pgTx runs inside a transaction that holds the settlement row lock.
type pgTx struct {
	ctx        context.Context
	tx         *sql.Tx
	settlement *Settlement
	intent     *PaymentIntent
}

func (t *pgTx) Settlement() *Settlement { return cloneSettlement(t.settlement) }

func (t *pgTx) Collection() (*Collection, error) {
	return getCollection(t.ctx, t.tx, t.settlement.Reference)
}

func (t *pgTx) Payout() (*Payout, error) {
	return getPayout(t.ctx, t.tx, t.settlement.Reference)
}

func (t *pgTx) PaymentRecord() (*PaymentRecord, error) {
	return getRecord(t.ctx, t.tx, t.settlement.Reference)
}

func (t *pgTx) PaymentIntent() (*PaymentIntent, error) {
	if t.intent != nil {
		return cloneIntent(t.intent), nil
	}
	if t.settlement.PaymentIntentID == "" {
		return nil, ErrNotFound
	}
	return getIntent(t.ctx, t.tx, t.settlement.PaymentIntentID)
}

func (t *pgTx) SaveSettlement(s *Settlement) error {
	if s.Reference != t.settlement.Reference {
		return ErrNotFound
	}
	var version int64
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE settlements SET
			status = $1, collection_status = $2, payout_status = $3,
			collection_txn_id = $4, payout_txn_id = $5, payout_reference = $6,
			payment_link = $7, payout_claimed_at = $8, payout_attempts = $9,
			failure_reason = $10, updated_at = $11, version = version + 1
		WHERE reference = $12
		RETURNING version`,
		string(s.Status), string(s.CollectionStatus), string(s.PayoutStatus),
		nullString(s.CollectionTxnID), nullString(s.PayoutTxnID), nullString(s.PayoutReference),
		nullString(s.PaymentLink), nullTime(s.PayoutClaimedAt), s.PayoutAttempts,
		nullString(s.FailureReason), s.UpdatedAt, s.Reference,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	t.settlement = cloneSettlement(s)
	t.settlement.Version = version
	return nil
}

func (t *pgTx) SaveCollection(c *Collection) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE collections SET
			gateway_txn_id = $1, fee = $2, status = $3, utr = $4,
			completed_at = $5, updated_at = $6
		WHERE settlement_ref = $7`,
		c.GatewayTxnID, c.Fee, string(c.Status), nullString(c.UTR),
		nullTime(c.CompletedAt), c.UpdatedAt, c.SettlementRef,
	)
	return expectOne(res, err)
}

func (t *pgTx) CreatePayout(p *Payout) error {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO payouts (
			id, settlement_ref, gateway_txn_id, reference, amount, fee,
			recipient_account, status, retry_count, utr, failure_reason,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (settlement_ref) DO NOTHING`,
		p.ID, p.SettlementRef, p.GatewayTxnID, p.Reference, p.Amount, p.Fee,
		p.RecipientAccount, string(p.Status), p.RetryCount, nullString(p.UTR),
		nullString(p.FailureReason), nullTime(p.CompletedAt), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPayoutExists
	}
	return nil
}

func (t *pgTx) SavePayout(p *Payout) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE payouts SET
			gateway_txn_id = $1, fee = $2, status = $3, retry_count = $4,
			utr = $5, failure_reason = $6, completed_at = $7, updated_at = $8
		WHERE settlement_ref = $9`,
		p.GatewayTxnID, p.Fee, string(p.Status), p.RetryCount,
		nullString(p.UTR), nullString(p.FailureReason), nullTime(p.CompletedAt),
		p.UpdatedAt, p.SettlementRef,
	)
	return expectOne(res, err)
}

func (t *pgTx) SavePaymentRecord(r *PaymentRecord) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE payment_records SET
			overall_status = $1, collection_status = $2, payout_status = $3,
			collection_id = $4, payout_id = $5, collection_completed_at = $6,
			payout_completed_at = $7, updated_at = $8
		WHERE settlement_ref = $9`,
		string(r.OverallStatus), string(r.CollectionStatus), string(r.PayoutStatus),
		nullString(r.CollectionID), nullString(r.PayoutID), nullTime(r.CollectionCompletedAt),
		nullTime(r.PayoutCompletedAt), r.UpdatedAt, r.SettlementRef,
	)
	return expectOne(res, err)
}

func (t *pgTx) SavePaymentIntent(i *PaymentIntent) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE payment_intents SET status = $1, completed_at = $2, updated_at = $3
		WHERE id = $4`,
		string(i.Status), nullTime(i.CompletedAt), i.UpdatedAt, i.ID,
	)
	if err := expectOne(res, err); err != nil {
		return err
	}
	t.intent = cloneIntent(i)
	return nil
}

func (t *pgTx) RecordCallback(callbackID, leg string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO webhook_callbacks (callback_id, settlement_ref, leg, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (callback_id) DO NOTHING`,
		callbackID, t.settlement.Reference, leg,
	)
	if err != nil {
		return false, fmt.Errorf("record callback: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return true, nil
	}
	var owner string
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT settlement_ref FROM webhook_callbacks WHERE callback_id = $1`, callbackID).Scan(&owner)
	if err != nil {
		return false, fmt.Errorf("read callback: %w", err)
	}
	if owner != t.settlement.Reference {
		return false, ErrCallbackConflict
	}
	return false, nil
}

// WriteAudit inserts inside a savepoint so a failed audit row cannot abort
// the surrounding transition.
func (t *pgTx) WriteAudit(ctx context.Context, e *audit.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil || e.Metadata == nil {
		meta = []byte("{}")
	}
	return t.savepoint(ctx, `
		INSERT INTO settlement_audit_log (
			id, settlement_ref, action, from_status, to_status, actor_type,
			actor_id, ip_address, request_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SettlementRef, e.Action, nullString(e.FromStatus), nullString(e.ToStatus),
		e.ActorType, nullString(e.ActorID), nullString(e.IPAddress), nullString(e.RequestID),
		meta, e.CreatedAt,
	)
}

func (t *pgTx) WriteHistory(ctx context.Context, h *audit.HistoryEntry) error {
	return t.savepoint(ctx, `
		INSERT INTO settlement_status_history (id, settlement_ref, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.SettlementRef, nullString(h.FromStatus), h.ToStatus, h.Reason, h.CreatedAt,
	)
}

func (t *pgTx) savepoint(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT audit_write`); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		_, _ = t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_write`)
		return err
	}
	_, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_write`)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const settlementColumns = `reference, amount, currency, payer_reference, recipient_account, note,
		status, collection_status, payout_status, collection_txn_id, payout_txn_id,
		payout_reference, payment_intent_id, payment_link, payout_claimed_at,
		payout_attempts, failure_reason, version, created_at, updated_at`

func settlementArgs(s *Settlement) []any {
	return []any{
		s.Reference, s.Amount, s.Currency, s.PayerReference, s.RecipientAccount, nullString(s.Note),
		string(s.Status), string(s.CollectionStatus), string(s.PayoutStatus),
		nullString(s.CollectionTxnID), nullString(s.PayoutTxnID),
		nullString(s.PayoutReference), nullString(s.PaymentIntentID), nullString(s.PaymentLink),
		nullTime(s.PayoutClaimedAt), s.PayoutAttempts, nullString(s.FailureReason),
		s.Version, s.CreatedAt, s.UpdatedAt,
	}
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	var (
		note, colTxn, payTxn, payRef sql.NullString
		intentID, link, failure      sql.NullString
		status, colStatus, payStatus string
		claimedAt                    sql.NullTime
	)
	err := sc.Scan(
		&s.Reference, &s.Amount, &s.Currency, &s.PayerReference, &s.RecipientAccount, &note,
		&status, &colStatus, &payStatus, &colTxn, &payTxn,
		&payRef, &intentID, &link, &claimedAt,
		&s.PayoutAttempts, &failure, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.CollectionStatus = LegStatus(colStatus)
	s.PayoutStatus = LegStatus(payStatus)
	s.Note = note.String
	s.CollectionTxnID = colTxn.String
	s.PayoutTxnID = payTxn.String
	s.PayoutReference = payRef.String
	s.PaymentIntentID = intentID.String
	s.PaymentLink = link.String
	s.FailureReason = failure.String
	s.PayoutClaimedAt = timePtr(claimedAt)
	return s, nil
}

func insertCollection(ctx context.Context, q queryer, c *Collection) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO collections (
			id, settlement_ref, gateway_txn_id, amount, fee, status, utr,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.SettlementRef, c.GatewayTxnID, c.Amount, c.Fee, string(c.Status),
		nullString(c.UTR), nullTime(c.CompletedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func getCollection(ctx context.Context, q queryer, ref string) (*Collection, error) {
	c := &Collection{}
	var status string
	var utr sql.NullString
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, settlement_ref, gateway_txn_id, amount, fee, status, utr,
		       completed_at, created_at, updated_at
		FROM collections WHERE settlement_ref = $1`, ref,
	).Scan(&c.ID, &c.SettlementRef, &c.GatewayTxnID, &c.Amount, &c.Fee, &status, &utr,
		&completedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = CollectionStatus(status)
	c.UTR = utr.String
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func getPayout(ctx context.Context, q queryer, ref string) (*Payout, error) {
	p := &Payout{}
	var status string
	var utr, failure sql.NullString
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, settlement_ref, gateway_txn_id, reference, amount, fee,
		       recipient_account, status, retry_count, utr, failure_reason,
		       completed_at, created_at, updated_at
		FROM payouts WHERE settlement_ref = $1`, ref,
	).Scan(&p.ID, &p.SettlementRef, &p.GatewayTxnID, &p.Reference, &p.Amount, &p.Fee,
		&p.RecipientAccount, &status, &p.RetryCount, &utr, &failure,
		&completedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = PayoutStatus(status)
	p.UTR = utr.String
	p.FailureReason = failure.String
	p.CompletedAt = timePtr(completedAt)
	return p, nil
}

func insertRecord(ctx context.Context, q queryer, r *PaymentRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_records (
			id, settlement_ref, payer_reference, recipient_account, amount,
			overall_status, collection_status, payout_status, collection_id, payout_id,
			collection_completed_at, payout_completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.SettlementRef, r.PayerReference, r.RecipientAccount, r.Amount,
		string(r.OverallStatus), string(r.CollectionStatus), string(r.PayoutStatus),
		nullString(r.CollectionID), nullString(r.PayoutID),
		nullTime(r.CollectionCompletedAt), nullTime(r.PayoutCompletedAt), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func getRecord(ctx context.Context, q queryer, ref string) (*PaymentRecord, error) {
	r := &PaymentRecord{}
	var overall, colStatus, payStatus string
	var colID, payID sql.NullString
	var colAt, payAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, settlement_ref, payer_reference, recipient_account, amount,
		       overall_status, collection_status, payout_status, collection_id, payout_id,
		       collection_completed_at, payout_completed_at, created_at, updated_at
		FROM payment_records WHERE settlement_ref = $1`, ref,
	).Scan(&r.ID, &r.SettlementRef, &r.PayerReference, &r.RecipientAccount, &r.Amount,
		&overall, &colStatus, &payStatus, &colID, &payID,
		&colAt, &payAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.OverallStatus = RecordStatus(overall)
	r.CollectionStatus = LegStatus(colStatus)
	r.PayoutStatus = LegStatus(payStatus)
	r.CollectionID = colID.String
	r.PayoutID = payID.String
	r.CollectionCompletedAt = timePtr(colAt)
	r.PayoutCompletedAt = timePtr(payAt)
	return r, nil
}

func insertIntent(ctx context.Context, q queryer, i *PaymentIntent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, payer_reference, recipient_account, amount, note, status,
			settlement_ref, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		i.ID, i.PayerReference, i.RecipientAccount, i.Amount, nullString(i.Note),
		string(i.Status), nullString(i.SettlementRef), nullTime(i.CompletedAt),
		i.CreatedAt, i.UpdatedAt,
	)
	return err
}

func getIntent(ctx context.Context, q queryer, id string) (*PaymentIntent, error) {
	i := &PaymentIntent{}
	var status string
	var note, ref sql.NullString
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, payer_reference, recipient_account, amount, note, status,
		       settlement_ref, completed_at, created_at, updated_at
		FROM payment_intents WHERE id = $1`, id,
	).Scan(&i.ID, &i.PayerReference, &i.RecipientAccount, &i.Amount, &note, &status,
		&ref, &completedAt, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	i.Status = IntentStatus(status)
	i.Note = note.String
	i.SettlementRef = ref.String
	i.CompletedAt = timePtr(completedAt)
	return i, nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString converts an empty string to sql.NullString{Valid: false}.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
