package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paynest/escrowd/internal/audit"
	"github.com/paynest/escrowd/internal/gateway"
	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/traces"
	"github.com/paynest/escrowd/internal/validation"
)

// Failure reasons stored on FAILED settlements.
const (
	ReasonCollectionFailed = "collection_failed"
	ReasonPayoutFailed     = "payout_failed"
	ReasonPayoutRejected   = "payout_rejected"
)

// legRank orders leg statuses; failed is reachable from any non-terminal.
func legRank(s ledger.LegStatus) int {
	switch s {
	case ledger.LegPending:
		return 1
	case ledger.LegProcessing:
		return 2
	case ledger.LegSuccess, ledger.LegFailed:
		return 3
	}
	return 0
}

// advances reports whether moving a leg from cur to next is a forward step.
// Terminal legs never move again.
func advances(cur, next ledger.LegStatus) bool {
	if cur == ledger.LegSuccess || cur == ledger.LegFailed || next == ledger.LegNone {
		return false
	}
	if next == ledger.LegFailed {
		return true
	}
	return legRank(next) > legRank(cur)
}

// Reconcile moves a settlement as far forward as the gateway allows and
// returns the resulting view. It is safe to call any number of times,
// concurrently. On a gateway error the returned view is the last stored
// state (marked Stale) and the error wraps ErrGatewayUnavailable.
func (s *Service) Reconcile(ctx context.Context, ref string) (view *View, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Reconcile", traces.Reference(ref))
	start := time.Now()
	defer func() {
		if view != nil {
			span.SetAttributes(traces.Stage(string(view.Stage)))
		}
		traces.End(span, err)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		reconcileDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	st, err := s.store.GetSettlement(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if st.IsTerminal() {
		if st.Status == ledger.StatusCompleted {
			s.ensureReceipt(ctx, ref)
		}
		return viewOf(st), nil
	}

	// 1. collection leg
	if st.CollectionStatus != ledger.LegSuccess {
		txn, err := s.gateway.CollectionStatus(ctx, st.CollectionTxnID)
		if err != nil {
			return stale(st), gatewayErr("collection status", err)
		}
		if st, err = s.applyCollection(ctx, ref, txn); err != nil {
			return nil, err
		}
		if st.IsTerminal() || st.CollectionStatus != ledger.LegSuccess {
			return viewOf(st), nil
		}
	}

	// 2. payout trigger
	if st.PayoutTxnID == "" {
		if st, err = s.triggerPayout(ctx, st); err != nil {
			return stale(st), err
		}
		if st.IsTerminal() || st.PayoutTxnID == "" {
			return viewOf(st), nil
		}
	}

	// 3. payout leg
	if st.PayoutStatus != ledger.LegSuccess {
		txn, err := s.gateway.PayoutStatus(ctx, st.PayoutTxnID)
		if err != nil {
			return stale(st), gatewayErr("payout status", err)
		}
		if st, err = s.applyPayout(ctx, ref, txn); err != nil {
			return nil, err
		}
		if st.IsTerminal() || st.PayoutStatus != ledger.LegSuccess {
			return viewOf(st), nil
		}
	}

	// 4. completion
	if st, err = s.complete(ctx, ref); err != nil {
		return nil, err
	}
	if st.Status == ledger.StatusCompleted {
		s.ensureReceipt(ctx, ref)
	}
	return viewOf(st), nil
}

func stale(st *ledger.Settlement) *View {
	if st == nil {
		return nil
	}
	v := viewOf(st)
	v.Stale = true
	return v
}

func gatewayErr(op string, err error) error {
	gatewayErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrGatewayUnavailable, op, err)
}

// transact runs fn inside the settlement's transaction and returns the
// settlement as fn left it.
func (s *Service) transact(ctx context.Context, ref string, fn func(tx ledger.Tx, st *ledger.Settlement) error) (*ledger.Settlement, error) {
	var out *ledger.Settlement
	err := s.store.Transact(ctx, ref, func(tx ledger.Tx) error {
		st := tx.Settlement()
		if err := fn(tx, st); err != nil {
			return err
		}
		out = tx.Settlement()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record appends the audit/history pair for a transition and counts it.
func (s *Service) record(ctx context.Context, tx ledger.Tx, st *ledger.Settlement, action string, from Stage, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(st.Status)
	meta["collectionStatus"] = string(st.CollectionStatus)
	meta["payoutStatus"] = string(st.PayoutStatus)
	s.recorder.Append(ctx, tx, st.Reference, action, string(from), string(stageOf(st)), meta)
	transitions.WithLabelValues(action).Inc()
}

func (s *Service) applyCollection(ctx context.Context, ref string, txn *gateway.Transaction) (*ledger.Settlement, error) {
	return s.transact(ctx, ref, func(tx ledger.Tx, st *ledger.Settlement) error {
		return s.applyCollectionTx(ctx, tx, st, txn)
	})
}

// applyCollectionTx writes a newly observed collection status. It is a
// no-op unless the status moves the leg forward.
func (s *Service) applyCollectionTx(ctx context.Context, tx ledger.Tx, st *ledger.Settlement, txn *gateway.Transaction) error {
	next := ledger.LegStatus(txn.Status)
	if st.IsTerminal() || !advances(st.CollectionStatus, next) {
		return nil
	}

	col, err := tx.Collection()
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	rec, err := tx.PaymentRecord()
	if err != nil {
		return fmt.Errorf("load payment record: %w", err)
	}

	now := s.now().UTC()
	from := stageOf(st)
	st.CollectionStatus = next
	st.UpdatedAt = now
	col.UpdatedAt = now
	rec.CollectionStatus = next
	rec.UpdatedAt = now
	if txn.UTR != "" {
		col.UTR = txn.UTR
	}
	if txn.Fee.IsPositive() {
		col.Fee = txn.Fee
	}

	var action string
	switch next {
	case ledger.LegProcessing:
		action = audit.ActionCollectionProgress
		rec.OverallStatus = ledger.RecordProcessing
	case ledger.LegSuccess:
		action = audit.ActionCollectionSuccess
		col.Status = ledger.CollectionCompleted
		col.CompletedAt = &now
		rec.OverallStatus = ledger.RecordProcessing
		rec.CollectionCompletedAt = &now
		if txn.Amount.IsPositive() && !txn.Amount.Equal(col.Amount) {
			logging.L(ctx).Warn("collection amount differs from settlement",
				"reference_id", st.Reference, "expected", col.Amount.StringFixed(2), "reported", txn.Amount.StringFixed(2))
		}
	case ledger.LegFailed:
		action = audit.ActionCollectionFailed
		col.Status = ledger.CollectionFailed
		st.Status = ledger.StatusFailed
		st.FailureReason = ReasonCollectionFailed
		rec.OverallStatus = ledger.RecordFailed
		if err := s.finalizeIntent(tx, ledger.IntentFailed, now); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := tx.SaveCollection(col); err != nil {
		return fmt.Errorf("save collection: %w", err)
	}
	if err := tx.SavePaymentRecord(rec); err != nil {
		return fmt.Errorf("save payment record: %w", err)
	}
	if err := tx.SaveSettlement(st); err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	s.record(ctx, tx, st, action, from, map[string]any{
		"leg":           "collection",
		"gatewayStatus": txn.RawStatus,
		"utr":           txn.UTR,
	})
	if next == ledger.LegFailed {
		settlementsFinished.WithLabelValues(string(StageCollectionFailed)).Inc()
	}
	return nil
}

// triggerPayout claims payout initiation and, if this caller won the claim,
// opens the payout leg. Losers return the settlement as they found it.
func (s *Service) triggerPayout(ctx context.Context, st *ledger.Settlement) (*ledger.Settlement, error) {
	ref := st.Reference
	payoutRef := idgen.PayoutReference(ref)
	claimed := false

	cur, err := s.transact(ctx, ref, func(tx ledger.Tx, c *ledger.Settlement) error {
		if c.IsTerminal() || c.CollectionStatus != ledger.LegSuccess || c.PayoutTxnID != "" {
			return nil
		}
		if _, err := tx.Payout(); err == nil {
			return nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		now := s.now().UTC()
		var action string
		switch {
		case c.Status == ledger.StatusInitiated:
			action = audit.ActionPayoutClaimed
		case c.PayoutClaimedAt == nil || now.Sub(*c.PayoutClaimedAt) >= s.cfg.PayoutClaimTTL:
			action = audit.ActionPayoutReclaimed
		default:
			payoutClaims.WithLabelValues("lost").Inc()
			return nil
		}

		from := stageOf(c)
		prevStatus := c.Status
		c.Status = ledger.StatusProcessing
		c.PayoutClaimedAt = &now
		c.PayoutAttempts++
		c.PayoutReference = payoutRef
		c.UpdatedAt = now
		if err := tx.SaveSettlement(c); err != nil {
			return fmt.Errorf("claim payout: %w", err)
		}
		s.record(ctx, tx, c, action, from, map[string]any{
			"previousStatus":  string(prevStatus),
			"payoutReference": payoutRef,
			"attempt":         c.PayoutAttempts,
		})
		claimed = true
		return nil
	})
	if err != nil {
		return st, err
	}
	if !claimed {
		return cur, nil
	}
	if cur.PayoutAttempts > 1 {
		payoutClaims.WithLabelValues("reclaimed").Inc()
	} else {
		payoutClaims.WithLabelValues("won").Inc()
	}

	gctx, span := traces.StartSpan(ctx, "settlement.CreatePayout", traces.Reference(ref), traces.Amount(cur.Amount.String()))
	txn, err := s.gateway.CreatePayout(gctx, gateway.PayoutRequest{
		Reference:    payoutRef,
		PayeeAccount: cur.RecipientAccount,
		Amount:       cur.Amount,
		Purpose:      validation.SanitizePurpose(cur.Note, DefaultPurpose),
	})
	traces.End(span, err)

	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrDuplicateReference):
		// Someone already created this payout. Adopt it rather than fail.
		payoutDuplicates.Inc()
		logging.L(ctx).Info("payout reference already known to gateway, adopting",
			"reference_id", ref, "payout_reference", payoutRef)
		latest, gerr := s.store.GetSettlement(ctx, ref)
		if gerr == nil && (latest.PayoutTxnID != "" || latest.IsTerminal()) {
			return latest, nil
		}
		txn, err = s.gateway.LookupPayout(ctx, payoutRef)
		if err != nil {
			return cur, gatewayErr("lookup payout", err)
		}
	case errors.Is(err, gateway.ErrRejected):
		logging.L(ctx).Error("gateway rejected payout",
			"reference_id", ref, "payout_reference", payoutRef, "error", err)
		return s.failPayout(ctx, ref, ReasonPayoutRejected)
	default:
		// The claim stays in place; after PayoutClaimTTL the next reconcile
		// retries with the same reference and the gateway deduplicates.
		logging.L(ctx).Warn("payout create failed, claim held for retry",
			"reference_id", ref, "attempt", cur.PayoutAttempts, "error", err)
		return cur, gatewayErr("create payout", err)
	}

	return s.attachPayout(ctx, ref, txn)
}

// attachPayout persists the payout leg returned by the gateway and links it
// into the settlement and payment record. Attaching twice is a no-op.
func (s *Service) attachPayout(ctx context.Context, ref string, txn *gateway.Transaction) (*ledger.Settlement, error) {
	return s.transact(ctx, ref, func(tx ledger.Tx, st *ledger.Settlement) error {
		if st.IsTerminal() || st.PayoutTxnID != "" {
			return nil
		}
		rec, err := tx.PaymentRecord()
		if err != nil {
			return fmt.Errorf("load payment record: %w", err)
		}

		now := s.now().UTC()
		payoutRef := st.PayoutReference
		if payoutRef == "" {
			payoutRef = idgen.PayoutReference(ref)
		}
		retries := st.PayoutAttempts - 1
		if retries < 0 {
			retries = 0
		}
		err = tx.CreatePayout(&ledger.Payout{
			ID:               idgen.WithPrefix("po_"),
			SettlementRef:    ref,
			GatewayTxnID:     txn.ID,
			Reference:        payoutRef,
			Amount:           st.Amount,
			Fee:              txn.Fee,
			RecipientAccount: st.RecipientAccount,
			Status:           ledger.PayoutProcessing,
			RetryCount:       retries,
			UTR:              txn.UTR,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if errors.Is(err, ledger.ErrPayoutExists) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("create payout: %w", err)
		}

		from := stageOf(st)
		st.PayoutTxnID = txn.ID
		st.PayoutStatus = ledger.LegProcessing
		st.UpdatedAt = now
		rec.PayoutID = txn.ID
		rec.PayoutStatus = ledger.LegProcessing
		rec.UpdatedAt = now
		if err := tx.SavePaymentRecord(rec); err != nil {
			return fmt.Errorf("save payment record: %w", err)
		}
		if err := tx.SaveSettlement(st); err != nil {
			return fmt.Errorf("save settlement: %w", err)
		}
		s.record(ctx, tx, st, audit.ActionPayoutInitiated, from, map[string]any{
			"leg":             "payout",
			"payoutId":        txn.ID,
			"payoutReference": payoutRef,
			"gatewayStatus":   txn.RawStatus,
		})
		return nil
	})
}

// failPayout ends a settlement whose payout the gateway refused outright.
func (s *Service) failPayout(ctx context.Context, ref, reason string) (*ledger.Settlement, error) {
	return s.transact(ctx, ref, func(tx ledger.Tx, st *ledger.Settlement) error {
		if st.IsTerminal() || st.PayoutTxnID != "" {
			return nil
		}
		rec, err := tx.PaymentRecord()
		if err != nil {
			return fmt.Errorf("load payment record: %w", err)
		}
		now := s.now().UTC()
		from := stageOf(st)
		st.Status = ledger.StatusFailed
		st.PayoutStatus = ledger.LegFailed
		st.FailureReason = reason
		st.UpdatedAt = now
		rec.OverallStatus = ledger.RecordFailed
		rec.PayoutStatus = ledger.LegFailed
		rec.UpdatedAt = now
		if err := s.finalizeIntent(tx, ledger.IntentFailed, now); err != nil {
			return err
		}
		if err := tx.SavePaymentRecord(rec); err != nil {
			return fmt.Errorf("save payment record: %w", err)
		}
		if err := tx.SaveSettlement(st); err != nil {
			return fmt.Errorf("save settlement: %w", err)
		}
		s.record(ctx, tx, st, audit.ActionPayoutFailed, from, map[string]any{
			"leg":    "payout",
			"reason": reason,
		})
		settlementsFinished.WithLabelValues(string(StagePayoutFailed)).Inc()
		return nil
	})
}

func (s *Service) applyPayout(ctx context.Context, ref string, txn *gateway.Transaction) (*ledger.Settlement, error) {
	return s.transact(ctx, ref, func(tx ledger.Tx, st *ledger.Settlement) error {
		return s.applyPayoutTx(ctx, tx, st, txn)
	})
}

// applyPayoutTx writes a newly observed payout status. It is a no-op
// unless the status moves the leg forward.
func (s *Service) applyPayoutTx(ctx context.Context, tx ledger.Tx, st *ledger.Settlement, txn *gateway.Transaction) error {
	next := ledger.LegStatus(txn.Status)
	if st.IsTerminal() || st.PayoutTxnID == "" || !advances(st.PayoutStatus, next) {
		return nil
	}

	p, err := tx.Payout()
	if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}
	rec, err := tx.PaymentRecord()
	if err != nil {
		return fmt.Errorf("load payment record: %w", err)
	}

	now := s.now().UTC()
	from := stageOf(st)
	st.PayoutStatus = next
	st.UpdatedAt = now
	p.UpdatedAt = now
	rec.PayoutStatus = next
	rec.UpdatedAt = now
	if txn.UTR != "" {
		p.UTR = txn.UTR
	}
	if txn.Fee.IsPositive() {
		p.Fee = txn.Fee
	}

	var action string
	switch next {
	case ledger.LegSuccess:
		action = audit.ActionPayoutSuccess
		p.Status = ledger.PayoutCompleted
		p.CompletedAt = &now
		rec.PayoutCompletedAt = &now
	case ledger.LegFailed:
		action = audit.ActionPayoutFailed
		p.Status = ledger.PayoutFailed
		p.FailureReason = txn.RawStatus
		st.Status = ledger.StatusFailed
		st.FailureReason = ReasonPayoutFailed
		rec.OverallStatus = ledger.RecordFailed
		if err := s.finalizeIntent(tx, ledger.IntentFailed, now); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := tx.SavePayout(p); err != nil {
		return fmt.Errorf("save payout: %w", err)
	}
	if err := tx.SavePaymentRecord(rec); err != nil {
		return fmt.Errorf("save payment record: %w", err)
	}
	if err := tx.SaveSettlement(st); err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	s.record(ctx, tx, st, action, from, map[string]any{
		"leg":           "payout",
		"gatewayStatus": txn.RawStatus,
		"utr":           txn.UTR,
	})
	if next == ledger.LegFailed {
		settlementsFinished.WithLabelValues(string(StagePayoutFailed)).Inc()
	}
	return nil
}

// complete moves a settlement with both legs successful to COMPLETED and
// finalizes its payment intent.
func (s *Service) complete(ctx context.Context, ref string) (*ledger.Settlement, error) {
	return s.transact(ctx, ref, func(tx ledger.Tx, st *ledger.Settlement) error {
		if st.IsTerminal() || st.CollectionStatus != ledger.LegSuccess || st.PayoutStatus != ledger.LegSuccess {
			return nil
		}
		rec, err := tx.PaymentRecord()
		if err != nil {
			return fmt.Errorf("load payment record: %w", err)
		}
		now := s.now().UTC()
		from := stageOf(st)
		st.Status = ledger.StatusCompleted
		st.UpdatedAt = now
		rec.OverallStatus = ledger.RecordCompleted
		rec.UpdatedAt = now
		if err := s.finalizeIntent(tx, ledger.IntentSuccess, now); err != nil {
			return err
		}
		if err := tx.SavePaymentRecord(rec); err != nil {
			return fmt.Errorf("save payment record: %w", err)
		}
		if err := tx.SaveSettlement(st); err != nil {
			return fmt.Errorf("save settlement: %w", err)
		}
		s.record(ctx, tx, st, audit.ActionCompleted, from, map[string]any{
			"amount": st.Amount.StringFixed(2),
		})
		settlementsFinished.WithLabelValues(string(StageCompleted)).Inc()
		return nil
	})
}

// finalizeIntent moves the linked payment intent out of CREATED.
func (s *Service) finalizeIntent(tx ledger.Tx, status ledger.IntentStatus, now time.Time) error {
	intent, err := tx.PaymentIntent()
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment intent: %w", err)
	}
	if intent.Status != ledger.IntentCreated {
		return nil
	}
	intent.Status = status
	intent.UpdatedAt = now
	if status == ledger.IntentSuccess {
		intent.CompletedAt = &now
	}
	if err := tx.SavePaymentIntent(intent); err != nil {
		return fmt.Errorf("save payment intent: %w", err)
	}
	return nil
}

// ensureReceipt composes the receipt of a completed settlement. Failures
// are logged; the next reconcile of the settlement retries.
func (s *Service) ensureReceipt(ctx context.Context, ref string) {
	if s.receipts == nil {
		return
	}
	if _, err := s.receipts.Generate(ctx, ref); err != nil {
		receiptFailures.Inc()
		logging.L(ctx).Error("receipt generation failed", "reference_id", ref, "error", err)
	}
}
