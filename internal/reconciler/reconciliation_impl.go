package reconciler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/lifecycle"
	"github.com/Enucatl/send-bills/internal/matcher"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

const reasonRepeatedPayment = "repeated_payment"

// ReconcileFile parses the feed at path and reconciles it.
func (r *Reconciler) ReconcileFile(ctx context.Context, path string) (*Report, error) {
	batch, err := r.parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return r.Reconcile(ctx, batch)
}

// apply matches one transaction and, in one atomic unit, applies it and
// writes its audit entry.
func (r *Reconciler) apply(ctx context.Context, runID string, tx *models.Transaction, engine *matcher.MatchingEngine) *Entry {
	outcome := engine.Match(tx)

	var (
		entry   *Entry
		updated *models.Bill
	)
	err := r.store.Atomically(ctx, func(stx store.Tx) error {
		entry = newEntry(tx, outcome)
		updated = nil

		if m, ok := outcome.(matcher.MatchedBill); ok {
			bill, err := r.settle(ctx, stx, runID, tx, m, entry)
			if err != nil {
				return err
			}
			updated = bill
		}
		return stx.RecordAudit(ctx, entry.audit(runID, tx))
	})
	if err != nil {
		entry = newEntry(tx, outcome)
		entry.fail(apperrors.WrapIfNeeded(err, apperrors.CategoryDownstream, apperrors.CodePersistenceFailed,
			"failed to apply transaction"))
		return entry
	}
	if updated != nil {
		engine.Index.Put(updated)
	}
	return entry
}

// settle applies a matched payment to a fresh copy of the bill. A business
// rejection is recorded on the entry and returns a nil error so the audit
// entry is still written.
func (r *Reconciler) settle(ctx context.Context, stx store.Tx, runID string, tx *models.Transaction, m matcher.MatchedBill, entry *Entry) (*models.Bill, error) {
	fingerprint := tx.Fingerprint(m.Reference.Value)
	seen, err := stx.HasPayment(ctx, m.Bill.ID, fingerprint)
	if err != nil {
		return nil, err
	}
	if seen {
		entry.Disposition = DispositionAlreadySettled
		entry.Reason = reasonRepeatedPayment
		return nil, nil
	}

	bill, err := stx.GetBill(ctx, m.Bill.ID)
	if err != nil {
		return nil, err
	}
	if bill.Status == models.StatusPaid {
		entry.describe(bill)
		entry.Disposition = DispositionAlreadySettled
		return nil, nil
	}

	kind, err := applyPayment(bill, tx)
	if err != nil {
		entry.describe(bill)
		entry.Disposition = DispositionRejected
		entry.Error = apperrors.WrapIfNeeded(err, apperrors.CategoryInvalidTransition,
			apperrors.CodeTransitionRejected, "payment rejected").
			WithContext("row", tx.Row)
		entry.Reason = string(entry.Error.Code)
		return nil, nil
	}

	if err := stx.UpdateBill(ctx, bill); err != nil {
		return nil, err
	}
	payment := &models.Payment{
		ID:          models.NewID(),
		BillID:      bill.ID,
		Fingerprint: fingerprint,
		RunID:       runID,
		Kind:        kind,
		Amount:      tx.Amount,
		ValueDate:   tx.ValueDate,
		Reference:   m.Reference.Value,
	}
	// A duplicate here means a concurrent run applied the same credit
	// first; the unit rolls back and a rerun reports it as settled.
	if err := stx.RecordPayment(ctx, payment); err != nil {
		return nil, err
	}

	entry.describe(bill)
	switch kind {
	case models.PaymentFull:
		entry.Disposition = DispositionPaid
	case models.PaymentPartial:
		entry.Disposition = DispositionPartial
	case models.PaymentOverpayment:
		entry.Disposition = DispositionOverpaid
	}
	return bill, nil
}

// applyPayment changes bill according to how tx.Amount compares with the
// billed amount. Amounts are compared exactly.
func applyPayment(bill *models.Bill, tx *models.Transaction) (models.PaymentKind, error) {
	switch tx.Amount.Cmp(bill.Amount) {
	case 0:
		if err := lifecycle.MarkPaid(bill, tx.ValueDate, tx.Amount); err != nil {
			return "", err
		}
		bill.AppliedAmount = bill.AppliedAmount.Add(tx.Amount)
		return models.PaymentFull, nil
	case -1:
		bill.AppliedAmount = bill.AppliedAmount.Add(tx.Amount)
		return models.PaymentPartial, nil
	default:
		if err := lifecycle.MarkPaid(bill, tx.ValueDate, tx.Amount); err != nil {
			return "", err
		}
		bill.AppliedAmount = bill.AppliedAmount.Add(tx.Amount)
		bill.Overpayment = tx.Amount.Sub(bill.Amount)
		return models.PaymentOverpayment, nil
	}
}

func newEntry(tx *models.Transaction, outcome matcher.Outcome) *Entry {
	e := &Entry{
		Row:         tx.Row,
		ValueDate:   tx.ValueDate,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Payer:       tx.PayerText,
		Remittance:  tx.RemittanceText,
		Outstanding: decimal.Zero,
		Overpayment: decimal.Zero,
	}

	switch o := outcome.(type) {
	case nil:
		e.Disposition = DispositionFailed
		return e
	case matcher.MatchedBill:
		e.Reference = o.Reference.Value
		e.describe(o.Bill)
	case matcher.AlreadySettled:
		e.Reference = o.Reference.Value
		e.Disposition = DispositionAlreadySettled
		e.describe(o.Bill)
	case matcher.OrphanReference:
		e.Reference = o.Reference.Value
		e.Disposition = DispositionOrphan
	case matcher.Unmatched:
		e.Reference = o.Reference
		if e.Reference == "" {
			e.Reference = o.Candidate
		}
		e.Disposition = DispositionUnmatched
		e.Reason = string(o.Reason)
		if o.Bill != nil {
			e.describe(o.Bill)
		}
	}
	e.Match = outcome.Kind()
	return e
}

func (e *Entry) describe(b *models.Bill) {
	e.BillID = b.ID
	e.BillStatus = b.Status
	e.Outstanding = b.Outstanding()
	e.Overpayment = b.Overpayment
}

func (e *Entry) fail(err *apperrors.AppError) {
	e.Disposition = DispositionFailed
	e.Error = err.WithContext("row", e.Row)
	e.Reason = string(err.Code)
}

func (e *Entry) audit(runID string, tx *models.Transaction) *models.AuditEntry {
	a := &models.AuditEntry{
		ID:         models.NewID(),
		RunID:      runID,
		Row:        tx.Row,
		Outcome:    string(e.Disposition),
		Reason:     e.Reason,
		Reference:  e.Reference,
		Amount:     tx.Amount,
		ValueDate:  tx.ValueDate,
		Payer:      tx.PayerText,
		Remittance: tx.RemittanceText,
		CreatedAt:  time.Now(),
	}
	if e.BillID != "" {
		id := e.BillID
		a.BillID = &id
	}
	return a
}

func summarize(report *Report) Summary {
	s := Summary{
		Transactions:      len(report.Entries),
		RowErrors:         len(report.RowErrors),
		Duplicates:        len(report.Duplicates),
		AppliedAmount:     decimal.Zero,
		UnappliedAmount:   decimal.Zero,
		OverpaymentAmount: decimal.Zero,
	}
	for _, e := range report.Entries {
		switch e.Disposition {
		case DispositionPaid:
			s.Paid++
		case DispositionPartial:
			s.Partial++
		case DispositionOverpaid:
			s.Overpaid++
			s.OverpaymentAmount = s.OverpaymentAmount.Add(e.Overpayment)
		case DispositionAlreadySettled:
			s.AlreadySettled++
		case DispositionOrphan:
			s.Orphans++
		case DispositionUnmatched:
			s.Unmatched++
		case DispositionRejected:
			s.Rejected++
		case DispositionFailed:
			s.Failed++
		}
		if e.Disposition.Applied() {
			s.AppliedAmount = s.AppliedAmount.Add(e.Amount)
		} else {
			s.UnappliedAmount = s.UnappliedAmount.Add(e.Amount)
		}
	}
	return s
}
