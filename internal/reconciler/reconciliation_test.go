package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/parsers"
	"github.com/Enucatl/send-bills/internal/store"
	"github.com/Enucatl/send-bills/internal/store/memory"
	"github.com/Enucatl/send-bills/internal/store/storetest"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

const (
	refRent    = "RF740000000001"
	refPartial = "RF470000000002"
	refOverdue = "RF02ACME0000000001"
	refPending = "RF14YOUT20250401RICCARDO"
	refNoBill  = "RF18539007547034"
	feedHeader = "value_date,amount,currency,creditor_account,payer,remittance\n"
	mixedFeed  = feedHeader +
		"2024-03-05,1250.00,CHF,CH9300762011623852957,Jane Tenant,RF74 0000 0000 01\n" +
		"2024-03-05,1000.00,CHF,,Jane Tenant,RF470000000002\n" +
		"2024-03-06,9.99,CHF,,Stranger,RF18 5390 0754 7034\n" +
		"2024-03-06,5.00,CHF,,Someone,thanks\n" +
		"2024-03-07,abc,CHF,,Broken,\n" +
		"2024-03-08,1300.00,CHF,,Late Payer,RF02ACME0000000001\n" +
		"2024-03-08,1250.00,CHF,,Early Payer,RF14 YOUT 2025 0401 RICC ARDO\n"
)

type fixture struct {
	store  store.Store
	f      storetest.Fixture
	bills  map[string]*models.Bill
	reconc *Reconciler
	ctx    context.Context
}

func setup(t *testing.T, s store.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	if s == nil {
		s = memory.New()
	}
	f := storetest.NewFixture()
	f.Seed(t, s)

	bills := map[string]*models.Bill{
		refRent:    f.NewBill(refRent, calendar.Date(2024, 1, 31)),
		refPartial: f.NewBill(refPartial, calendar.Date(2024, 2, 29)),
		refOverdue: f.NewBill(refOverdue, calendar.Date(2023, 12, 31)),
		refPending: f.NewBill(refPending, calendar.Date(2024, 3, 31)),
	}
	bills[refOverdue].Status = models.StatusOverdue
	bills[refPending].Status = models.StatusPending

	err := s.Atomically(ctx, func(tx store.Tx) error {
		for _, b := range bills {
			if err := tx.CreateBill(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create bills failed: %v", err)
	}

	return &fixture{store: s, f: f, bills: bills, reconc: newReconciler(t, s), ctx: ctx}
}

func newReconciler(t *testing.T, s store.Store) *Reconciler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Now = func() time.Time { return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) }
	r, err := NewReconciler(s, cfg)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return r
}

func (fx *fixture) bill(t *testing.T, ref string) *models.Bill {
	t.Helper()
	b, err := fx.store.GetBill(fx.ctx, fx.bills[ref].ID)
	if err != nil {
		t.Fatalf("GetBill failed: %v", err)
	}
	return b
}

func (fx *fixture) reconcile(t *testing.T, feed string) *Report {
	t.Helper()
	report, err := fx.reconc.ReconcileReader(fx.ctx, strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ReconcileReader failed: %v", err)
	}
	return report
}

func dispositions(report *Report) []Disposition {
	var out []Disposition
	for _, e := range report.Entries {
		out = append(out, e.Disposition)
	}
	return out
}

func assertDispositions(t *testing.T, report *Report, want ...Disposition) {
	t.Helper()
	got := dispositions(report)
	if len(got) != len(want) {
		t.Fatalf("Expected dispositions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d (row %d): expected %s, got %s (reason %q)",
				i, report.Entries[i].Row, want[i], got[i], report.Entries[i].Reason)
		}
	}
}

func TestReconcileMixedFeed(t *testing.T) {
	fx := setup(t, nil)
	report := fx.reconcile(t, mixedFeed)

	assertDispositions(t, report,
		DispositionPaid,
		DispositionPartial,
		DispositionOrphan,
		DispositionUnmatched,
		DispositionOverpaid,
		DispositionRejected,
	)
	if len(report.RowErrors) != 1 || report.RowErrors[0].Line != 6 {
		t.Errorf("Expected one row error at line 6, got %+v", report.RowErrors)
	}
	if report.RunID == "" {
		t.Error("Expected a run id")
	}

	paid := fx.bill(t, refRent)
	if paid.Status != models.StatusPaid || !paid.PaidAmount.Decimal.Equal(decimal.RequireFromString("1250")) {
		t.Errorf("Expected paid bill, got %v paid=%v", paid, paid.PaidAmount)
	}
	if paid.PaidAt == nil || !paid.PaidAt.Equal(calendar.Date(2024, 3, 5)) {
		t.Errorf("Expected paid at value date, got %v", paid.PaidAt)
	}
	if paid.Version != 2 {
		t.Errorf("Expected version 2, got %d", paid.Version)
	}

	partial := fx.bill(t, refPartial)
	if partial.Status != models.StatusSent {
		t.Errorf("Partial payment must keep status, got %s", partial.Status)
	}
	if !partial.AppliedAmount.Equal(decimal.RequireFromString("1000")) || !partial.Outstanding().Equal(decimal.RequireFromString("250")) {
		t.Errorf("Expected 1000 applied and 250 outstanding, got %s / %s", partial.AppliedAmount, partial.Outstanding())
	}

	over := fx.bill(t, refOverdue)
	if over.Status != models.StatusPaid || !over.Overpayment.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected paid with 50 overpayment, got %s / %s", over.Status, over.Overpayment)
	}

	pending := fx.bill(t, refPending)
	if pending.Status != models.StatusPending || !pending.AppliedAmount.IsZero() || pending.Version != 1 {
		t.Errorf("Rejected payment must leave the bill unchanged, got %v", pending)
	}
	rejected := report.Entries[5]
	if !apperrors.IsCategory(rejected.Error, apperrors.CategoryInvalidTransition) {
		t.Errorf("Expected invalid transition, got %v", rejected.Error)
	}

	unmatched := report.Entries[3]
	if unmatched.Reason != "no_reference" {
		t.Errorf("Expected no_reference, got %q", unmatched.Reason)
	}
	if report.Entries[2].Reference != refNoBill {
		t.Errorf("Expected orphan reference %s, got %s", refNoBill, report.Entries[2].Reference)
	}

	s := report.Summary
	if s.Transactions != 6 || s.Paid != 1 || s.Partial != 1 || s.Overpaid != 1 ||
		s.Orphans != 1 || s.Unmatched != 1 || s.Rejected != 1 || s.RowErrors != 1 {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if !s.AppliedAmount.Equal(decimal.RequireFromString("3550")) {
		t.Errorf("Expected 3550 applied, got %s", s.AppliedAmount)
	}
	if !s.OverpaymentAmount.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected 50 overpaid, got %s", s.OverpaymentAmount)
	}
	if got := len(report.Errors()); got != 2 {
		t.Errorf("Expected 2 report errors (row + rejection), got %d", got)
	}

	audit, err := fx.store.AuditEntries(fx.ctx, report.RunID)
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(audit) != 6 {
		t.Errorf("Expected one audit entry per transaction, got %d", len(audit))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	fx := setup(t, nil)
	fx.reconcile(t, mixedFeed)
	second := fx.reconcile(t, mixedFeed)

	assertDispositions(t, second,
		DispositionAlreadySettled,
		DispositionAlreadySettled,
		DispositionOrphan,
		DispositionUnmatched,
		DispositionAlreadySettled,
		DispositionRejected,
	)
	if second.Entries[1].Reason != reasonRepeatedPayment {
		t.Errorf("Expected repeated payment reason, got %q", second.Entries[1].Reason)
	}

	partial := fx.bill(t, refPartial)
	if !partial.AppliedAmount.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("Re-upload must not apply twice, got %s", partial.AppliedAmount)
	}
	payments, err := fx.store.PaymentsForBill(fx.ctx, partial.ID)
	if err != nil {
		t.Fatalf("PaymentsForBill failed: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("Expected 1 payment, got %d", len(payments))
	}
	if !second.Summary.AppliedAmount.IsZero() {
		t.Errorf("Expected nothing applied, got %s", second.Summary.AppliedAmount)
	}
}

func TestReconcilePartialPaymentsAccumulate(t *testing.T) {
	fx := setup(t, nil)
	fx.reconcile(t, feedHeader+"2024-03-05,1000.00,CHF,,Jane,"+refPartial+"\n")
	report := fx.reconcile(t, feedHeader+"2024-03-20,250.00,CHF,,Jane,"+refPartial+"\n")

	assertDispositions(t, report, DispositionPartial)
	b := fx.bill(t, refPartial)
	if !b.AppliedAmount.Equal(decimal.RequireFromString("1250")) {
		t.Errorf("Expected 1250 applied, got %s", b.AppliedAmount)
	}
	if b.Status != models.StatusSent {
		t.Errorf("Partials never settle a bill, got %s", b.Status)
	}
}

func TestReconcileDuplicateRowsInOneBatch(t *testing.T) {
	fx := setup(t, nil)
	row := "2024-03-05,100.00,CHF,,Jane," + refPartial + "\n"
	report := fx.reconcile(t, feedHeader+row+row)

	assertDispositions(t, report, DispositionPartial, DispositionAlreadySettled)
	if len(report.Duplicates) != 1 || report.Summary.Duplicates != 1 {
		t.Errorf("Expected one duplicate group, got %+v", report.Duplicates)
	}
}

func TestReconcileSecondPaymentInBatchSeesPaidBill(t *testing.T) {
	fx := setup(t, nil)
	report := fx.reconcile(t, feedHeader+
		"2024-03-05,1250.00,CHF,,Jane,"+refRent+"\n"+
		"2024-03-06,1250.00,CHF,,Jane,"+refRent+"\n")

	assertDispositions(t, report, DispositionPaid, DispositionAlreadySettled)
}

func TestReconcileAccountAndCurrencyChecks(t *testing.T) {
	fx := setup(t, nil)
	report := fx.reconcile(t, feedHeader+
		"2024-03-05,1250.00,CHF,DE89370400440532013000,Jane,"+refRent+"\n"+
		"2024-03-05,1250.00,EUR,,Jane,"+refPartial+"\n")

	assertDispositions(t, report, DispositionUnmatched, DispositionUnmatched)
	if report.Entries[0].Reason != "account_mismatch" || report.Entries[1].Reason != "currency_mismatch" {
		t.Errorf("Unexpected reasons: %q, %q", report.Entries[0].Reason, report.Entries[1].Reason)
	}
	if report.Entries[0].BillID != fx.bills[refRent].ID {
		t.Errorf("Expected mismatch to name the bill")
	}
}

// failingStore fails UpdateBill for one bill.
type failingStore struct {
	store.Store
	billID string
}

func (f *failingStore) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.Atomically(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, billID: f.billID})
	})
}

type failingTx struct {
	store.Tx
	billID string
}

func (t *failingTx) UpdateBill(ctx context.Context, b *models.Bill) error {
	if b.ID == t.billID {
		return store.Failed("update bill", errors.New("connection reset"))
	}
	return t.Tx.UpdateBill(ctx, b)
}

func TestReconcileFailureRollsBackOnlyThatTransaction(t *testing.T) {
	base := memory.New()
	fx := setup(t, base)
	failing := &failingStore{Store: base, billID: fx.bills[refRent].ID}
	r := newReconciler(t, failing)

	report, err := r.ReconcileReader(fx.ctx, strings.NewReader(mixedFeed))
	if err != nil {
		t.Fatalf("ReconcileReader failed: %v", err)
	}

	assertDispositions(t, report,
		DispositionFailed,
		DispositionPartial,
		DispositionOrphan,
		DispositionUnmatched,
		DispositionOverpaid,
		DispositionRejected,
	)
	failed := report.Entries[0]
	if !apperrors.IsCategory(failed.Error, apperrors.CategoryDownstream) {
		t.Errorf("Expected downstream error, got %v", failed.Error)
	}
	if b := fx.bill(t, refRent); b.Status != models.StatusSent || b.Version != 1 {
		t.Errorf("Failed unit must leave the bill untouched, got %v", b)
	}
	payments, _ := base.PaymentsForBill(fx.ctx, fx.bills[refRent].ID)
	if len(payments) != 0 {
		t.Errorf("Failed unit must not record a payment, got %d", len(payments))
	}
	audit, _ := base.AuditEntries(fx.ctx, report.RunID)
	if len(audit) != 5 {
		t.Errorf("Expected 5 audit entries, got %d", len(audit))
	}

	retry := fx.reconcile(t, mixedFeed)
	if retry.Entries[0].Disposition != DispositionPaid {
		t.Errorf("Expected retry to apply, got %s", retry.Entries[0].Disposition)
	}
}

func TestReconcileCancelledContextFailsEveryEntry(t *testing.T) {
	fx := setup(t, nil)
	batch, err := fx.reconc.parser.ParseBatch(fx.ctx, strings.NewReader(mixedFeed))
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := fx.reconc.Reconcile(ctx, batch)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Summary.Failed != len(batch.Transactions) {
		t.Errorf("Expected every entry failed, got %+v", report.Summary)
	}
	if b := fx.bill(t, refRent); b.Status != models.StatusSent {
		t.Errorf("Expected no changes, got %s", b.Status)
	}
}

func TestReconcileFile(t *testing.T) {
	fx := setup(t, nil)
	path := filepath.Join(t.TempDir(), "export.csv")
	if err := os.WriteFile(path, []byte(mixedFeed), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	report, err := fx.reconc.ReconcileFile(fx.ctx, path)
	if err != nil {
		t.Fatalf("ReconcileFile failed: %v", err)
	}
	if report.Summary.Paid != 1 {
		t.Errorf("Expected 1 paid, got %+v", report.Summary)
	}

	_, err = fx.reconc.ReconcileFile(fx.ctx, filepath.Join(t.TempDir(), "missing.csv"))
	if !apperrors.IsCategory(err, apperrors.CategoryFile) {
		t.Errorf("Expected file error, got %v", err)
	}
}

func TestReconcileMissingColumnIsFatal(t *testing.T) {
	fx := setup(t, nil)
	_, err := fx.reconc.ReconcileReader(fx.ctx, strings.NewReader("payer,remittance\nJane,"+refRent+"\n"))
	if !apperrors.IsCategory(err, apperrors.CategoryParse) {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestNewReconciler(t *testing.T) {
	if _, err := NewReconciler(nil, nil); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("Expected invalid argument for nil store, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.Feed = nil
	if _, err := NewReconciler(memory.New(), cfg); !apperrors.IsCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.Feed = parsers.PostFinanceFeedConfig()
	cfg.Logger = logger.Discard()
	r, err := NewReconciler(memory.New(), cfg)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	if r.parser.Config().Name != "postfinance" {
		t.Errorf("Expected postfinance parser, got %s", r.parser.Config().Name)
	}
}
