package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/delivery"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/store"
	"github.com/Enucatl/send-bills/internal/store/memory"
	"github.com/Enucatl/send-bills/internal/store/storetest"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// recorder keeps delivered documents and fails for selected bills.
type recorder struct {
	docs    []delivery.Document
	failFor map[string]bool
}

func (r *recorder) Deliver(ctx context.Context, doc delivery.Document) error {
	if r.failFor[doc.BillID] {
		return apperrors.Downstream(apperrors.CodeDeliveryFailed, "smtp", errors.New("421 try again later"))
	}
	r.docs = append(r.docs, doc)
	return nil
}

type env struct {
	ctx     context.Context
	store   *memory.Store
	fixture storetest.Fixture
	out     *recorder
	service *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := memory.New()
	f := storetest.NewFixture()
	f.Contact.Email = "jane@example.com"
	f.Seed(t, s)

	out := &recorder{failFor: map[string]bool{}}
	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Now = func() time.Time { return time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC) }
	svc, err := NewService(s, out, cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return &env{ctx: context.Background(), store: s, fixture: f, out: out, service: svc}
}

func (e *env) generate(t *testing.T, asOf time.Time) *OperationReport {
	t.Helper()
	report, err := e.service.GenerateDueBills(e.ctx, asOf)
	if err != nil {
		t.Fatalf("GenerateDueBills failed: %v", err)
	}
	return report
}

func (e *env) send(t *testing.T) *OperationReport {
	t.Helper()
	report, err := e.service.SendPendingBills(e.ctx)
	if err != nil {
		t.Fatalf("SendPendingBills failed: %v", err)
	}
	return report
}

func (e *env) billsIn(t *testing.T, status models.BillStatus) []*models.Bill {
	t.Helper()
	bills, err := e.store.BillsByStatus(e.ctx, status)
	if err != nil {
		t.Fatalf("BillsByStatus failed: %v", err)
	}
	return bills
}

func TestBillingCycle(t *testing.T) {
	e := newEnv(t)

	gen := e.generate(t, calendar.Date(2024, 3, 31))
	if gen.Operation != OpGenerate || gen.Count(ItemCreated) != 3 || gen.RunID == "" {
		t.Fatalf("expected 3 created bills, got %+v", gen.Summary)
	}
	if gen.Items[0].Detail != "occurrence 2024-01-31" {
		t.Errorf("unexpected detail %q", gen.Items[0].Detail)
	}

	sent := e.send(t)
	if sent.Count(ItemSent) != 3 || len(e.out.docs) != 3 {
		t.Fatalf("expected 3 sent bills, got %+v and %d documents", sent.Summary, len(e.out.docs))
	}
	if doc := e.out.docs[0]; doc.Kind != delivery.KindInvoice || doc.To[0] != "jane@example.com" {
		t.Errorf("unexpected invoice %+v", doc)
	}
	if len(e.billsIn(t, models.StatusSent)) != 3 {
		t.Error("expected every bill sent")
	}
	again := e.send(t)
	if len(again.Items) != 0 || len(e.out.docs) != 3 {
		t.Errorf("second send must not redeliver, got %+v", again.Summary)
	}

	overdue, err := e.service.MarkOverdueBills(e.ctx, calendar.Date(2024, 3, 31))
	if err != nil {
		t.Fatalf("MarkOverdueBills failed: %v", err)
	}
	if overdue.Count(ItemOverdue) != 2 || overdue.Count(ItemUnchanged) != 1 {
		t.Errorf("expected 2 overdue and 1 not yet due, got %+v", overdue.Summary)
	}

	notified, err := e.service.NotifyOverdueBills(e.ctx)
	if err != nil {
		t.Fatalf("NotifyOverdueBills failed: %v", err)
	}
	if notified.Count(ItemNotified) != 2 {
		t.Errorf("expected 2 reminders, got %+v", notified.Summary)
	}
	last := e.out.docs[len(e.out.docs)-1]
	if last.Kind != delivery.KindOverdueReminder || last.To[0] != e.fixture.Creditor.Email {
		t.Errorf("reminders go to the creditor, got %+v", last)
	}
	if len(e.billsIn(t, models.StatusOverdue)) != 2 {
		t.Error("notifying must not change bills")
	}

	feed := "value_date,amount,currency,creditor_account,payer,remittance\n" +
		"2024-04-02,1250.00,CHF,CH9300762011623852957,Jane Tenant,RF74 0000 0000 01\n" +
		"2024-04-02,1.00,CHF,,Unknown,no reference\n"
	rec, err := e.service.ReconcileBatch(e.ctx, strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ReconcileBatch failed: %v", err)
	}
	if rec.Operation != OpReconcile || rec.Reconciliation == nil || rec.RunID != rec.Reconciliation.RunID {
		t.Fatalf("unexpected reconcile report %+v", rec)
	}
	if rec.Count("paid") != 1 || rec.Count("unmatched") != 1 {
		t.Errorf("expected one paid and one unmatched, got %+v", rec.Summary)
	}
	if len(e.billsIn(t, models.StatusPaid)) != 1 {
		t.Error("expected one paid bill")
	}
}

func TestSendPendingBillsDeliveryFailure(t *testing.T) {
	e := newEnv(t)
	e.generate(t, calendar.Date(2024, 2, 29))

	pending := e.billsIn(t, models.StatusPending)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending bills, got %d", len(pending))
	}
	e.out.failFor[pending[0].ID] = true

	report := e.send(t)
	if report.Count(ItemSent) != 1 || report.Count(ItemFailed) != 1 {
		t.Fatalf("expected 1 sent and 1 failed, got %+v", report.Summary)
	}
	if !report.Failed() || !apperrors.IsCategory(report.Errors[0], apperrors.CategoryDownstream) {
		t.Errorf("expected a downstream error, got %v", report.Errors)
	}
	if still := e.billsIn(t, models.StatusPending); len(still) != 1 || still[0].ID != pending[0].ID {
		t.Errorf("failed delivery must leave the bill pending")
	}

	delete(e.out.failFor, pending[0].ID)
	retry := e.send(t)
	if retry.Count(ItemSent) != 1 || len(retry.Items) != 1 {
		t.Errorf("expected retry to send the remaining bill, got %+v", retry.Summary)
	}
}

func TestSendPendingBillsWithoutRecipient(t *testing.T) {
	e := newEnv(t)
	e.fixture.Contact.Email = ""
	err := e.store.Atomically(e.ctx, func(tx store.Tx) error {
		return tx.SaveContact(e.ctx, e.fixture.Contact)
	})
	if err != nil {
		t.Fatalf("SaveContact failed: %v", err)
	}
	e.generate(t, calendar.Date(2024, 1, 31))

	report := e.send(t)
	if report.Count(ItemFailed) != 1 || len(e.out.docs) != 0 {
		t.Fatalf("expected a failure without delivery, got %+v", report.Summary)
	}
	if !apperrors.IsCategory(report.Errors[0], apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", report.Errors[0])
	}
	if len(e.billsIn(t, models.StatusPending)) != 1 {
		t.Error("bill must stay pending")
	}
}

func TestMarkOverdueBillsIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.generate(t, calendar.Date(2024, 1, 31))
	e.send(t)

	now := calendar.Date(2024, 3, 1)
	first, err := e.service.MarkOverdueBills(e.ctx, now)
	if err != nil {
		t.Fatalf("MarkOverdueBills failed: %v", err)
	}
	if first.Count(ItemOverdue) != 1 {
		t.Fatalf("expected 1 overdue, got %+v", first.Summary)
	}
	second, err := e.service.MarkOverdueBills(e.ctx, now)
	if err != nil {
		t.Fatalf("MarkOverdueBills failed: %v", err)
	}
	if len(second.Items) != 0 {
		t.Errorf("overdue bills are not sent bills any more, got %+v", second.Summary)
	}
}

func TestCancelBill(t *testing.T) {
	e := newEnv(t)
	e.generate(t, calendar.Date(2024, 1, 31))
	bill := e.billsIn(t, models.StatusPending)[0]

	report, err := e.service.CancelBill(e.ctx, bill.ID)
	if err != nil {
		t.Fatalf("CancelBill failed: %v", err)
	}
	if report.Count(ItemCancelled) != 1 {
		t.Fatalf("expected cancelled, got %+v", report.Summary)
	}

	again, err := e.service.CancelBill(e.ctx, bill.ID)
	if err != nil {
		t.Fatalf("CancelBill failed: %v", err)
	}
	if again.Count(ItemFailed) != 1 || !apperrors.IsCategory(again.Errors[0], apperrors.CategoryInvalidTransition) {
		t.Errorf("expected invalid transition, got %+v", again.Errors)
	}

	if _, err := e.service.CancelBill(e.ctx, "missing"); !apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewService(t *testing.T) {
	if _, err := NewService(nil, &recorder{}, nil); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument for nil store, got %v", err)
	}
	if _, err := NewService(memory.New(), nil, nil); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument for nil deliverer, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Templates.InvoiceBody = "{{"
	if _, err := NewService(memory.New(), &recorder{}, cfg); !apperrors.IsCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
