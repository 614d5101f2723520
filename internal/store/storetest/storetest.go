// Package storetest holds the behavioral checks every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Fixture is a minimal creditor/contact/template graph.
type Fixture struct {
	Creditor *models.Creditor
	Contact  *models.Contact
	Template *models.RecurringTemplate
}

// NewFixture returns unsaved records with fresh IDs.
func NewFixture() Fixture {
	creditor := &models.Creditor{
		ID:    models.NewID(),
		Name:  "Acme Rentals",
		Email: "billing@acme.example",
		IBAN:  "CH9300762011623852957",
	}
	contact := &models.Contact{
		ID:   models.NewID(),
		Name: "Jane Tenant",
	}
	template := &models.RecurringTemplate{
		ID:         models.NewID(),
		CreditorID: creditor.ID,
		ContactID:  contact.ID,
		Amount:     decimal.RequireFromString("1250.00"),
		Currency:   "CHF",
		Frequency:  calendar.Rule{Kind: calendar.MonthEnd},
		StartDate:  calendar.Date(2024, 1, 15),
		Active:     true,
		Version:    1,
	}
	return Fixture{Creditor: creditor, Contact: contact, Template: template}
}

// Seed saves the fixture into s.
func (f Fixture) Seed(t *testing.T, s store.Store) {
	t.Helper()
	err := store.Seed(context.Background(), s,
		[]*models.Creditor{f.Creditor}, []*models.Contact{f.Contact}, []*models.RecurringTemplate{f.Template})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

// NewBill returns an unsaved sent bill for the fixture.
func (f Fixture) NewBill(ref string, occurrence time.Time) *models.Bill {
	templateID := f.Template.ID
	return &models.Bill{
		ID:              models.NewID(),
		CreditorID:      f.Creditor.ID,
		ContactID:       f.Contact.ID,
		TemplateID:      &templateID,
		Occurrence:      &occurrence,
		Amount:          f.Template.Amount,
		Currency:        f.Template.Currency,
		Reference:       ref,
		ReferenceScheme: "rf",
		Status:          models.StatusSent,
		IssueDate:       occurrence,
		DueDate:         calendar.AddMonths(occurrence, 1),
		AppliedAmount:   decimal.Zero,
		Overpayment:     decimal.Zero,
		Version:         1,
	}
}

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("SequenceIsPerCreditorAndRollsBack", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("CreateBillNaturalKeys", func(t *testing.T) { testCreateBill(t, newStore(t)) })
	t.Run("UpdateBillCompareAndSet", func(t *testing.T) { testUpdateBill(t, newStore(t)) })
	t.Run("AdvanceTemplateCompareAndSet", func(t *testing.T) { testAdvanceTemplate(t, newStore(t)) })
	t.Run("PaymentsAndAudit", func(t *testing.T) { testPayments(t, newStore(t)) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, newStore(t)) })
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetBill(ctx, "missing")
	if !apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		t.Errorf("expected not found for bill, got %v", err)
	}
	_, err = s.GetCreditor(ctx, "missing")
	if !apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		t.Errorf("expected not found for creditor, got %v", err)
	}
	b, err := s.BillForOccurrence(ctx, "missing", calendar.Date(2024, 1, 31))
	if err != nil || b != nil {
		t.Errorf("expected nil bill without error, got %v, %v", b, err)
	}
}

func testSequence(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)
	other := NewFixture()
	other.Seed(t, s)

	var got []uint64
	for i := 0; i < 3; i++ {
		err := s.Atomically(ctx, func(tx store.Tx) error {
			seq, err := tx.NextSequence(ctx, f.Creditor.ID)
			got = append(got, seq)
			return err
		})
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("expected 1,2,3 got %v", got)
	}

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(tx store.Tx) error {
		if _, err := tx.NextSequence(ctx, f.Creditor.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to surface, got %v", err)
	}

	c, err := s.GetCreditor(ctx, f.Creditor.ID)
	if err != nil {
		t.Fatalf("GetCreditor failed: %v", err)
	}
	if c.ReferenceSequence != 3 {
		t.Errorf("rolled back increment must not persist, sequence is %d", c.ReferenceSequence)
	}

	o, _ := s.GetCreditor(ctx, other.Creditor.ID)
	if o.ReferenceSequence != 0 {
		t.Errorf("other creditor's sequence must be untouched, got %d", o.ReferenceSequence)
	}

	err = s.Atomically(ctx, func(tx store.Tx) error {
		_, err := tx.NextSequence(ctx, "missing")
		return err
	})
	if !apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		t.Errorf("expected not found for unknown creditor, got %v", err)
	}
}

func testCreateBill(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)
	occ := calendar.Date(2024, 1, 31)

	bill := f.NewBill("RF740000000001", occ)
	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.CreateBill(ctx, bill) }); err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}

	got, err := s.GetBill(ctx, bill.ID)
	if err != nil {
		t.Fatalf("GetBill failed: %v", err)
	}
	if got.Reference != "RF740000000001" || !got.Amount.Equal(decimal.RequireFromString("1250")) || got.Status != models.StatusSent {
		t.Errorf("unexpected stored bill %+v", got)
	}

	sameOccurrence := f.NewBill("RF470000000002", occ)
	err = s.Atomically(ctx, func(tx store.Tx) error { return tx.CreateBill(ctx, sameOccurrence) })
	if !store.IsDuplicate(err) {
		t.Errorf("expected duplicate for same template occurrence, got %v", err)
	}

	sameReference := f.NewBill("RF740000000001", calendar.Date(2024, 2, 29))
	err = s.Atomically(ctx, func(tx store.Tx) error { return tx.CreateBill(ctx, sameReference) })
	if !store.IsDuplicate(err) {
		t.Errorf("expected duplicate for same creditor reference, got %v", err)
	}

	found, err := s.BillForOccurrence(ctx, f.Template.ID, occ)
	if err != nil || found == nil || found.ID != bill.ID {
		t.Errorf("BillForOccurrence = %v, %v", found, err)
	}
}

func testUpdateBill(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)
	bill := f.NewBill("RF740000000001", calendar.Date(2024, 1, 31))
	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.CreateBill(ctx, bill) }); err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}

	first, _ := s.GetBill(ctx, bill.ID)
	second, _ := s.GetBill(ctx, bill.ID)

	paidAt := calendar.Date(2024, 2, 5)
	first.Status = models.StatusPaid
	first.PaidAt = &paidAt
	first.PaidAmount = decimal.NewNullDecimal(first.Amount)
	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.UpdateBill(ctx, first) }); err != nil {
		t.Fatalf("UpdateBill failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", first.Version)
	}

	second.Status = models.StatusOverdue
	err := s.Atomically(ctx, func(tx store.Tx) error { return tx.UpdateBill(ctx, second) })
	if !store.IsStale(err) {
		t.Fatalf("expected stale update to be rejected, got %v", err)
	}

	stored, _ := s.GetBill(ctx, bill.ID)
	if stored.Status != models.StatusPaid || !stored.PaidAmount.Valid || !stored.PaidAmount.Decimal.Equal(bill.Amount) {
		t.Errorf("stale writer must not overwrite, got %+v", stored)
	}
}

func testAdvanceTemplate(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)

	tmpl, _ := s.GetTemplate(ctx, f.Template.ID)
	stale, _ := s.GetTemplate(ctx, f.Template.ID)

	occ := calendar.Date(2024, 1, 31)
	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.AdvanceTemplate(ctx, tmpl, occ) }); err != nil {
		t.Fatalf("AdvanceTemplate failed: %v", err)
	}
	if tmpl.LastGenerated == nil || !tmpl.LastGenerated.Equal(occ) {
		t.Errorf("expected caller's template to be updated, got %v", tmpl.LastGenerated)
	}

	err := s.Atomically(ctx, func(tx store.Tx) error { return tx.AdvanceTemplate(ctx, stale, calendar.Date(2024, 2, 29)) })
	if !store.IsStale(err) {
		t.Fatalf("expected stale advance to be rejected, got %v", err)
	}

	stored, _ := s.GetTemplate(ctx, f.Template.ID)
	if stored.LastGenerated == nil || !stored.LastGenerated.Equal(occ) {
		t.Errorf("expected last generated %s, got %v", occ, stored.LastGenerated)
	}
	if stored.Frequency.Kind != calendar.MonthEnd {
		t.Errorf("frequency not persisted: %+v", stored.Frequency)
	}
}

func testPayments(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)
	bill := f.NewBill("RF740000000001", calendar.Date(2024, 1, 31))
	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.CreateBill(ctx, bill) }); err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}

	payment := func() *models.Payment {
		return &models.Payment{
			ID:          models.NewID(),
			BillID:      bill.ID,
			Fingerprint: "abc",
			RunID:       "run-1",
			Kind:        models.PaymentFull,
			Amount:      bill.Amount,
			ValueDate:   calendar.Date(2024, 2, 5),
			Reference:   bill.Reference,
		}
	}

	if err := s.Atomically(ctx, func(tx store.Tx) error { return tx.RecordPayment(ctx, payment()) }); err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}
	err := s.Atomically(ctx, func(tx store.Tx) error { return tx.RecordPayment(ctx, payment()) })
	if !store.IsDuplicate(err) {
		t.Errorf("expected duplicate fingerprint to be rejected, got %v", err)
	}

	has, err := s.HasPayment(ctx, bill.ID, "abc")
	if err != nil || !has {
		t.Errorf("HasPayment = %v, %v", has, err)
	}
	payments, err := s.PaymentsForBill(ctx, bill.ID)
	if err != nil || len(payments) != 1 {
		t.Errorf("expected 1 payment, got %d (%v)", len(payments), err)
	}

	billID := bill.ID
	err = s.Atomically(ctx, func(tx store.Tx) error {
		for i, outcome := range []string{"matched", "unmatched"} {
			entry := &models.AuditEntry{ID: models.NewID(), RunID: "run-1", Row: i + 1, Outcome: outcome, Amount: decimal.NewFromInt(1)}
			if outcome == "matched" {
				entry.BillID = &billID
			}
			if err := tx.RecordAudit(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RecordAudit failed: %v", err)
	}
	entries, err := s.AuditEntries(ctx, "run-1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d (%v)", len(entries), err)
	}
	if others, _ := s.AuditEntries(ctx, "run-2"); len(others) != 0 {
		t.Errorf("expected no entries for another run, got %d", len(others))
	}
}

func testQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := NewFixture()
	f.Seed(t, s)

	inactive := NewFixture().Template
	inactive.CreditorID, inactive.ContactID, inactive.Active = f.Creditor.ID, f.Contact.ID, false
	if err := store.Seed(ctx, s, nil, nil, []*models.RecurringTemplate{inactive}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	jan := f.NewBill("RF740000000001", calendar.Date(2024, 1, 31))
	feb := f.NewBill("RF470000000002", calendar.Date(2024, 2, 29))
	feb.Status = models.StatusPending
	err := s.Atomically(ctx, func(tx store.Tx) error {
		if err := tx.CreateBill(ctx, feb); err != nil {
			return err
		}
		return tx.CreateBill(ctx, jan)
	})
	if err != nil {
		t.Fatalf("CreateBill failed: %v", err)
	}

	active, err := s.ActiveTemplates(ctx)
	if err != nil || len(active) != 1 || active[0].ID != f.Template.ID {
		t.Errorf("ActiveTemplates = %v, %v", active, err)
	}

	open, err := s.BillsByStatus(ctx, models.StatusPending, models.StatusSent)
	if err != nil || len(open) != 2 {
		t.Fatalf("BillsByStatus = %d bills, %v", len(open), err)
	}
	if open[0].ID != jan.ID {
		t.Errorf("expected oldest issue date first")
	}

	sent, _ := s.BillsByStatus(ctx, models.StatusSent)
	if len(sent) != 1 || sent[0].ID != jan.ID {
		t.Errorf("expected only the january bill to be sent")
	}

	byRef, err := s.BillsByReferences(ctx, []string{"rf47 0000 0000 02", "RF000000"})
	if err != nil || len(byRef) != 1 || byRef[0].ID != feb.ID {
		t.Errorf("BillsByReferences = %v, %v", byRef, err)
	}
	if none, _ := s.BillsByReferences(ctx, nil); len(none) != 0 {
		t.Errorf("expected no bills for no references, got %d", len(none))
	}

	creditors, err := s.ListCreditors(ctx)
	if err != nil || len(creditors) != 1 {
		t.Errorf("ListCreditors = %v, %v", creditors, err)
	}
}
