package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

func parties() (*models.Bill, *models.Creditor, *models.Contact) {
	creditor := &models.Creditor{
		ID:     "cr-1",
		Name:   "Acme Rentals",
		Email:  "billing@acme.example",
		IBAN:   "CH9300762011623852957",
		QRIBAN: "CH4431999123000889012",
		Address: models.Address{
			Street: "Bahnhofstrasse 1", PostalCode: "8001", City: "Zürich", Country: "CH",
		},
	}
	contact := &models.Contact{ID: "ct-1", Name: "Jane Tenant", Email: "jane@example.com"}
	bill := &models.Bill{
		ID:                    "b-1",
		CreditorID:            creditor.ID,
		ContactID:             contact.ID,
		Amount:                decimal.RequireFromString("1250"),
		Currency:              "CHF",
		AdditionalInformation: "Rent 2024Q1",
		Reference:             "RF740000000001",
		ReferenceScheme:       reference.SchemeRF,
		Status:                models.StatusPending,
		DueDate:               calendar.Date(2024, 2, 29),
		AppliedAmount:         decimal.Zero,
	}
	return bill, creditor, contact
}

func newComposer(t *testing.T, tmpl Templates) *Composer {
	t.Helper()
	c, err := NewComposer(tmpl)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	return c
}

func TestComposeInvoice(t *testing.T) {
	bill, creditor, contact := parties()
	doc, err := newComposer(t, Templates{}).ComposeInvoice(bill, creditor, contact)
	if err != nil {
		t.Fatalf("ComposeInvoice failed: %v", err)
	}

	if doc.Kind != KindInvoice || doc.Name() != "invoice-b-1" {
		t.Errorf("unexpected identity: %s %s", doc.Kind, doc.Name())
	}
	if doc.From != creditor.Email || len(doc.To) != 1 || doc.To[0] != contact.Email {
		t.Errorf("unexpected addressing: from %s to %v", doc.From, doc.To)
	}
	if len(doc.Cc) != 1 || doc.Cc[0] != creditor.Email {
		t.Errorf("expected creditor in copy, got %v", doc.Cc)
	}
	if doc.Subject != "Bill RF74 0000 0000 01 from Acme Rentals" {
		t.Errorf("unexpected subject %q", doc.Subject)
	}
	for _, want := range []string{"Dear Jane Tenant", "for Rent 2024Q1", "1250.00 CHF", "2024-02-29", "CH9300762011623852957"} {
		if !strings.Contains(doc.Body, want) {
			t.Errorf("body missing %q:\n%s", want, doc.Body)
		}
	}
	if doc.Slip.Account != creditor.IBAN {
		t.Errorf("RF bills are paid to the IBAN, got %s", doc.Slip.Account)
	}
	if doc.Slip.Reference != "RF74 0000 0000 01" || doc.Slip.Amount != "1250.00" {
		t.Errorf("unexpected slip %+v", doc.Slip)
	}
}

func TestSlipUsesQRIBANForQRReferences(t *testing.T) {
	bill, creditor, contact := parties()
	bill.Reference = "000000000000000000000000011"
	bill.ReferenceScheme = reference.SchemeQR

	slip := Slip(bill, creditor, contact)
	if slip.Account != creditor.QRIBAN {
		t.Errorf("expected QR-IBAN, got %s", slip.Account)
	}
	if slip.Reference != "00 00000 00000 00000 00000 00011" {
		t.Errorf("unexpected grouping %q", slip.Reference)
	}
}

func TestComposeOverdueReminder(t *testing.T) {
	bill, creditor, contact := parties()
	bill.Status = models.StatusOverdue
	bill.AppliedAmount = decimal.RequireFromString("1000")

	doc, err := newComposer(t, Templates{}).ComposeOverdueReminder(bill, creditor, contact)
	if err != nil {
		t.Fatalf("ComposeOverdueReminder failed: %v", err)
	}
	if len(doc.To) != 1 || doc.To[0] != creditor.Email || len(doc.Cc) != 0 {
		t.Errorf("reminders go to the creditor only, got to=%v cc=%v", doc.To, doc.Cc)
	}
	if !strings.Contains(doc.Body, "250.00 CHF is outstanding") {
		t.Errorf("expected outstanding amount in body:\n%s", doc.Body)
	}
}

func TestComposeRequiresRecipients(t *testing.T) {
	bill, creditor, contact := parties()
	contact.Email = ""
	c := newComposer(t, Templates{})

	if _, err := c.ComposeInvoice(bill, creditor, contact); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument without contact e-mail, got %v", err)
	}

	creditor.Email = ""
	if _, err := c.ComposeOverdueReminder(bill, creditor, contact); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument without creditor e-mail, got %v", err)
	}
}

func TestCustomTemplates(t *testing.T) {
	bill, creditor, contact := parties()
	c := newComposer(t, Templates{InvoiceSubject: "Rechnung {{ref .Bill.Reference}}"})

	doc, err := c.ComposeInvoice(bill, creditor, contact)
	if err != nil {
		t.Fatalf("ComposeInvoice failed: %v", err)
	}
	if doc.Subject != "Rechnung RF74 0000 0000 01" {
		t.Errorf("unexpected subject %q", doc.Subject)
	}

	if _, err := NewComposer(Templates{InvoiceBody: "{{.Bill.Amount"}); !apperrors.IsCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error for broken template, got %v", err)
	}

	c = newComposer(t, Templates{InvoiceBody: "{{.Bill.NoSuchField}}"})
	if _, err := c.ComposeInvoice(bill, creditor, contact); !apperrors.IsCategory(err, apperrors.CategoryInternal) {
		t.Errorf("expected render failure, got %v", err)
	}
}

func TestSpoolDeliverer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	spool, err := NewSpoolDeliverer(dir, logger.Discard())
	if err != nil {
		t.Fatalf("NewSpoolDeliverer failed: %v", err)
	}

	bill, creditor, contact := parties()
	doc, err := newComposer(t, Templates{}).ComposeInvoice(bill, creditor, contact)
	if err != nil {
		t.Fatalf("ComposeInvoice failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := spool.Deliver(ctx, doc); err != nil {
			t.Fatalf("Deliver #%d failed: %v", i+1, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one spooled file after redelivery, got %d", len(entries))
	}

	data, err := os.ReadFile(spool.Path(doc))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got Document
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("spooled file is not JSON: %v", err)
	}
	if got.BillID != bill.ID || got.Subject != doc.Subject || got.Slip.Account != creditor.IBAN {
		t.Errorf("unexpected spooled document %+v", got)
	}
}

func TestSpoolDelivererErrors(t *testing.T) {
	if _, err := NewSpoolDeliverer("", nil); !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}

	spool, err := NewSpoolDeliverer(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatalf("NewSpoolDeliverer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = spool.Deliver(ctx, Document{Kind: KindInvoice, BillID: "b-1"})
	if !apperrors.IsCategory(err, apperrors.CategoryDownstream) {
		t.Errorf("expected downstream error, got %v", err)
	}
}

func TestLogDeliverer(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&logger.Config{Level: logger.InfoLevel, Format: logger.JSONFormat, DisableTimestamp: true}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	doc := Document{Kind: KindOverdueReminder, BillID: "b-9", Reference: "RF740000000001", Subject: "Overdue"}
	if err := NewLogDeliverer(log).Deliver(context.Background(), doc); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if entry["bill_id"] != "b-9" || entry["kind"] != string(KindOverdueReminder) {
		t.Errorf("unexpected log entry %v", entry)
	}
}
