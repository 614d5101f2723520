package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

func TestParseBillStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected BillStatus
		wantErr  bool
	}{
		{"pending", StatusPending, false},
		{" Sent ", StatusSent, false},
		{"OVERDUE", StatusOverdue, false},
		{"paid", StatusPaid, false},
		{"cancelled", StatusCancelled, false},
		{"draft", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBillStatus(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBillStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseBillStatus() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBillStatusTerminal(t *testing.T) {
	for status, terminal := range map[BillStatus]bool{
		StatusPending:   false,
		StatusSent:      false,
		StatusOverdue:   false,
		StatusPaid:      true,
		StatusCancelled: true,
	} {
		if status.IsTerminal() != terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, !terminal, terminal)
		}
	}
}

func TestBillOutstandingAndPastDue(t *testing.T) {
	bill := &Bill{
		Amount:        decimal.RequireFromString("100.00"),
		AppliedAmount: decimal.RequireFromString("30.00"),
		DueDate:       calendar.Date(2024, 2, 29),
	}

	if !bill.Outstanding().Equal(decimal.RequireFromString("70")) {
		t.Errorf("expected 70 outstanding, got %s", bill.Outstanding())
	}

	bill.AppliedAmount = decimal.RequireFromString("120")
	if !bill.Outstanding().IsZero() {
		t.Errorf("expected nothing outstanding, got %s", bill.Outstanding())
	}

	if bill.PastDue(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)) {
		t.Error("bill is not past due on its due date")
	}
	if !bill.PastDue(calendar.Date(2024, 3, 1)) {
		t.Error("bill should be past due the day after")
	}
}

func TestCreditorNamespaceAndAccounts(t *testing.T) {
	c := &Creditor{IBAN: "CH93 0076 2011 6238 5295 7", ReferencePrefix: "42"}
	if ns := c.Namespace(); ns.QR || ns.Prefix != "42" {
		t.Errorf("unexpected namespace %+v", ns)
	}
	if !c.OwnsAccount("ch9300762011623852957") {
		t.Error("expected IBAN to be recognized regardless of spacing and case")
	}
	if c.OwnsAccount("") {
		t.Error("empty account never matches")
	}

	c.QRIBAN = "CH4431999123000889012"
	if !c.Namespace().QR {
		t.Error("creditor with a QR-IBAN must use QR references")
	}
	if !c.OwnsAccount("CH44 3199 9123 0008 8901 2") {
		t.Error("expected QR-IBAN to be recognized")
	}
}

func TestTransactionFingerprint(t *testing.T) {
	tx := &Transaction{
		ValueDate: calendar.Date(2024, 3, 5),
		Amount:    decimal.RequireFromString("150.5"),
	}
	same := &Transaction{
		Row:            7,
		ValueDate:      calendar.Date(2024, 3, 5),
		Amount:         decimal.RequireFromString("150.50"),
		RemittanceText: "different text",
	}

	if tx.Fingerprint("RF18539007547034") != same.Fingerprint("rf18 5390 0754 7034") {
		t.Error("fingerprint must depend only on date, amount and normalized reference")
	}

	other := &Transaction{ValueDate: calendar.Date(2024, 3, 6), Amount: tx.Amount}
	if tx.Fingerprint("RF18539007547034") == other.Fingerprint("RF18539007547034") {
		t.Error("different value dates must not share a fingerprint")
	}
	fraction := &Transaction{ValueDate: tx.ValueDate, Amount: decimal.RequireFromString("150.504")}
	if tx.Fingerprint("RF18539007547034") == fraction.Fingerprint("RF18539007547034") {
		t.Error("amounts differing below a cent must not share a fingerprint")
	}
	if len(tx.Fingerprint("X")) != 64 {
		t.Error("expected hex encoded sha256")
	}
}

func TestTransactionValidate(t *testing.T) {
	tests := []struct {
		name    string
		tx      Transaction
		wantErr bool
	}{
		{"valid", Transaction{ValueDate: calendar.Date(2024, 1, 1), Amount: decimal.NewFromInt(5), Currency: "CHF"}, false},
		{"zero date", Transaction{Amount: decimal.NewFromInt(5)}, true},
		{"debit", Transaction{ValueDate: calendar.Date(2024, 1, 1), Amount: decimal.NewFromInt(-5)}, true},
		{"bad currency", Transaction{ValueDate: calendar.Date(2024, 1, 1), Amount: decimal.NewFromInt(5), Currency: "FRANC"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.tx.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input        string
		decimalComma bool
		expected     string
		wantErr      bool
	}{
		{"100.00", false, "100", false},
		{"1,234.56", false, "1234.56", false},
		{"1'234.56", false, "1234.56", false},
		{"1.234,56", true, "1234.56", false},
		{"1234,5", true, "1234.5", false},
		{" 42 ", false, "42", false},
		{"", false, "", true},
		{"abc", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimalComma)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("ParseAmount() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input   string
		layouts []string
		want    time.Time
		wantErr bool
	}{
		{"2024-03-05", nil, calendar.Date(2024, 3, 5), false},
		{"05.03.2024", nil, calendar.Date(2024, 3, 5), false},
		{"5.3.2024", nil, calendar.Date(2024, 3, 5), false},
		{"2024-03-05T10:00:00+01:00", nil, calendar.Date(2024, 3, 5), false},
		{"03/05/2024", []string{"01/02/2006"}, calendar.Date(2024, 3, 5), false},
		{"yesterday", nil, time.Time{}, true},
		{"", nil, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDate(tt.input, tt.layouts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateCreditor(t *testing.T) {
	valid := Creditor{
		Name:    "Acme",
		Email:   "billing@acme.example",
		IBAN:    "CH9300762011623852957",
		QRIBAN:  "CH4431999123000889012",
		Address: Address{Country: "CH"},
	}
	if err := ValidateCreditor(&valid); err != nil {
		t.Fatalf("expected valid creditor, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Creditor)
		code   apperrors.ErrorCode
	}{
		{"bad iban", func(c *Creditor) { c.IBAN = "CH9300762011623852958" }, apperrors.CodeInvalidIBAN},
		{"qr iban outside range", func(c *Creditor) { c.QRIBAN = "CH9300762011623852957" }, apperrors.CodeInvalidIBAN},
		{"missing name", func(c *Creditor) { c.Name = "" }, apperrors.CodeMissingField},
		{"bad email", func(c *Creditor) { c.Email = "nope" }, apperrors.CodeMalformedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := ValidateCreditor(&c)
			appErr, ok := apperrors.AsAppError(err)
			if !ok {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Category != apperrors.CategoryValidation {
				t.Errorf("expected validation category, got %s", appErr.Category)
			}
			if appErr.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, appErr.Code)
			}
		})
	}
}

func TestValidateTemplate(t *testing.T) {
	tmpl := RecurringTemplate{
		CreditorID: "c",
		ContactID:  "k",
		Amount:     decimal.NewFromInt(100),
		Currency:   "CHF",
		Frequency:  calendar.Rule{Kind: calendar.MonthEnd},
		StartDate:  calendar.Date(2024, 1, 15),
	}
	if err := ValidateTemplate(&tmpl); err != nil {
		t.Fatalf("expected valid template, got %v", err)
	}

	tmpl.Amount = decimal.Zero
	if err := ValidateTemplate(&tmpl); !apperrors.IsCategory(err, apperrors.CategoryValidation) {
		t.Errorf("expected validation error for zero amount, got %v", err)
	}

	tmpl.Amount = decimal.NewFromInt(100)
	tmpl.Frequency = calendar.Rule{Kind: "Hour"}
	if err := ValidateTemplate(&tmpl); err == nil {
		t.Error("expected unknown frequency to be rejected")
	}

	tmpl.Frequency = calendar.Rule{Kind: calendar.MonthEnd}
	tmpl.Currency = "XXXX"
	if err := ValidateTemplate(&tmpl); err == nil {
		t.Error("expected invalid currency to be rejected")
	}
}
