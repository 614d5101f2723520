package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/reference"
)

// BillStatus represents the lifecycle state of a bill
type BillStatus string

const (
	StatusPending   BillStatus = "pending"
	StatusSent      BillStatus = "sent"
	StatusOverdue   BillStatus = "overdue"
	StatusPaid      BillStatus = "paid"
	StatusCancelled BillStatus = "cancelled"
)

// String returns the string representation of BillStatus
func (s BillStatus) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known states
func (s BillStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusOverdue, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave the status
func (s BillStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// ParseBillStatus parses a status name case-insensitively
func ParseBillStatus(s string) (BillStatus, error) {
	status := BillStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid bill status '%s'", s)
	}
	return status, nil
}

// Address is a postal address, embedded in creditors and contacts
type Address struct {
	Street     string `gorm:"size:255" json:"street,omitempty"`
	PostalCode string `gorm:"size:20" json:"postal_code,omitempty"`
	City       string `gorm:"size:100" json:"city,omitempty"`
	Country    string `gorm:"size:2" json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
}

// Creditor issues bills and owns the reference sequence they draw from
type Creditor struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	Name              string    `gorm:"size:255;not null" json:"name" validate:"required"`
	Email             string    `gorm:"size:255" json:"email,omitempty" validate:"omitempty,email"`
	IBAN              string    `gorm:"column:iban;size:34;not null" json:"iban" validate:"required,iban"`
	QRIBAN            string    `gorm:"column:qr_iban;size:34" json:"qr_iban,omitempty" validate:"omitempty,qriban"`
	Address           Address   `gorm:"embedded" json:"address"`
	ReferencePrefix   string    `gorm:"size:16" json:"reference_prefix,omitempty" validate:"omitempty,alphanum,max=11"`
	ReferenceSequence uint64    `gorm:"not null" json:"reference_sequence"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Namespace snapshots the fields that shape this creditor's references
func (c *Creditor) Namespace() reference.Namespace {
	return reference.Namespace{
		Prefix: c.ReferencePrefix,
		QR:     strings.TrimSpace(c.QRIBAN) != "",
	}
}

// OwnsAccount reports whether account is the creditor's IBAN or QR-IBAN
func (c *Creditor) OwnsAccount(account string) bool {
	account = reference.Normalize(account)
	if account == "" {
		return false
	}
	return account == reference.Normalize(c.IBAN) || (c.QRIBAN != "" && account == reference.Normalize(c.QRIBAN))
}

// Contact is a billed party
type Contact struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" validate:"required"`
	Email     string    `gorm:"size:255" json:"email,omitempty" validate:"omitempty,email"`
	Address   Address   `gorm:"embedded" json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bill is a single invoice. Reference is assigned once at creation.
type Bill struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	CreditorID string `gorm:"size:36;not null;uniqueIndex:idx_bill_creditor_reference,priority:1" json:"creditor_id" validate:"required"`
	ContactID  string `gorm:"size:36;not null;index" json:"contact_id" validate:"required"`

	// TemplateID and Occurrence are set for generated bills and form the
	// natural key of generation.
	TemplateID *string    `gorm:"size:36;uniqueIndex:idx_bill_template_occurrence,priority:1" json:"template_id,omitempty"`
	Occurrence *time.Time `gorm:"uniqueIndex:idx_bill_template_occurrence,priority:2" json:"occurrence,omitempty"`

	SequenceNo            uint64              `gorm:"not null" json:"sequence_no"`
	Amount                decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency              string              `gorm:"size:3;not null" json:"currency" validate:"required,iso4217"`
	Language              string              `gorm:"size:8" json:"language,omitempty"`
	AdditionalInformation string              `gorm:"type:text" json:"additional_information,omitempty"`
	Reference             string              `gorm:"size:27;not null;uniqueIndex:idx_bill_creditor_reference,priority:2" json:"reference" validate:"required"`
	ReferenceScheme       reference.Scheme    `gorm:"size:2;not null" json:"reference_scheme"`
	Status                BillStatus          `gorm:"size:16;not null;index" json:"status"`
	IssueDate             time.Time           `gorm:"not null" json:"issue_date"`
	DueDate               time.Time           `gorm:"not null;index" json:"due_date"`
	SentAt                *time.Time          `json:"sent_at,omitempty"`
	PaidAt                *time.Time          `json:"paid_at,omitempty"`
	PaidAmount            decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"paid_amount"`
	AppliedAmount         decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"applied_amount"`
	Overpayment           decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"overpayment"`
	Version               int                 `gorm:"not null" json:"version"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// IsOpen reports whether the bill can still receive payments
func (b *Bill) IsOpen() bool {
	return !b.Status.IsTerminal()
}

// Outstanding returns the amount still owed after partial payments
func (b *Bill) Outstanding() decimal.Decimal {
	remaining := b.Amount.Sub(b.AppliedAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// PastDue reports whether now is after the due date
func (b *Bill) PastDue(now time.Time) bool {
	return calendar.Day(now).After(calendar.Day(b.DueDate))
}

// String returns a string representation of the Bill
func (b *Bill) String() string {
	return fmt.Sprintf("Bill{ID: %s, Reference: %s, Amount: %s %s, Status: %s, Due: %s}",
		b.ID, b.Reference, b.Amount.StringFixed(2), b.Currency, b.Status, b.DueDate.Format(time.DateOnly))
}

// RecurringTemplate produces one bill per occurrence of its frequency rule
type RecurringTemplate struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	CreditorID          string          `gorm:"size:36;not null;index" json:"creditor_id" validate:"required"`
	ContactID           string          `gorm:"size:36;not null" json:"contact_id" validate:"required"`
	Amount              decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency            string          `gorm:"size:3;not null" json:"currency" validate:"required,iso4217"`
	Language            string          `gorm:"size:8" json:"language,omitempty"`
	DescriptionTemplate string          `gorm:"type:text" json:"description_template,omitempty"`
	Frequency           calendar.Rule   `gorm:"embedded;embeddedPrefix:frequency_" json:"frequency"`
	StartDate           time.Time       `gorm:"not null" json:"start_date" validate:"required"`
	Active              bool            `gorm:"not null;index" json:"active"`
	LastGenerated       *time.Time      `json:"last_generated,omitempty"`
	Version             int             `gorm:"not null" json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// PaymentKind classifies an applied payment
type PaymentKind string

const (
	PaymentFull        PaymentKind = "full"
	PaymentPartial     PaymentKind = "partial"
	PaymentOverpayment PaymentKind = "overpayment"
)

// Payment records a transaction applied to a bill. The fingerprint makes
// applying the same transaction twice detectable.
type Payment struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	BillID      string          `gorm:"size:36;not null;uniqueIndex:idx_payment_bill_fingerprint,priority:1" json:"bill_id"`
	Fingerprint string          `gorm:"size:64;not null;uniqueIndex:idx_payment_bill_fingerprint,priority:2" json:"fingerprint"`
	RunID       string          `gorm:"size:36;index" json:"run_id"`
	Kind        PaymentKind     `gorm:"size:16;not null" json:"kind"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ValueDate   time.Time       `gorm:"not null" json:"value_date"`
	Reference   string          `gorm:"size:27;not null" json:"reference"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditEntry persists the outcome of one reconciled transaction
type AuditEntry struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	RunID      string          `gorm:"size:36;not null;index" json:"run_id"`
	Row        int             `gorm:"column:line" json:"row"`
	Outcome    string          `gorm:"size:32;not null;index" json:"outcome"`
	Reason     string          `gorm:"size:64" json:"reason,omitempty"`
	Reference  string          `gorm:"size:32" json:"reference,omitempty"`
	BillID     *string         `gorm:"size:36" json:"bill_id,omitempty"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	ValueDate  time.Time       `json:"value_date"`
	Payer      string          `gorm:"type:text" json:"payer,omitempty"`
	Remittance string          `gorm:"type:text" json:"remittance,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transaction is a credit parsed from a bank export. It is never persisted.
type Transaction struct {
	Row             int             `json:"row"`
	ValueDate       time.Time       `json:"value_date"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	CreditorAccount string          `json:"creditor_account,omitempty"`
	PayerText       string          `json:"payer,omitempty"`
	RemittanceText  string          `json:"remittance,omitempty"`
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if t.ValueDate.IsZero() {
		return fmt.Errorf("transaction value date cannot be zero")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive, got %s", t.Amount.String())
	}
	if t.Currency != "" && len(t.Currency) != 3 {
		return fmt.Errorf("invalid currency code '%s'", t.Currency)
	}
	return nil
}

// Fingerprint identifies the transaction as applied to ref: the same
// value date, exact amount and reference always hash to the same value.
func (t *Transaction) Fingerprint(ref string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		t.ValueDate.Format(time.DateOnly), t.Amount.String(), reference.Normalize(ref))))
	return hex.EncodeToString(sum[:])
}

// String returns a string representation of the Transaction
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{Row: %d, Amount: %s %s, Date: %s}",
		t.Row, t.Amount.StringFixed(2), t.Currency, t.ValueDate.Format(time.DateOnly))
}

// NewID returns a fresh entity identifier
func NewID() string {
	return uuid.NewString()
}

// AllModels lists every persisted model, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&Creditor{},
		&Contact{},
		&RecurringTemplate{},
		&Bill{},
		&Payment{},
		&AuditEntry{},
	}
}
