// Package delivery hands bills to the outside world.
//
// A Composer turns a bill and its parties into a Document: an e-mail
// shaped message carrying the payment slip data a QR bill is printed from.
// A Deliverer sends the document. Rendering the slip as an image or PDF and
// talking SMTP belong to the Deliverer behind this interface; the package
// ships a spool directory and a logging implementation.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Kind distinguishes the documents the engine sends.
type Kind string

const (
	// KindInvoice goes to the contact, with the creditor in copy.
	KindInvoice Kind = "invoice"
	// KindOverdueReminder goes to the creditor.
	KindOverdueReminder Kind = "overdue_reminder"
)

// Deliverer sends documents. Deliver must be safe to retry with the same
// document: a bill whose state update failed after delivery is delivered
// again on the next run.
type Deliverer interface {
	Deliver(ctx context.Context, doc Document) error
}

// PaymentSlip holds what a QR bill payment part prints.
type PaymentSlip struct {
	Account               string         `json:"account"`
	CreditorName          string         `json:"creditor_name"`
	CreditorAddress       models.Address `json:"creditor_address"`
	DebtorName            string         `json:"debtor_name"`
	DebtorAddress         models.Address `json:"debtor_address"`
	Amount                string         `json:"amount"`
	Currency              string         `json:"currency"`
	Reference             string         `json:"reference"`
	ReferenceScheme       string         `json:"reference_scheme"`
	AdditionalInformation string         `json:"additional_information,omitempty"`
	Language              string         `json:"language,omitempty"`
}

// Document is one message about one bill.
type Document struct {
	Kind      Kind        `json:"kind"`
	BillID    string      `json:"bill_id"`
	Reference string      `json:"reference"`
	From      string      `json:"from"`
	To        []string    `json:"to"`
	Cc        []string    `json:"cc,omitempty"`
	Subject   string      `json:"subject"`
	Body      string      `json:"body"`
	Slip      PaymentSlip `json:"slip"`
	CreatedAt time.Time   `json:"created_at"`
}

// Name identifies the document; it is stable for a bill and kind.
func (d Document) Name() string {
	return fmt.Sprintf("%s-%s", d.Kind, d.BillID)
}

// Templates holds the text/template sources of the messages.
type Templates struct {
	InvoiceSubject string `mapstructure:"invoice_subject"`
	InvoiceBody    string `mapstructure:"invoice_body"`
	OverdueSubject string `mapstructure:"overdue_subject"`
	OverdueBody    string `mapstructure:"overdue_body"`
}

// DefaultTemplates returns plain English messages.
func DefaultTemplates() Templates {
	return Templates{
		InvoiceSubject: `Bill {{ref .Bill.Reference}} from {{.Creditor.Name}}`,
		InvoiceBody: `Dear {{.Contact.Name}},

please find the details of your bill{{with .Bill.AdditionalInformation}} for {{.}}{{end}} below.

Amount:    {{money .Bill.Amount}} {{.Bill.Currency}}
Due date:  {{date .Bill.DueDate}}
Account:   {{.Slip.Account}}
Reference: {{ref .Bill.Reference}}

Kind regards,
{{.Creditor.Name}}
`,
		OverdueSubject: `Overdue: bill {{ref .Bill.Reference}} to {{.Contact.Name}}`,
		OverdueBody: `The bill {{ref .Bill.Reference}} of {{money .Bill.Amount}} {{.Bill.Currency}} to {{.Contact.Name}} was due on {{date .Bill.DueDate}} and is still open.
{{- if .Bill.AppliedAmount.IsPositive}}
Partial payments of {{money .Bill.AppliedAmount}} {{.Bill.Currency}} were received; {{money .Bill.Outstanding}} {{.Bill.Currency}} is outstanding.
{{- end}}
`,
	}
}

// MessageData is the data the templates are executed with.
type MessageData struct {
	Bill     *models.Bill
	Creditor *models.Creditor
	Contact  *models.Contact
	Slip     PaymentSlip
}

var templateFuncs = template.FuncMap{
	"ref":   reference.Format,
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"date":  func(t time.Time) string { return t.Format(time.DateOnly) },
	"upper": strings.ToUpper,
}

// Composer renders documents from bills.
type Composer struct {
	invoiceSubject *template.Template
	invoiceBody    *template.Template
	overdueSubject *template.Template
	overdueBody    *template.Template
	now            func() time.Time
}

// NewComposer parses the templates. Empty sources fall back to the
// defaults.
func NewComposer(t Templates) (*Composer, error) {
	defaults := DefaultTemplates()
	pick := func(s, fallback string) string {
		if strings.TrimSpace(s) == "" {
			return fallback
		}
		return s
	}

	c := &Composer{now: time.Now}
	for _, def := range []struct {
		name   string
		source string
		dst    **template.Template
	}{
		{"invoice_subject", pick(t.InvoiceSubject, defaults.InvoiceSubject), &c.invoiceSubject},
		{"invoice_body", pick(t.InvoiceBody, defaults.InvoiceBody), &c.invoiceBody},
		{"overdue_subject", pick(t.OverdueSubject, defaults.OverdueSubject), &c.overdueSubject},
		{"overdue_body", pick(t.OverdueBody, defaults.OverdueBody), &c.overdueBody},
	} {
		tmpl, err := template.New(def.name).Funcs(templateFuncs).Option("missingkey=error").Parse(def.source)
		if err != nil {
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "templates."+def.name, nil, err)
		}
		*def.dst = tmpl
	}
	return c, nil
}

// ComposeInvoice builds the message sending bill to its contact.
func (c *Composer) ComposeInvoice(bill *models.Bill, creditor *models.Creditor, contact *models.Contact) (Document, error) {
	doc, err := c.compose(KindInvoice, c.invoiceSubject, c.invoiceBody, bill, creditor, contact)
	if err != nil {
		return Document{}, err
	}
	doc.To = nonEmpty(contact.Email)
	doc.Cc = nonEmpty(creditor.Email)
	if len(doc.To) == 0 {
		return Document{}, apperrors.InvalidArgument("contact.email", "contact has no e-mail address").
			WithContext("bill_id", bill.ID).
			WithContext("contact_id", contact.ID)
	}
	return doc, nil
}

// ComposeOverdueReminder builds the message telling the creditor bill is
// overdue.
func (c *Composer) ComposeOverdueReminder(bill *models.Bill, creditor *models.Creditor, contact *models.Contact) (Document, error) {
	doc, err := c.compose(KindOverdueReminder, c.overdueSubject, c.overdueBody, bill, creditor, contact)
	if err != nil {
		return Document{}, err
	}
	doc.To = nonEmpty(creditor.Email)
	if len(doc.To) == 0 {
		return Document{}, apperrors.InvalidArgument("creditor.email", "creditor has no e-mail address").
			WithContext("bill_id", bill.ID).
			WithContext("creditor_id", creditor.ID)
	}
	return doc, nil
}

func (c *Composer) compose(kind Kind, subject, body *template.Template, bill *models.Bill, creditor *models.Creditor, contact *models.Contact) (Document, error) {
	data := MessageData{
		Bill:     bill,
		Creditor: creditor,
		Contact:  contact,
		Slip:     Slip(bill, creditor, contact),
	}

	var s, b bytes.Buffer
	if err := subject.Execute(&s, data); err != nil {
		return Document{}, apperrors.InternalError("render "+subject.Name(), err).WithContext("bill_id", bill.ID)
	}
	if err := body.Execute(&b, data); err != nil {
		return Document{}, apperrors.InternalError("render "+body.Name(), err).WithContext("bill_id", bill.ID)
	}

	return Document{
		Kind:      kind,
		BillID:    bill.ID,
		Reference: bill.Reference,
		From:      creditor.Email,
		Subject:   strings.TrimSpace(s.String()),
		Body:      b.String(),
		Slip:      data.Slip,
		CreatedAt: c.now(),
	}, nil
}

// Slip collects the payment part of bill. Bills with a QR reference are
// paid to the QR-IBAN, all others to the IBAN.
func Slip(bill *models.Bill, creditor *models.Creditor, contact *models.Contact) PaymentSlip {
	account := creditor.IBAN
	if bill.ReferenceScheme == reference.SchemeQR && creditor.QRIBAN != "" {
		account = creditor.QRIBAN
	}
	return PaymentSlip{
		Account:               reference.Normalize(account),
		CreditorName:          creditor.Name,
		CreditorAddress:       creditor.Address,
		DebtorName:            contact.Name,
		DebtorAddress:         contact.Address,
		Amount:                bill.Amount.StringFixed(2),
		Currency:              bill.Currency,
		Reference:             reference.Format(bill.Reference),
		ReferenceScheme:       string(bill.ReferenceScheme),
		AdditionalInformation: bill.AdditionalInformation,
		Language:              bill.Language,
	}
}

func nonEmpty(addresses ...string) []string {
	var out []string
	for _, a := range addresses {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
