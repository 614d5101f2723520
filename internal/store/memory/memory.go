// Package memory is an in-process store. Atomic units run against a copy of
// the data that replaces the committed state only when the unit succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

type state struct {
	creditors map[string]models.Creditor
	contacts  map[string]models.Contact
	templates map[string]models.RecurringTemplate
	bills     map[string]models.Bill
	payments  map[string]models.Payment
	audits    []models.AuditEntry
}

func newState() *state {
	return &state{
		creditors: make(map[string]models.Creditor),
		contacts:  make(map[string]models.Contact),
		templates: make(map[string]models.RecurringTemplate),
		bills:     make(map[string]models.Bill),
		payments:  make(map[string]models.Payment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.creditors {
		c.creditors[k] = v
	}
	for k, v := range s.contacts {
		c.contacts[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.bills {
		c.bills[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.audits = append([]models.AuditEntry(nil), s.audits...)
	return c
}

// Atomically runs fn against a private copy and commits it on success.
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return store.Failed("begin", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&tx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) read() *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// The committed state is never mutated after publication, so reads work on
// the snapshot returned by read without holding the lock.

func (s *Store) GetCreditor(ctx context.Context, id string) (*models.Creditor, error) {
	return s.read().getCreditor(id)
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	return s.read().getContact(id)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	return s.read().getTemplate(id)
}

func (s *Store) GetBill(ctx context.Context, id string) (*models.Bill, error) {
	return s.read().getBill(id)
}

func (s *Store) ListCreditors(ctx context.Context) ([]*models.Creditor, error) {
	return s.read().listCreditors(), nil
}

func (s *Store) ActiveTemplates(ctx context.Context) ([]*models.RecurringTemplate, error) {
	return s.read().activeTemplates(), nil
}

func (s *Store) BillsByStatus(ctx context.Context, statuses ...models.BillStatus) ([]*models.Bill, error) {
	return s.read().billsByStatus(statuses), nil
}

func (s *Store) BillsByReferences(ctx context.Context, references []string) ([]*models.Bill, error) {
	return s.read().billsByReferences(references), nil
}

func (s *Store) BillForOccurrence(ctx context.Context, templateID string, occurrence time.Time) (*models.Bill, error) {
	return s.read().billForOccurrence(templateID, occurrence), nil
}

func (s *Store) HasPayment(ctx context.Context, billID, fingerprint string) (bool, error) {
	return s.read().hasPayment(billID, fingerprint), nil
}

func (s *Store) PaymentsForBill(ctx context.Context, billID string) ([]*models.Payment, error) {
	return s.read().paymentsForBill(billID), nil
}

func (s *Store) AuditEntries(ctx context.Context, runID string) ([]*models.AuditEntry, error) {
	return s.read().auditEntries(runID), nil
}

func (s *state) getCreditor(id string) (*models.Creditor, error) {
	c, ok := s.creditors[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeCreditorNotFound, "creditor", id)
	}
	return &c, nil
}

func (s *state) getContact(id string) (*models.Contact, error) {
	c, ok := s.contacts[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeContactNotFound, "contact", id)
	}
	return &c, nil
}

func (s *state) getTemplate(id string) (*models.RecurringTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeTemplateNotFound, "template", id)
	}
	return &t, nil
}

func (s *state) getBill(id string) (*models.Bill, error) {
	b, ok := s.bills[id]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeBillNotFound, "bill", id)
	}
	return &b, nil
}

func (s *state) listCreditors() []*models.Creditor {
	out := make([]*models.Creditor, 0, len(s.creditors))
	for _, c := range s.creditors {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) activeTemplates() []*models.RecurringTemplate {
	var out []*models.RecurringTemplate
	for _, t := range s.templates {
		if t.Active {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) billsByStatus(statuses []models.BillStatus) []*models.Bill {
	wanted := make(map[models.BillStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []*models.Bill
	for _, b := range s.bills {
		if wanted[b.Status] {
			b := b
			out = append(out, &b)
		}
	}
	sortBills(out)
	return out
}

func (s *state) billsByReferences(references []string) []*models.Bill {
	wanted := make(map[string]bool, len(references))
	for _, r := range references {
		wanted[reference.Normalize(r)] = true
	}
	var out []*models.Bill
	for _, b := range s.bills {
		if wanted[b.Reference] {
			b := b
			out = append(out, &b)
		}
	}
	sortBills(out)
	return out
}

func (s *state) billForOccurrence(templateID string, occurrence time.Time) *models.Bill {
	for _, b := range s.bills {
		if b.TemplateID != nil && *b.TemplateID == templateID && b.Occurrence != nil && b.Occurrence.Equal(occurrence) {
			return &b
		}
	}
	return nil
}

func (s *state) hasPayment(billID, fingerprint string) bool {
	for _, p := range s.payments {
		if p.BillID == billID && p.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func (s *state) paymentsForBill(billID string) []*models.Payment {
	var out []*models.Payment
	for _, p := range s.payments {
		if p.BillID == billID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValueDate.Before(out[j].ValueDate) })
	return out
}

func (s *state) auditEntries(runID string) []*models.AuditEntry {
	var out []*models.AuditEntry
	for _, e := range s.audits {
		if e.RunID == runID {
			e := e
			out = append(out, &e)
		}
	}
	return out
}

func sortBills(bills []*models.Bill) {
	sort.Slice(bills, func(i, j int) bool {
		if !bills[i].IssueDate.Equal(bills[j].IssueDate) {
			return bills[i].IssueDate.Before(bills[j].IssueDate)
		}
		return bills[i].Reference < bills[j].Reference
	})
}

// tx works on a staged copy owned by the surrounding Atomically call.
type tx struct {
	state *state
}

func (t *tx) GetCreditor(ctx context.Context, id string) (*models.Creditor, error) {
	return t.state.getCreditor(id)
}

func (t *tx) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	return t.state.getContact(id)
}

func (t *tx) GetTemplate(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	return t.state.getTemplate(id)
}

func (t *tx) GetBill(ctx context.Context, id string) (*models.Bill, error) {
	return t.state.getBill(id)
}

func (t *tx) ListCreditors(ctx context.Context) ([]*models.Creditor, error) {
	return t.state.listCreditors(), nil
}

func (t *tx) ActiveTemplates(ctx context.Context) ([]*models.RecurringTemplate, error) {
	return t.state.activeTemplates(), nil
}

func (t *tx) BillsByStatus(ctx context.Context, statuses ...models.BillStatus) ([]*models.Bill, error) {
	return t.state.billsByStatus(statuses), nil
}

func (t *tx) BillsByReferences(ctx context.Context, references []string) ([]*models.Bill, error) {
	return t.state.billsByReferences(references), nil
}

func (t *tx) BillForOccurrence(ctx context.Context, templateID string, occurrence time.Time) (*models.Bill, error) {
	return t.state.billForOccurrence(templateID, occurrence), nil
}

func (t *tx) HasPayment(ctx context.Context, billID, fingerprint string) (bool, error) {
	return t.state.hasPayment(billID, fingerprint), nil
}

func (t *tx) PaymentsForBill(ctx context.Context, billID string) ([]*models.Payment, error) {
	return t.state.paymentsForBill(billID), nil
}

func (t *tx) AuditEntries(ctx context.Context, runID string) ([]*models.AuditEntry, error) {
	return t.state.auditEntries(runID), nil
}

func (t *tx) SaveCreditor(ctx context.Context, c *models.Creditor) error {
	now := time.Now()
	if existing, ok := t.state.creditors[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.state.creditors[c.ID] = *c
	return nil
}

func (t *tx) SaveContact(ctx context.Context, c *models.Contact) error {
	now := time.Now()
	if existing, ok := t.state.contacts[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.state.contacts[c.ID] = *c
	return nil
}

func (t *tx) SaveTemplate(ctx context.Context, tmpl *models.RecurringTemplate) error {
	now := time.Now()
	if existing, ok := t.state.templates[tmpl.ID]; ok {
		tmpl.CreatedAt = existing.CreatedAt
	} else {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	t.state.templates[tmpl.ID] = *tmpl
	return nil
}

func (t *tx) NextSequence(ctx context.Context, creditorID string) (uint64, error) {
	c, ok := t.state.creditors[creditorID]
	if !ok {
		return 0, apperrors.NotFound(apperrors.CodeCreditorNotFound, "creditor", creditorID)
	}
	c.ReferenceSequence++
	t.state.creditors[creditorID] = c
	return c.ReferenceSequence, nil
}

func (t *tx) CreateBill(ctx context.Context, b *models.Bill) error {
	if _, ok := t.state.bills[b.ID]; ok {
		return store.Duplicate("create bill")
	}
	for _, existing := range t.state.bills {
		if existing.CreditorID == b.CreditorID && existing.Reference == b.Reference {
			return store.Duplicate("create bill")
		}
		if b.TemplateID != nil && b.Occurrence != nil && existing.TemplateID != nil && existing.Occurrence != nil &&
			*existing.TemplateID == *b.TemplateID && existing.Occurrence.Equal(*b.Occurrence) {
			return store.Duplicate("create bill")
		}
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Version == 0 {
		b.Version = 1
	}
	t.state.bills[b.ID] = *b
	return nil
}

func (t *tx) UpdateBill(ctx context.Context, b *models.Bill) error {
	existing, ok := t.state.bills[b.ID]
	if !ok {
		return apperrors.NotFound(apperrors.CodeBillNotFound, "bill", b.ID)
	}
	if existing.Version != b.Version {
		return store.Stale("update bill")
	}
	b.Version++
	b.UpdatedAt = time.Now()
	t.state.bills[b.ID] = *b
	return nil
}

func (t *tx) AdvanceTemplate(ctx context.Context, tmpl *models.RecurringTemplate, occurrence time.Time) error {
	existing, ok := t.state.templates[tmpl.ID]
	if !ok {
		return apperrors.NotFound(apperrors.CodeTemplateNotFound, "template", tmpl.ID)
	}
	if existing.Version != tmpl.Version {
		return store.Stale("advance template")
	}
	existing.LastGenerated = &occurrence
	existing.Version++
	existing.UpdatedAt = time.Now()
	t.state.templates[tmpl.ID] = existing

	tmpl.LastGenerated = existing.LastGenerated
	tmpl.Version = existing.Version
	tmpl.UpdatedAt = existing.UpdatedAt
	return nil
}

func (t *tx) RecordPayment(ctx context.Context, p *models.Payment) error {
	if t.state.hasPayment(p.BillID, p.Fingerprint) {
		return store.Duplicate("record payment")
	}
	p.CreatedAt = time.Now()
	t.state.payments[p.ID] = *p
	return nil
}

func (t *tx) RecordAudit(ctx context.Context, e *models.AuditEntry) error {
	e.CreatedAt = time.Now()
	t.state.audits = append(t.state.audits, *e)
	return nil
}
