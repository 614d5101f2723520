// Package store defines the persistence contract of the billing engine.
//
// Every mutation goes through Atomically: the callback's writes are applied
// all together or not at all. Cross-process exclusion relies on the
// compare-and-update semantics of UpdateBill and AdvanceTemplate and on the
// unique natural keys enforced by CreateBill and RecordPayment.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Enucatl/send-bills/internal/models"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

var (
	// ErrDuplicate is the cause of errors raised when a natural key
	// (bill template+occurrence, creditor+reference, payment fingerprint)
	// already exists.
	ErrDuplicate = errors.New("duplicate natural key")
	// ErrStale is the cause of errors raised when a compare-and-update
	// finds the row changed since it was read.
	ErrStale = errors.New("row changed since it was read")
)

// Reader is the read side of the store.
type Reader interface {
	GetCreditor(ctx context.Context, id string) (*models.Creditor, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetTemplate(ctx context.Context, id string) (*models.RecurringTemplate, error)
	GetBill(ctx context.Context, id string) (*models.Bill, error)

	ListCreditors(ctx context.Context) ([]*models.Creditor, error)
	// ActiveTemplates returns active templates ordered by start date.
	ActiveTemplates(ctx context.Context) ([]*models.RecurringTemplate, error)
	// BillsByStatus returns bills in any of the statuses, oldest issue first.
	BillsByStatus(ctx context.Context, statuses ...models.BillStatus) ([]*models.Bill, error)
	// BillsByReferences returns every bill, in any status and for any
	// creditor, carrying one of the references.
	BillsByReferences(ctx context.Context, references []string) ([]*models.Bill, error)
	// BillForOccurrence returns the bill generated for a template occurrence,
	// or nil when there is none.
	BillForOccurrence(ctx context.Context, templateID string, occurrence time.Time) (*models.Bill, error)
	HasPayment(ctx context.Context, billID, fingerprint string) (bool, error)
	PaymentsForBill(ctx context.Context, billID string) ([]*models.Payment, error)
	AuditEntries(ctx context.Context, runID string) ([]*models.AuditEntry, error)
}

// Tx is the view of the store inside an atomic unit.
type Tx interface {
	Reader

	SaveCreditor(ctx context.Context, c *models.Creditor) error
	SaveContact(ctx context.Context, c *models.Contact) error
	SaveTemplate(ctx context.Context, t *models.RecurringTemplate) error

	// NextSequence increments and returns the creditor's reference counter.
	NextSequence(ctx context.Context, creditorID string) (uint64, error)
	// CreateBill inserts a new bill; natural key clashes fail with ErrDuplicate.
	CreateBill(ctx context.Context, b *models.Bill) error
	// UpdateBill writes b if the stored version still equals b.Version and
	// bumps the version; otherwise it fails with ErrStale.
	UpdateBill(ctx context.Context, b *models.Bill) error
	// AdvanceTemplate sets LastGenerated to occurrence if the stored version
	// still equals t.Version; otherwise it fails with ErrStale.
	AdvanceTemplate(ctx context.Context, t *models.RecurringTemplate, occurrence time.Time) error
	// RecordPayment stores a payment; a repeated fingerprint for the same
	// bill fails with ErrDuplicate.
	RecordPayment(ctx context.Context, p *models.Payment) error
	RecordAudit(ctx context.Context, e *models.AuditEntry) error
}

// Store is a persistence backend.
type Store interface {
	Reader
	// Atomically runs fn as one all-or-nothing unit. Returning an error
	// from fn discards every write it made.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Duplicate wraps ErrDuplicate in a conflict AppError.
func Duplicate(operation string) error {
	return apperrors.Downstream(apperrors.CodeConflict, operation, ErrDuplicate)
}

// Stale wraps ErrStale in a conflict AppError.
func Stale(operation string) error {
	return apperrors.Downstream(apperrors.CodeConflict, operation, ErrStale)
}

// Failed wraps a backend error as a retryable persistence failure.
func Failed(operation string, err error) error {
	return apperrors.Downstream(apperrors.CodePersistenceFailed, operation, err)
}

// IsDuplicate reports whether err was caused by a natural key clash.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsStale reports whether err was caused by a failed compare-and-update.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}

// Seed saves creditors, contacts and templates in one unit. IDs are assigned
// where missing.
func Seed(ctx context.Context, s Store, creditors []*models.Creditor, contacts []*models.Contact, templates []*models.RecurringTemplate) error {
	return s.Atomically(ctx, func(tx Tx) error {
		for _, c := range creditors {
			if c.ID == "" {
				c.ID = models.NewID()
			}
			if err := tx.SaveCreditor(ctx, c); err != nil {
				return err
			}
		}
		for _, c := range contacts {
			if c.ID == "" {
				c.ID = models.NewID()
			}
			if err := tx.SaveContact(ctx, c); err != nil {
				return err
			}
		}
		for _, t := range templates {
			if t.ID == "" {
				t.ID = models.NewID()
			}
			if t.Version == 0 {
				t.Version = 1
			}
			if err := tx.SaveTemplate(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
