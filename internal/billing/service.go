// Package billing is the trigger surface of the engine. Each method runs
// one batch operation over the store and returns an OperationReport; a
// failing item is reported and never stops the batch.
package billing

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Enucatl/send-bills/internal/delivery"
	"github.com/Enucatl/send-bills/internal/lifecycle"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reconciler"
	"github.com/Enucatl/send-bills/internal/schedule"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// Config wires the engines behind the service. Nil parts select their
// defaults.
type Config struct {
	Schedule  *schedule.Config
	Reconcile *reconciler.Config
	Templates delivery.Templates
	Logger    logger.Logger
	Now       func() time.Time
}

// DefaultConfig returns the default wiring.
func DefaultConfig() *Config {
	return &Config{
		Schedule:  schedule.DefaultConfig(),
		Reconcile: reconciler.DefaultConfig(),
		Templates: delivery.DefaultTemplates(),
		Now:       time.Now,
	}
}

// Service runs the billing operations.
type Service struct {
	store      store.Store
	deliverer  delivery.Deliverer
	composer   *delivery.Composer
	scheduler  *schedule.Engine
	reconciler *reconciler.Reconciler
	now        func() time.Time
	log        logger.Logger
}

// NewService creates a service over s delivering through d.
func NewService(s store.Store, d delivery.Deliverer, config *Config) (*Service, error) {
	if s == nil {
		return nil, apperrors.InvalidArgument("store", "")
	}
	if d == nil {
		return nil, apperrors.InvalidArgument("deliverer", "")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	log := config.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	sched := config.Schedule
	if sched == nil {
		sched = schedule.DefaultConfig()
	}
	if sched.Logger == nil {
		sched.Logger = log
	}
	scheduler, err := schedule.NewEngine(s, sched)
	if err != nil {
		return nil, err
	}

	rc := config.Reconcile
	if rc == nil {
		rc = reconciler.DefaultConfig()
	}
	if rc.Logger == nil {
		rc.Logger = log
	}
	rec, err := reconciler.NewReconciler(s, rc)
	if err != nil {
		return nil, err
	}

	composer, err := delivery.NewComposer(config.Templates)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:      s,
		deliverer:  d,
		composer:   composer,
		scheduler:  scheduler,
		reconciler: rec,
		now:        config.Now,
		log:        log.WithComponent("billing"),
	}, nil
}

// GenerateDueBills creates the bills of every active template due on or
// before asOf.
func (s *Service) GenerateDueBills(ctx context.Context, asOf time.Time) (*OperationReport, error) {
	report := newReport(OpGenerate, uuid.NewString(), s.now())

	result, err := s.scheduler.RunActive(ctx, asOf)
	if err != nil {
		return nil, err
	}
	for _, it := range result.Items {
		item := Item{
			BillID:     it.BillID,
			TemplateID: it.TemplateID,
			Reference:  it.Reference,
			Status:     ItemStatus(it.Status),
			Error:      it.Error,
		}
		if !it.Occurrence.IsZero() {
			item.Detail = "occurrence " + it.Occurrence.Format(time.DateOnly)
		}
		report.add(item)
	}
	report.Errors = append(report.Errors, result.Errors...)
	report.FinishedAt = s.now()
	return report, nil
}

// SendPendingBills delivers every pending bill and marks it sent. A bill
// whose delivery fails stays pending; a bill delivered but not marked is
// delivered again by the next run.
func (s *Service) SendPendingBills(ctx context.Context) (*OperationReport, error) {
	report := newReport(OpSend, uuid.NewString(), s.now())
	op := logger.NewOperationLogger("send_pending_bills", s.log).WithField("run_id", report.RunID)

	bills, err := s.store.BillsByStatus(ctx, models.StatusPending)
	if err != nil {
		op.Failure(err, "Failed to load pending bills", nil)
		return nil, err
	}
	op.Step("loaded", logger.Fields{"bills": len(bills)})

	for _, bill := range bills {
		if err := ctx.Err(); err != nil {
			report.fail(Item{BillID: bill.ID, Reference: bill.Reference}, apperrors.InternalError("send pending bills", err))
			continue
		}
		item := Item{BillID: bill.ID, Reference: bill.Reference}

		doc, err := s.document(ctx, bill, s.composer.ComposeInvoice)
		if err != nil {
			op.Failure(err, "Cannot compose bill", logger.Fields{"bill_id": bill.ID})
			report.fail(item, err)
			continue
		}
		if err := s.deliverer.Deliver(ctx, doc); err != nil {
			op.Failure(err, "Delivery failed", logger.Fields{"bill_id": bill.ID})
			report.fail(item, apperrors.WrapIfNeeded(err, apperrors.CategoryDownstream, apperrors.CodeDeliveryFailed, "delivery failed"))
			continue
		}

		changed, err := s.transition(ctx, bill.ID, func(b *models.Bill) (bool, error) {
			return lifecycle.MarkSent(b, s.now())
		})
		if err != nil {
			op.Failure(err, "Bill delivered but not marked sent", logger.Fields{"bill_id": bill.ID})
			report.fail(item, err)
			continue
		}
		item.Status = ItemSent
		if !changed {
			item.Status = ItemUnchanged
		}
		report.add(item)
	}

	report.FinishedAt = s.now()
	op.Success(fmt.Sprintf("Sent %d of %d pending bills", report.Count(ItemSent), len(bills)))
	return report, nil
}

// MarkOverdueBills moves sent bills past their due date to overdue.
func (s *Service) MarkOverdueBills(ctx context.Context, now time.Time) (*OperationReport, error) {
	report := newReport(OpMarkOverdue, uuid.NewString(), s.now())
	op := logger.NewOperationLogger("mark_overdue_bills", s.log).
		WithField("run_id", report.RunID).
		WithField("now", now.Format(time.DateOnly))

	bills, err := s.store.BillsByStatus(ctx, models.StatusSent)
	if err != nil {
		op.Failure(err, "Failed to load sent bills", nil)
		return nil, err
	}

	for _, bill := range bills {
		item := Item{BillID: bill.ID, Reference: bill.Reference, Detail: "due " + bill.DueDate.Format(time.DateOnly)}
		if !bill.PastDue(now) {
			item.Status = ItemUnchanged
			report.add(item)
			continue
		}
		changed, err := s.transition(ctx, bill.ID, func(b *models.Bill) (bool, error) {
			return lifecycle.MarkOverdue(b, now)
		})
		if err != nil {
			op.Failure(err, "Failed to mark bill overdue", logger.Fields{"bill_id": bill.ID})
			report.fail(item, err)
			continue
		}
		item.Status = ItemOverdue
		if !changed {
			item.Status = ItemUnchanged
		}
		report.add(item)
	}

	report.FinishedAt = s.now()
	op.Success(fmt.Sprintf("Marked %d of %d sent bills overdue", report.Count(ItemOverdue), len(bills)))
	return report, nil
}

// NotifyOverdueBills sends the creditor a reminder for every overdue bill.
// Bills are not changed.
func (s *Service) NotifyOverdueBills(ctx context.Context) (*OperationReport, error) {
	report := newReport(OpNotifyOverdue, uuid.NewString(), s.now())
	op := logger.NewOperationLogger("notify_overdue_bills", s.log).WithField("run_id", report.RunID)

	bills, err := s.store.BillsByStatus(ctx, models.StatusOverdue)
	if err != nil {
		op.Failure(err, "Failed to load overdue bills", nil)
		return nil, err
	}

	for _, bill := range bills {
		item := Item{BillID: bill.ID, Reference: bill.Reference}
		doc, err := s.document(ctx, bill, s.composer.ComposeOverdueReminder)
		if err != nil {
			op.Failure(err, "Cannot compose reminder", logger.Fields{"bill_id": bill.ID})
			report.fail(item, err)
			continue
		}
		if err := s.deliverer.Deliver(ctx, doc); err != nil {
			op.Failure(err, "Reminder delivery failed", logger.Fields{"bill_id": bill.ID})
			report.fail(item, apperrors.WrapIfNeeded(err, apperrors.CategoryDownstream, apperrors.CodeDeliveryFailed, "delivery failed"))
			continue
		}
		item.Status = ItemNotified
		report.add(item)
	}

	report.FinishedAt = s.now()
	op.Success(fmt.Sprintf("Notified %d of %d overdue bills", report.Count(ItemNotified), len(bills)))
	return report, nil
}

// ReconcileBatch applies a bank export. Only an unreadable feed is an
// error; rejected rows and unapplied transactions are reported.
func (s *Service) ReconcileBatch(ctx context.Context, feed io.Reader) (*OperationReport, error) {
	rec, err := s.reconciler.ReconcileReader(ctx, feed)
	if err != nil {
		return nil, err
	}
	return s.reconcileReport(rec), nil
}

// ReconcileFile applies the bank export at path.
func (s *Service) ReconcileFile(ctx context.Context, path string) (*OperationReport, error) {
	rec, err := s.reconciler.ReconcileFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.reconcileReport(rec), nil
}

func (s *Service) reconcileReport(rec *reconciler.Report) *OperationReport {
	report := newReport(OpReconcile, rec.RunID, rec.StartedAt)
	report.Reconciliation = rec
	for _, e := range rec.Entries {
		item := Item{
			BillID:    e.BillID,
			Row:       e.Row,
			Reference: e.Reference,
			Status:    ItemStatus(e.Disposition),
			Detail:    e.Reason,
		}
		if e.Error != nil {
			item.Error = e.Error.Error()
		}
		report.add(item)
	}
	report.Errors = append(report.Errors, rec.Errors()...)
	report.FinishedAt = rec.FinishedAt
	return report
}

// CancelBill withdraws a pending or sent bill.
func (s *Service) CancelBill(ctx context.Context, billID string) (*OperationReport, error) {
	report := newReport(OpCancel, uuid.NewString(), s.now())
	bill, err := s.store.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	item := Item{BillID: bill.ID, Reference: bill.Reference}
	if _, err := s.transition(ctx, bill.ID, func(b *models.Bill) (bool, error) {
		return true, lifecycle.Cancel(b)
	}); err != nil {
		report.fail(item, err)
	} else {
		item.Status = ItemCancelled
		report.add(item)
	}
	report.FinishedAt = s.now()
	return report, nil
}

// transition re-reads the bill inside one atomic unit, applies change and
// writes it back with a compare-and-update on its version.
func (s *Service) transition(ctx context.Context, billID string, change func(*models.Bill) (bool, error)) (bool, error) {
	var changed bool
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		bill, err := tx.GetBill(ctx, billID)
		if err != nil {
			return err
		}
		changed, err = change(bill)
		if err != nil || !changed {
			return err
		}
		return tx.UpdateBill(ctx, bill)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

type composeFunc func(*models.Bill, *models.Creditor, *models.Contact) (delivery.Document, error)

func (s *Service) document(ctx context.Context, bill *models.Bill, compose composeFunc) (delivery.Document, error) {
	creditor, err := s.store.GetCreditor(ctx, bill.CreditorID)
	if err != nil {
		return delivery.Document{}, err
	}
	contact, err := s.store.GetContact(ctx, bill.ContactID)
	if err != nil {
		return delivery.Document{}, err
	}
	return compose(bill, creditor, contact)
}
