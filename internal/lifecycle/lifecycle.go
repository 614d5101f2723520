// Package lifecycle owns the bill state machine:
//
//	pending -> sent -> overdue -> paid
//	pending|sent -> cancelled
//	sent -> paid
//
// Paid and cancelled are terminal. Every function leaves the bill untouched
// when it returns an error.
package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/models"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

var transitions = map[models.BillStatus][]models.BillStatus{
	models.StatusPending: {models.StatusSent, models.StatusCancelled},
	models.StatusSent:    {models.StatusOverdue, models.StatusPaid, models.StatusCancelled},
	models.StatusOverdue: {models.StatusPaid},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to models.BillStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Check returns an InvalidTransition error unless from -> to is an edge.
func Check(b *models.Bill, to models.BillStatus) error {
	if CanTransition(b.Status, to) {
		return nil
	}
	return apperrors.InvalidTransition("bill "+b.ID, b.Status.String(), to.String()).
		WithContext("bill_id", b.ID).
		WithContext("reference", b.Reference)
}

// MarkSent records successful delivery. A bill that is already sent is left
// as is so retried delivery jobs do not fail.
func MarkSent(b *models.Bill, at time.Time) (bool, error) {
	if b.Status == models.StatusSent {
		return false, nil
	}
	if err := Check(b, models.StatusSent); err != nil {
		return false, err
	}
	b.Status = models.StatusSent
	b.SentAt = &at
	return true, nil
}

// MarkOverdue moves a sent bill past its due date to overdue. It is safe to
// call repeatedly: bills not yet due and bills already overdue are unchanged.
func MarkOverdue(b *models.Bill, now time.Time) (bool, error) {
	if b.Status == models.StatusOverdue {
		return false, nil
	}
	if err := Check(b, models.StatusOverdue); err != nil {
		return false, err
	}
	if !b.PastDue(now) {
		return false, nil
	}
	b.Status = models.StatusOverdue
	return true, nil
}

// MarkPaid settles a sent or overdue bill with the amount received.
func MarkPaid(b *models.Bill, paidAt time.Time, amount decimal.Decimal) error {
	if err := Check(b, models.StatusPaid); err != nil {
		return err
	}
	b.Status = models.StatusPaid
	b.PaidAt = &paidAt
	b.PaidAmount = decimal.NewNullDecimal(amount)
	return nil
}

// Cancel withdraws a bill that has not been paid. Its reference stays
// reserved.
func Cancel(b *models.Bill) error {
	if err := Check(b, models.StatusCancelled); err != nil {
		return err
	}
	b.Status = models.StatusCancelled
	return nil
}
