package billing

import (
	"sort"
	"time"

	"github.com/Enucatl/send-bills/internal/reconciler"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Operation names a trigger.
type Operation string

const (
	OpGenerate      Operation = "generate"
	OpSend          Operation = "send"
	OpMarkOverdue   Operation = "overdue"
	OpNotifyOverdue Operation = "notify-overdue"
	OpReconcile     Operation = "reconcile"
	OpCancel        Operation = "cancel"
)

// ItemStatus is what an operation did to one item.
type ItemStatus string

const (
	ItemCreated   ItemStatus = "created"
	ItemSkipped   ItemStatus = "skipped"
	ItemSent      ItemStatus = "sent"
	ItemOverdue   ItemStatus = "overdue"
	ItemNotified  ItemStatus = "notified"
	ItemCancelled ItemStatus = "cancelled"
	ItemUnchanged ItemStatus = "unchanged"
	ItemFailed    ItemStatus = "failed"
)

// Item is one line of an OperationReport. Reconciliation items carry the
// transaction row and use the reconciler's dispositions as status.
type Item struct {
	BillID     string     `json:"bill_id,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	Row        int        `json:"row,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	Status     ItemStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// OperationReport is returned by every trigger.
type OperationReport struct {
	Operation  Operation             `json:"operation"`
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Items      []Item                `json:"items"`
	Errors     []*apperrors.AppError `json:"errors"`
	Summary    map[ItemStatus]int    `json:"summary"`

	// Reconciliation holds the full detail of a reconcile run.
	Reconciliation *reconciler.Report `json:"reconciliation,omitempty"`
}

func newReport(op Operation, runID string, startedAt time.Time) *OperationReport {
	return &OperationReport{
		Operation: op,
		RunID:     runID,
		StartedAt: startedAt,
		Items:     []Item{},
		Errors:    []*apperrors.AppError{},
		Summary:   make(map[ItemStatus]int),
	}
}

func (r *OperationReport) add(item Item) {
	r.Items = append(r.Items, item)
	r.Summary[item.Status]++
}

func (r *OperationReport) fail(item Item, err error) {
	appErr := apperrors.WrapIfNeeded(err, apperrors.CategoryInternal, apperrors.CodeUnexpectedError, string(r.Operation)+" failed")
	if item.BillID != "" {
		appErr = appErr.WithContext("bill_id", item.BillID)
	}
	item.Status = ItemFailed
	item.Error = appErr.Error()
	r.Errors = append(r.Errors, appErr)
	r.add(item)
}

// Count returns the number of items with status.
func (r *OperationReport) Count(status ItemStatus) int {
	return r.Summary[status]
}

// Failed reports whether any item failed or any row was rejected.
func (r *OperationReport) Failed() bool {
	return len(r.Errors) > 0
}

// Statuses returns the statuses present in the summary, sorted.
func (r *OperationReport) Statuses() []ItemStatus {
	out := make([]ItemStatus, 0, len(r.Summary))
	for s := range r.Summary {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
