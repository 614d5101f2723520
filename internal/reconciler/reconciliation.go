// Package reconciler applies bank credits to the bills they pay.
//
// A batch is parsed with a feed profile, every transaction is matched by
// its structured reference and each matched payment is applied in its own
// atomic unit: the payment is recorded under its fingerprint, the bill is
// updated with a compare-and-update on its version and an audit entry is
// written. A failing transaction never stops the batch, and uploading the
// same export again changes nothing.
package reconciler

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/matcher"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/parsers"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// Config holds configuration options for the reconciler
type Config struct {
	Feed     *parsers.FeedConfig
	Matching *matcher.MatchingConfig

	// ProgressInterval is how often progress is logged during a batch.
	ProgressInterval time.Duration

	Logger logger.Logger
	Now    func() time.Time
}

// DefaultConfig returns the standard feed profile with every match check.
func DefaultConfig() *Config {
	return &Config{
		Feed:             parsers.DefaultFeedConfig(),
		Matching:         matcher.DefaultMatchingConfig(),
		ProgressInterval: 5 * time.Second,
		Now:              time.Now,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Feed == nil {
		return apperrors.ConfigurationError(apperrors.CodeMissingConfig, "feed", nil,
			fmt.Errorf("feed profile is required"))
	}
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	if c.ProgressInterval < 0 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "progress_interval", c.ProgressInterval,
			fmt.Errorf("progress interval cannot be negative"))
	}
	return nil
}

// Disposition is what happened to one transaction.
type Disposition string

const (
	DispositionPaid           Disposition = "paid"
	DispositionPartial        Disposition = "partial"
	DispositionOverpaid       Disposition = "overpaid"
	DispositionAlreadySettled Disposition = "already_settled"
	DispositionOrphan         Disposition = "orphan_reference"
	DispositionUnmatched      Disposition = "unmatched"
	DispositionRejected       Disposition = "rejected"
	DispositionFailed         Disposition = "failed"
)

// Applied reports whether the transaction changed a bill.
func (d Disposition) Applied() bool {
	return d == DispositionPaid || d == DispositionPartial || d == DispositionOverpaid
}

// Entry is the report line of one transaction.
type Entry struct {
	Row         int                 `json:"row"`
	ValueDate   time.Time           `json:"value_date"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency,omitempty"`
	Payer       string              `json:"payer,omitempty"`
	Remittance  string              `json:"remittance,omitempty"`
	Match       matcher.OutcomeKind `json:"match"`
	Disposition Disposition         `json:"disposition"`
	Reason      string              `json:"reason,omitempty"`
	Reference   string              `json:"reference,omitempty"`
	BillID      string              `json:"bill_id,omitempty"`
	BillStatus  models.BillStatus   `json:"bill_status,omitempty"`
	Outstanding decimal.Decimal     `json:"outstanding"`
	Overpayment decimal.Decimal     `json:"overpayment"`
	Error       *apperrors.AppError `json:"error,omitempty"`
}

// Summary totals a report.
type Summary struct {
	Transactions   int `json:"transactions"`
	Paid           int `json:"paid"`
	Partial        int `json:"partial"`
	Overpaid       int `json:"overpaid"`
	AlreadySettled int `json:"already_settled"`
	Orphans        int `json:"orphan_references"`
	Unmatched      int `json:"unmatched"`
	Rejected       int `json:"rejected"`
	Failed         int `json:"failed"`
	RowErrors      int `json:"row_errors"`
	Duplicates     int `json:"duplicate_groups"`

	AppliedAmount     decimal.Decimal `json:"applied_amount"`
	UnappliedAmount   decimal.Decimal `json:"unapplied_amount"`
	OverpaymentAmount decimal.Decimal `json:"overpayment_amount"`
}

// Report is the result of reconciling one batch.
type Report struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Entries    []*Entry                 `json:"entries"`
	RowErrors  []*parsers.RowError      `json:"row_errors"`
	Duplicates []matcher.DuplicateGroup `json:"duplicates,omitempty"`
	Stats      *parsers.ParseStats      `json:"parse_stats,omitempty"`
	Summary    Summary                  `json:"summary"`
}

// Errors returns the per-transaction and per-row errors of the report.
func (r *Report) Errors() []*apperrors.AppError {
	var errs []*apperrors.AppError
	for _, rowErr := range r.RowErrors {
		errs = append(errs, rowErr.AppError())
	}
	for _, e := range r.Entries {
		if e.Error != nil {
			errs = append(errs, e.Error)
		}
	}
	return errs
}

// Reconciler applies transaction batches to a store.
type Reconciler struct {
	store  store.Store
	parser *parsers.Parser
	config *Config
	log    logger.Logger
}

// NewReconciler creates a reconciler. A nil config selects the defaults.
func NewReconciler(s store.Store, config *Config) (*Reconciler, error) {
	if s == nil {
		return nil, apperrors.InvalidArgument("store", "")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Matching == nil {
		config.Matching = matcher.DefaultMatchingConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	log := config.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	parser, err := parsers.NewParser(config.Feed)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		store:  s,
		parser: parser,
		config: config,
		log:    log.WithComponent("reconciler"),
	}, nil
}

// ReconcileReader parses a feed and reconciles it. Only an unreadable feed
// is returned as an error; everything else is reported.
func (r *Reconciler) ReconcileReader(ctx context.Context, feed io.Reader) (*Report, error) {
	batch, err := r.parser.ParseBatch(ctx, feed)
	if err != nil {
		return nil, err
	}
	return r.Reconcile(ctx, batch)
}

// Reconcile applies a parsed batch. The returned error is set only when the
// bills referenced by the batch cannot be loaded.
func (r *Reconciler) Reconcile(ctx context.Context, batch *parsers.Batch) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: r.config.Now(),
		RowErrors: batch.RowErrors,
		Stats:     batch.Stats,
	}
	if report.RowErrors == nil {
		report.RowErrors = []*parsers.RowError{}
	}

	op := logger.NewOperationLogger("reconcile", r.log).
		WithField("run_id", report.RunID).
		WithField("transactions", len(batch.Transactions))

	index, err := matcher.LoadBillIndex(ctx, r.store, batch.Transactions)
	if err != nil {
		op.Failure(err, "Failed to load referenced bills", nil)
		return nil, err
	}
	op.Step("index_loaded", logger.Fields{"bills": index.Len()})

	report.Duplicates = matcher.DetectDuplicates(batch.Transactions)
	for _, g := range report.Duplicates {
		op.Warning("Identical transactions in batch", logger.Fields{"rows": g.Rows, "reference": g.Reference})
	}

	engine := matcher.NewMatchingEngine(r.config.Matching, index)
	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "reconcile",
		Total:       int64(len(batch.Transactions)),
		LogInterval: r.config.ProgressInterval,
		Logger:      r.log,
	})

	report.Entries = make([]*Entry, 0, len(batch.Transactions))
	for _, tx := range batch.Transactions {
		var entry *Entry
		if err := ctx.Err(); err != nil {
			entry = newEntry(tx, nil)
			entry.fail(apperrors.InternalError("reconcile", err))
		} else {
			entry = r.apply(ctx, report.RunID, tx, engine)
		}
		report.Entries = append(report.Entries, entry)
		if entry.Error != nil {
			op.Failure(entry.Error, "Transaction not applied", logger.Fields{"row": entry.Row, "disposition": entry.Disposition})
			progress.Fail()
			continue
		}
		progress.Increment()
	}
	progress.Complete()

	report.FinishedAt = r.config.Now()
	report.Summary = summarize(report)
	op.Success(fmt.Sprintf("Reconciled %d transactions: %d applied, %d need review, %d failed",
		report.Summary.Transactions,
		report.Summary.Paid+report.Summary.Partial+report.Summary.Overpaid,
		report.Summary.Orphans+report.Summary.Unmatched+report.Summary.Rejected,
		report.Summary.Failed))
	return report, nil
}
