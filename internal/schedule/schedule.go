// Package schedule turns recurring templates into bills.
//
// Each due occurrence of a template is generated in its own atomic unit:
// the creditor's next reference sequence is taken, the bill is created and
// the template's LastGenerated marker is advanced with a compare-and-set.
// A failed unit leaves no trace and stops that template; the next run
// retries from the same occurrence.
package schedule

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/calendar"
	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// ItemStatus is the outcome of one occurrence.
type ItemStatus string

const (
	ItemCreated ItemStatus = "created"
	// ItemSkipped means a bill for the occurrence already existed.
	ItemSkipped ItemStatus = "skipped"
	ItemFailed  ItemStatus = "failed"
)

// Item reports a single (template, occurrence) unit.
type Item struct {
	TemplateID string     `json:"template_id"`
	Occurrence time.Time  `json:"occurrence"`
	Status     ItemStatus `json:"status"`
	BillID     string     `json:"bill_id,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Result summarizes a generation run.
type Result struct {
	AsOf    time.Time             `json:"as_of"`
	Items   []Item                `json:"items"`
	Created int                   `json:"created"`
	Skipped int                   `json:"skipped"`
	Failed  int                   `json:"failed"`
	Errors  []*apperrors.AppError `json:"errors,omitempty"`
}

// Config configures the engine.
type Config struct {
	// DueOffset separates an occurrence from the due date of its bill.
	DueOffset calendar.DueOffset
	Logger    logger.Logger
	// Now stamps bill creation; tests replace it.
	Now func() time.Time
}

// DefaultConfig returns a config with a one month due offset.
func DefaultConfig() *Config {
	return &Config{
		DueOffset: calendar.DefaultDueOffset,
		Now:       time.Now,
	}
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	if c.DueOffset.Months < 0 || c.DueOffset.Days < 0 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "due_offset",
			fmt.Sprintf("%+v", c.DueOffset), fmt.Errorf("due offset must not be negative"))
	}
	return nil
}

// Engine generates bills from templates.
type Engine struct {
	store  store.Store
	config *Config
	log    logger.Logger
}

// NewEngine creates an engine over s. A nil config selects the defaults.
func NewEngine(s store.Store, config *Config) (*Engine, error) {
	if s == nil {
		return nil, apperrors.InvalidArgument("store", "")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	log := config.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{store: s, config: config, log: log.WithComponent("schedule")}, nil
}

// DueOccurrences yields the occurrences of t that still need a bill, oldest
// first: those strictly after LastGenerated (or on or after StartDate when
// nothing was generated yet) up to and including asOf. The sequence is
// empty for an invalid frequency rule.
func DueOccurrences(t *models.RecurringTemplate, asOf time.Time) iter.Seq[time.Time] {
	rule := t.Frequency
	start := t.StartDate
	var last *time.Time
	if t.LastGenerated != nil {
		d := *t.LastGenerated
		last = &d
	}
	limit := calendar.Day(asOf)

	return func(yield func(time.Time) bool) {
		if rule.Validate() != nil {
			return
		}
		next := rule.First(start)
		if last != nil {
			next = rule.Next(*last)
		}
		for !next.After(limit) {
			if !yield(next) {
				return
			}
			next = rule.Next(next)
		}
	}
}

// RunActive generates the due bills of every active template.
func (e *Engine) RunActive(ctx context.Context, asOf time.Time) (*Result, error) {
	templates, err := e.store.ActiveTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, templates, asOf), nil
}

// Run generates the due bills of templates as of asOf. Inactive templates
// are ignored. A failing occurrence stops its template but not the run.
func (e *Engine) Run(ctx context.Context, templates []*models.RecurringTemplate, asOf time.Time) *Result {
	op := logger.NewOperationLogger("generate_bills", e.log).
		WithField("as_of", asOf.Format(time.DateOnly)).
		WithField("templates", len(templates))
	result := &Result{AsOf: calendar.Day(asOf), Items: []Item{}}
	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "generate_bills",
		Total:     int64(len(templates)),
		Logger:    e.log,
	})

	for _, tmpl := range templates {
		if !tmpl.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.addFailure(Item{TemplateID: tmpl.ID}, apperrors.InternalError("generate bills", err))
			break
		}
		failed := result.Failed
		e.runTemplate(ctx, tmpl, asOf, result, op)
		if result.Failed > failed {
			progress.Fail()
		} else {
			progress.Increment()
		}
	}
	progress.Complete()

	op.WithField("created", result.Created).
		WithField("skipped", result.Skipped).
		WithField("failed", result.Failed).
		Success("Bill generation completed")
	return result
}

func (e *Engine) runTemplate(ctx context.Context, tmpl *models.RecurringTemplate, asOf time.Time, result *Result, op *logger.OperationLogger) {
	current := *tmpl
	if err := models.ValidateTemplate(&current); err != nil {
		item := Item{TemplateID: tmpl.ID}
		op.Failure(err, "Template is invalid", logger.Fields{"template_id": tmpl.ID})
		result.addFailure(item, err)
		return
	}

	for occurrence := range DueOccurrences(&current, asOf) {
		item, next, err := e.generate(ctx, current, occurrence)
		if err != nil {
			op.Failure(err, "Occurrence failed, template stopped", logger.Fields{
				"template_id": tmpl.ID,
				"occurrence":  occurrence.Format(time.DateOnly),
			})
			result.addFailure(item, err)
			return
		}
		current = next
		result.add(item)
		op.Step(string(item.Status), logger.Fields{
			"template_id": tmpl.ID,
			"occurrence":  occurrence.Format(time.DateOnly),
			"reference":   item.Reference,
		})
	}
}

// generate runs one occurrence as an atomic unit and returns the template
// as advanced by it.
func (e *Engine) generate(ctx context.Context, tmpl models.RecurringTemplate, occurrence time.Time) (Item, models.RecurringTemplate, error) {
	item := Item{TemplateID: tmpl.ID, Occurrence: occurrence}

	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		work := tmpl

		existing, err := tx.BillForOccurrence(ctx, tmpl.ID, occurrence)
		if err != nil {
			return err
		}
		if existing != nil {
			item.Status = ItemSkipped
			item.BillID = existing.ID
			item.Reference = existing.Reference
		} else {
			bill, err := e.buildBill(ctx, tx, &work, occurrence)
			if err != nil {
				return err
			}
			if err := tx.CreateBill(ctx, bill); err != nil {
				return err
			}
			item.Status = ItemCreated
			item.BillID = bill.ID
			item.Reference = bill.Reference
		}

		if err := tx.AdvanceTemplate(ctx, &work, occurrence); err != nil {
			return err
		}
		tmpl = work
		return nil
	})
	return item, tmpl, err
}

func (e *Engine) buildBill(ctx context.Context, tx store.Tx, tmpl *models.RecurringTemplate, occurrence time.Time) (*models.Bill, error) {
	creditor, err := tx.GetCreditor(ctx, tmpl.CreditorID)
	if err != nil {
		return nil, err
	}
	contact, err := tx.GetContact(ctx, tmpl.ContactID)
	if err != nil {
		return nil, err
	}
	description, err := RenderDescription(tmpl, creditor, contact, occurrence)
	if err != nil {
		return nil, err
	}

	seq, err := tx.NextSequence(ctx, creditor.ID)
	if err != nil {
		return nil, err
	}
	ref, err := reference.Generate(creditor.Namespace(), seq)
	if err != nil {
		return nil, err
	}

	now := e.config.Now()
	templateID := tmpl.ID
	occ := occurrence
	return &models.Bill{
		ID:                    models.NewID(),
		CreditorID:            creditor.ID,
		ContactID:             contact.ID,
		TemplateID:            &templateID,
		Occurrence:            &occ,
		SequenceNo:            seq,
		Amount:                tmpl.Amount,
		Currency:              tmpl.Currency,
		Language:              tmpl.Language,
		AdditionalInformation: description,
		Reference:             ref.Value,
		ReferenceScheme:       ref.Scheme,
		Status:                models.StatusPending,
		IssueDate:             occurrence,
		DueDate:               e.config.DueOffset.Apply(occurrence),
		AppliedAmount:         decimal.Zero,
		Overpayment:           decimal.Zero,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// DescriptionData is what description templates are rendered with.
type DescriptionData struct {
	BillingDate time.Time
	Template    *models.RecurringTemplate
	Creditor    *models.Creditor
	Contact     *models.Contact
}

var descriptionFuncs = template.FuncMap{
	"quarter": func(t time.Time) int { return (int(t.Month())-1)/3 + 1 },
	"date":    func(t time.Time) string { return t.Format(time.DateOnly) },
}

// RenderDescription renders the template's description for an occurrence,
// e.g. "Rent {{ .BillingDate.Year }}Q{{ quarter .BillingDate }}".
func RenderDescription(tmpl *models.RecurringTemplate, creditor *models.Creditor, contact *models.Contact, occurrence time.Time) (string, error) {
	if tmpl.DescriptionTemplate == "" {
		return "", nil
	}
	t, err := template.New("description").Funcs(descriptionFuncs).Option("missingkey=error").Parse(tmpl.DescriptionTemplate)
	if err != nil {
		return "", apperrors.InvalidArgument("description_template", err.Error()).
			WithContext("template_id", tmpl.ID)
	}
	var buf bytes.Buffer
	data := DescriptionData{BillingDate: occurrence, Template: tmpl, Creditor: creditor, Contact: contact}
	if err := t.Execute(&buf, data); err != nil {
		return "", apperrors.InvalidArgument("description_template", err.Error()).
			WithContext("template_id", tmpl.ID)
	}
	return buf.String(), nil
}

func (r *Result) add(item Item) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case ItemCreated:
		r.Created++
	case ItemSkipped:
		r.Skipped++
	}
}

func (r *Result) addFailure(item Item, err error) {
	item.Status = ItemFailed
	item.BillID, item.Reference = "", ""
	item.Error = err.Error()
	r.Items = append(r.Items, item)
	r.Failed++
	r.Errors = append(r.Errors, apperrors.WrapIfNeeded(err, apperrors.CategoryInternal,
		apperrors.CodeUnexpectedError, "bill generation failed"))
}
