// Package reporter renders operation reports for operators.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: the full report for programmatic consumption
//   - CSV: one row per item, or per transaction for reconcile runs
//   - XLSX: a workbook with summary, items and error sheets
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	if err != nil {
//		return err
//	}
//	err = generator.GenerateReport(report, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/billing"
	"github.com/Enucatl/send-bills/internal/reconciler"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
	FormatXLSX    OutputFormat = "xlsx"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV, FormatXLSX:
		return true
	default:
		return false
	}
}

// Binary reports whether the format cannot be written to a terminal.
func (f OutputFormat) Binary() bool {
	return f == FormatXLSX
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	// Detail level options
	IncludeItems     bool `json:"include_items" mapstructure:"include_items"`
	IncludeUnchanged bool `json:"include_unchanged" mapstructure:"include_unchanged"`
	IncludeErrors    bool `json:"include_errors" mapstructure:"include_errors"`

	// MaxItems bounds the console item list; 0 lists everything.
	MaxItems int `json:"max_items" mapstructure:"max_items"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeItems:     true,
		IncludeUnchanged: false,
		IncludeErrors:    true,
		MaxItems:         50,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "report.format", c.Format, nil).
			WithSuggestion("Use one of: console, json, csv, xlsx")
	}
	if c.MaxItems < 0 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "report.max_items", c.MaxItems, nil)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "report.csv_delimiter", string(c.CSVDelimiter), nil)
	}
	return nil
}

// ReportGenerator renders operation reports in one format.
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ReportGenerator{config: config}, nil
}

// Config returns the generator's configuration.
func (rg *ReportGenerator) Config() *ReportConfig {
	return rg.config
}

// GenerateReport writes report to writer in the configured format.
func (rg *ReportGenerator) GenerateReport(report *billing.OperationReport, writer io.Writer) error {
	if report == nil {
		return apperrors.InvalidArgument("report", "")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(report, writer)
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	case FormatCSV:
		return rg.generateCSVReport(report, writer)
	case FormatXLSX:
		return rg.generateXLSXReport(report, writer)
	default:
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "report.format", rg.config.Format, nil)
	}
}

func (rg *ReportGenerator) generateConsoleReport(report *billing.OperationReport, writer io.Writer) error {
	ew := &errWriter{w: writer}

	ew.printf("%s REPORT\n", strings.ToUpper(string(report.Operation)))
	ew.printf("Run:      %s\n", report.RunID)
	ew.printf("Started:  %s\n", report.StartedAt.Format(time.RFC3339))
	if !report.FinishedAt.IsZero() {
		ew.printf("Duration: %v\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	ew.printf("\n")

	ew.printf("=== SUMMARY ===\n")
	ew.printf("Items: %d\n", len(report.Items))
	for _, status := range report.Statuses() {
		ew.printf("  %-18s %d\n", status+":", report.Count(status))
	}
	ew.printf("\n")

	if rec := report.Reconciliation; rec != nil {
		ew.printf("=== RECONCILIATION ===\n")
		rg.printReconciliationSummary(ew, rec)
		ew.printf("\n")
		if len(rec.Duplicates) > 0 {
			ew.printf("=== DUPLICATE ROWS ===\n")
			for _, group := range rec.Duplicates {
				ew.printf("  %s\n", group.Reason())
			}
			ew.printf("\n")
		}
	}

	if rg.config.IncludeItems {
		items := rg.visibleItems(report)
		if len(items) > 0 {
			ew.printf("=== ITEMS ===\n")
			rg.printItems(ew, items)
			ew.printf("\n")
		}
	}

	if rg.config.IncludeErrors && len(report.Errors) > 0 {
		ew.printf("=== ERRORS ===\n")
		summary := apperrors.NewErrorSummary(report.Errors)
		ew.printf("%s\n", summary.Error())
		for _, e := range report.Errors {
			ew.printf("  - [%s/%s] %s\n", e.Category, e.Code, e.Error())
			if e.Suggestion != "" {
				ew.printf("    suggestion: %s\n", e.Suggestion)
			}
		}
	}

	return ew.err
}

func (rg *ReportGenerator) printReconciliationSummary(ew *errWriter, rec *reconciler.Report) {
	s := rec.Summary
	ew.printf("Transactions:      %d\n", s.Transactions)
	ew.printf("  Paid:            %d\n", s.Paid)
	ew.printf("  Partial:         %d\n", s.Partial)
	ew.printf("  Overpaid:        %d\n", s.Overpaid)
	ew.printf("  Already settled: %d\n", s.AlreadySettled)
	ew.printf("  Orphans:         %d\n", s.Orphans)
	ew.printf("  Unmatched:       %d (%.1f%%)\n", s.Unmatched, percentage(s.Unmatched, s.Transactions))
	ew.printf("  Rejected:        %d\n", s.Rejected)
	ew.printf("  Failed:          %d\n", s.Failed)
	ew.printf("Row errors:        %d\n", s.RowErrors)
	ew.printf("Applied amount:    %s\n", s.AppliedAmount.StringFixed(2))
	ew.printf("Unapplied amount:  %s\n", s.UnappliedAmount.StringFixed(2))
	if !s.OverpaymentAmount.IsZero() {
		ew.printf("Overpayments:      %s\n", s.OverpaymentAmount.StringFixed(2))
	}
	if rec.Stats != nil {
		ew.printf("Feed:              %s\n", rec.Stats.String())
	}
}

func (rg *ReportGenerator) printItems(ew *errWriter, items []billing.Item) {
	for i, item := range items {
		if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
			ew.printf("  ... and %d more\n", len(items)-rg.config.MaxItems)
			break
		}
		ew.printf("  %d. %-16s", i+1, item.Status)
		if item.Row > 0 {
			ew.printf(" row %d", item.Row)
		}
		if item.Reference != "" {
			ew.printf(" ref %s", item.Reference)
		}
		if item.BillID != "" {
			ew.printf(" bill %s", item.BillID)
		}
		if item.Detail != "" {
			ew.printf(" (%s)", item.Detail)
		}
		if item.Error != "" {
			ew.printf(": %s", item.Error)
		}
		ew.printf("\n")
	}
}

func (rg *ReportGenerator) visibleItems(report *billing.OperationReport) []billing.Item {
	if rg.config.IncludeUnchanged {
		return report.Items
	}
	items := make([]billing.Item, 0, len(report.Items))
	for _, item := range report.Items {
		if item.Status == billing.ItemUnchanged || item.Status == billing.ItemSkipped {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (rg *ReportGenerator) generateJSONReport(report *billing.OperationReport, writer io.Writer) error {
	out := *report
	if !rg.config.IncludeItems {
		out.Items = nil
	}
	if !rg.config.IncludeErrors {
		out.Errors = nil
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to encode JSON report")
	}
	return nil
}

// generateCSVReport writes one row per item. Reconcile runs write one row
// per transaction with the amounts and payer instead.
func (rg *ReportGenerator) generateCSVReport(report *billing.OperationReport, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	headers, rows := rg.tabulate(report)
	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to write CSV headers")
		}
	}
	for _, row := range rows {
		if err := csvWriter.Write(row); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to write CSV record")
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to flush CSV report")
	}
	return nil
}

var (
	itemHeaders  = []string{"Status", "Bill_ID", "Template_ID", "Reference", "Detail", "Error"}
	entryHeaders = []string{"Row", "Value_Date", "Amount", "Currency", "Payer", "Reference", "Disposition", "Reason", "Bill_ID", "Bill_Status", "Outstanding", "Overpayment", "Error"}
)

// tabulate returns the row layout shared by the CSV and XLSX outputs.
func (rg *ReportGenerator) tabulate(report *billing.OperationReport) ([]string, [][]string) {
	if rec := report.Reconciliation; rec != nil {
		rows := make([][]string, 0, len(rec.Entries))
		for _, e := range rec.Entries {
			rows = append(rows, entryRecord(e))
		}
		return entryHeaders, rows
	}

	items := rg.visibleItems(report)
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			string(item.Status),
			item.BillID,
			item.TemplateID,
			item.Reference,
			item.Detail,
			item.Error,
		})
	}
	return itemHeaders, rows
}

func entryRecord(e *reconciler.Entry) []string {
	var errText string
	if e.Error != nil {
		errText = e.Error.Error()
	}
	return []string{
		strconv.Itoa(e.Row),
		formatDate(e.ValueDate),
		e.Amount.StringFixed(2),
		e.Currency,
		e.Payer,
		e.Reference,
		string(e.Disposition),
		e.Reason,
		e.BillID,
		string(e.BillStatus),
		fixedOrEmpty(e.Outstanding),
		fixedOrEmpty(e.Overpayment),
		errText,
	}
}

// errWriter keeps the first write error so console output reads linearly.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

func fixedOrEmpty(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.StringFixed(2)
}
