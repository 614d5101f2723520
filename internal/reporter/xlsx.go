package reporter

import (
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/Enucatl/send-bills/internal/billing"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

const (
	sheetSummary = "Summary"
	sheetItems   = "Items"
	sheetErrors  = "Errors"
)

// generateXLSXReport writes a workbook with a summary sheet, an items sheet
// laid out like the CSV output and, when present, an errors sheet.
func (rg *ReportGenerator) generateXLSXReport(report *billing.OperationReport, writer io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	// New workbooks start with Sheet1.
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return xlsxError(err)
	}

	summary := [][]interface{}{
		{"Operation", string(report.Operation)},
		{"Run", report.RunID},
		{"Started", report.StartedAt},
		{"Finished", report.FinishedAt},
		{"Items", len(report.Items)},
	}
	for _, status := range report.Statuses() {
		summary = append(summary, []interface{}{string(status), report.Count(status)})
	}
	if rec := report.Reconciliation; rec != nil {
		s := rec.Summary
		summary = append(summary,
			[]interface{}{"Transactions", s.Transactions},
			[]interface{}{"Row errors", s.RowErrors},
			[]interface{}{"Duplicate groups", s.Duplicates},
			[]interface{}{"Applied amount", s.AppliedAmount.InexactFloat64()},
			[]interface{}{"Unapplied amount", s.UnappliedAmount.InexactFloat64()},
			[]interface{}{"Overpayment amount", s.OverpaymentAmount.InexactFloat64()},
		)
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return err
	}

	if rg.config.IncludeItems {
		headers, rows := rg.tabulate(report)
		if err := writeTable(f, sheetItems, headers, rows); err != nil {
			return err
		}
	}

	if rg.config.IncludeErrors && len(report.Errors) > 0 {
		rows := make([][]string, 0, len(report.Errors))
		for _, e := range report.Errors {
			rows = append(rows, []string{string(e.Category), string(e.Code), e.Error(), e.Suggestion})
		}
		if err := writeTable(f, sheetErrors, []string{"Category", "Code", "Message", "Suggestion"}, rows); err != nil {
			return err
		}
	}

	if err := f.Write(writer); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to write XLSX report")
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, headers []string, rows [][]string) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return xlsxError(err)
	}
	values := make([][]interface{}, 0, len(rows)+1)
	values = append(values, toRow(headers))
	for _, row := range rows {
		values = append(values, toRow(row))
	}
	return writeRows(f, sheet, values)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return xlsxError(err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return xlsxError(err)
		}
	}
	return nil
}

func toRow(values []string) []interface{} {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

func xlsxError(err error) error {
	return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeEncodingError, "failed to build XLSX report")
}
