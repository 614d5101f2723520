// Package parsers reads bank exports into transactions.
//
// A feed is a delimited text file whose layout is described by a
// FeedConfig: which header names carry the value date, amount, currency,
// credited account, payer and remittance text, where the header sits
// below an optional preamble, and how dates and amounts are written.
// Built-in profiles cover a plain CSV layout and the PostFinance export.
//
// Parsing never stops at a bad row. Rows whose date or amount cannot be
// read are returned as RowErrors next to the parsed transactions; only an
// unreadable input or a header without the required columns is fatal.
package parsers

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// RowError describes a data row that could not be turned into a transaction.
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *RowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d (%s='%s'): %s: %v", e.Line, e.Field, e.Value, e.Message, e.Err)
	}
	return fmt.Sprintf("line %d (%s='%s'): %s", e.Line, e.Field, e.Value, e.Message)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// AppError converts the row error for reports.
func (e *RowError) AppError() *apperrors.AppError {
	cause := e.Err
	if cause == nil {
		cause = fmt.Errorf("%s", e.Message)
	}
	return apperrors.ParseError(apperrors.CodeInvalidData, e.Line, e.Field, e.Value, cause)
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	TotalLines    int `json:"total_lines"`
	RecordsParsed int `json:"records_parsed"`
	RecordsValid  int `json:"records_valid"`
	Skipped       int `json:"skipped"`
	ErrorCount    int `json:"error_count"`
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d records (%d valid, %d skipped), %d errors",
		ps.TotalLines, ps.RecordsParsed, ps.RecordsValid, ps.Skipped, ps.ErrorCount)
}

var utf8BOM = []byte("\xef\xbb\xbf")

// decode returns the input as UTF-8 text.
func decode(r io.Reader, encoding string) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryFile, apperrors.CodeUnexpectedError, "failed to read feed")
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	switch strings.ToLower(encoding) {
	case EncodingLatin1:
		return charmap.Windows1252.NewDecoder().Reader(bytes.NewReader(data)), nil
	case EncodingUTF8:
		if line := firstInvalidLine(data); line > 0 {
			return nil, apperrors.ParseError(apperrors.CodeEncodingError, line, "", "",
				fmt.Errorf("invalid UTF-8 encoding detected"))
		}
		return bytes.NewReader(data), nil
	default:
		if utf8.Valid(data) {
			return bytes.NewReader(data), nil
		}
		return charmap.Windows1252.NewDecoder().Reader(bytes.NewReader(data)), nil
	}
}

func firstInvalidLine(data []byte) int {
	for i, line := range bytes.Split(data, []byte("\n")) {
		if !utf8.Valid(line) {
			return i + 1
		}
	}
	return 0
}

func newCSVReader(r io.Reader, delimiter rune) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false
	return reader
}

// header maps logical fields to column positions; absent fields map to -1.
type header struct {
	names   []string
	index   map[Field]int
	line    int
	columns int
}

// readHeader skips the preamble and resolves the configured columns.
func readHeader(reader *csv.Reader, config *FeedConfig) (*header, error) {
	var record []string
	line := 0
	for seen := 0; seen < config.HeaderLine; seen++ {
		rec, err := reader.Read()
		if err == io.EOF {
			return nil, apperrors.ParseError(apperrors.CodeMissingColumn, line, "header", "",
				fmt.Errorf("feed ended before header line %d", config.HeaderLine)).
				WithSuggestion("check the feed profile's header line against the export")
		}
		if err != nil {
			if perr, ok := err.(*csv.ParseError); ok {
				line = perr.StartLine
				record = nil
				continue
			}
			return nil, apperrors.ParseError(apperrors.CodeInvalidData, line+1, "header", "", err)
		}
		line, _ = reader.FieldPos(0)
		record = rec
	}
	if len(record) == 0 {
		return nil, apperrors.ParseError(apperrors.CodeInvalidData, line, "header", "",
			fmt.Errorf("header line is malformed"))
	}

	h := &header{index: make(map[Field]int), line: line, columns: len(record)}
	for _, name := range record {
		h.names = append(h.names, cleanHeader(name))
	}

	var missing []string
	for _, f := range []Field{FieldDate, FieldAmount, FieldCurrency, FieldAccount, FieldPayer, FieldRemittance} {
		h.index[f] = h.find(config.HeaderNames(f))
		if h.index[f] == -1 && isRequired(f) {
			missing = append(missing, strings.Join(config.HeaderNames(f), "|"))
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.ParseError(apperrors.CodeMissingColumn, line, strings.Join(missing, ", "), "", nil).
			WithContext("available_headers", h.names).
			WithSuggestion(fmt.Sprintf("ensure the feed header contains: %s", strings.Join(missing, ", ")))
	}
	return h, nil
}

func (h *header) find(candidates []string) int {
	for _, want := range candidates {
		for i, name := range h.names {
			if strings.EqualFold(name, strings.TrimSpace(want)) {
				return i
			}
		}
	}
	return -1
}

// value returns the trimmed cell of a field, or "" when absent.
func (h *header) value(record []string, f Field) string {
	i, ok := h.index[f]
	if !ok || i < 0 || i >= len(record) {
		return ""
	}
	return cleanCell(record[i])
}

// cleanHeader trims spaces and spreadsheet formula quoting.
func cleanHeader(s string) string {
	return cleanCell(s)
}

// cleanCell undoes the ="..." wrapping some banks use to keep spreadsheets
// from reformatting values.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func isRequired(f Field) bool {
	for _, r := range RequiredFields {
		if r == f {
			return true
		}
	}
	return false
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
