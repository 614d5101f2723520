package parsers

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/Enucatl/send-bills/internal/models"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// TransactionCallback receives each parsed credit in feed order. Returning
// an error stops the stream.
type TransactionCallback func(*models.Transaction) error

// RowErrorCallback receives each rejected row.
type RowErrorCallback func(*RowError)

// Stream parses r row by row without keeping the transactions.
func (p *Parser) Stream(ctx context.Context, r io.Reader, onTransaction TransactionCallback, onRowError RowErrorCallback) (*ParseStats, error) {
	stats := &ParseStats{}

	text, err := decode(r, p.config.Encoding)
	if err != nil {
		return stats, err
	}
	reader := newCSVReader(text, p.config.Delimiter)

	h, err := readHeader(reader, p.config)
	if err != nil {
		p.logger.WithError(err).WithField("profile", p.config.Name).Error("Failed to read feed header")
		return stats, err
	}
	stats.TotalLines = h.line

	reject := func(rowErr *RowError) {
		stats.ErrorCount++
		p.logger.WithFields(logger.Fields{
			"line":  rowErr.Line,
			"field": rowErr.Field,
			"value": rowErr.Value,
		}).Warn(rowErr.Message)
		if onRowError != nil {
			onRowError(rowErr)
		}
	}

	state := &rowState{last: make(map[Field]string)}
	for {
		if err := ctx.Err(); err != nil {
			return stats, apperrors.InternalError("feed parsing", err)
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			perr, ok := err.(*csv.ParseError)
			if !ok {
				return stats, apperrors.Wrap(err, apperrors.CategoryFile, apperrors.CodeUnexpectedError, "failed to read feed")
			}
			stats.TotalLines = perr.Line
			stats.RecordsParsed++
			reject(&RowError{Line: perr.StartLine, Message: "malformed row", Err: err})
			continue
		}
		line, _ := reader.FieldPos(0)
		stats.TotalLines = line
		if isEmptyRecord(record) {
			continue
		}
		stats.RecordsParsed++

		tx, rowErr := p.convert(h, record, line, state)
		switch {
		case rowErr != nil:
			reject(rowErr)
		case tx == nil:
			stats.Skipped++
		default:
			stats.RecordsValid++
			if onTransaction != nil {
				if err := onTransaction(tx); err != nil {
					return stats, err
				}
			}
		}
	}

	p.logger.WithField("stats", stats.String()).Debug("Feed stream finished")
	return stats, nil
}
