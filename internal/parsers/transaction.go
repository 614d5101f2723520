package parsers

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/Enucatl/send-bills/internal/models"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

// Batch is the result of parsing one feed.
type Batch struct {
	Transactions []*models.Transaction `json:"transactions"`
	RowErrors    []*RowError           `json:"row_errors"`
	Stats        *ParseStats           `json:"stats"`
}

// Parser turns feeds of one layout into transactions.
type Parser struct {
	config *FeedConfig
	logger logger.Logger
}

// NewParser creates a parser. A nil config selects DefaultFeedConfig.
func NewParser(config *FeedConfig) (*Parser, error) {
	if config == nil {
		config = DefaultFeedConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log := logger.GetGlobalLogger().WithComponent("feed_parser")
	log.WithFields(logger.Fields{
		"profile":     config.Name,
		"delimiter":   string(config.Delimiter),
		"header_line": config.HeaderLine,
	}).Debug("Created feed parser")

	return &Parser{config: config, logger: log}, nil
}

// Config returns the feed layout.
func (p *Parser) Config() *FeedConfig {
	return p.config
}

// ParseBatch reads every credit of the feed.
func ParseBatch(r io.Reader, config *FeedConfig) ([]*models.Transaction, []*RowError, error) {
	p, err := NewParser(config)
	if err != nil {
		return nil, nil, err
	}
	batch, err := p.ParseBatch(context.Background(), r)
	if err != nil {
		return nil, nil, err
	}
	return batch.Transactions, batch.RowErrors, nil
}

// ParseBatch reads every credit of the feed.
func (p *Parser) ParseBatch(ctx context.Context, r io.Reader) (*Batch, error) {
	batch := &Batch{Transactions: []*models.Transaction{}, RowErrors: []*RowError{}}
	stats, err := p.Stream(ctx, r, func(tx *models.Transaction) error {
		batch.Transactions = append(batch.Transactions, tx)
		return nil
	}, func(rowErr *RowError) {
		batch.RowErrors = append(batch.RowErrors, rowErr)
	})
	batch.Stats = stats
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logger.Fields{
		"profile":      p.config.Name,
		"transactions": len(batch.Transactions),
		"row_errors":   len(batch.RowErrors),
		"skipped":      stats.Skipped,
	}).Info("Parsed transaction feed")
	return batch, nil
}

// ParseFile opens path and parses it.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Batch, error) {
	file, err := os.Open(path)
	if err != nil {
		p.logger.WithError(err).WithField("file_path", path).Error("Failed to open feed")
		switch {
		case os.IsNotExist(err):
			return nil, apperrors.FileError(apperrors.CodeFileNotFound, path, err)
		case os.IsPermission(err):
			return nil, apperrors.FileError(apperrors.CodeFilePermission, path, err)
		default:
			return nil, apperrors.FileError(apperrors.CodeUnexpectedError, path, err)
		}
	}
	defer file.Close()

	batch, err := p.ParseBatch(ctx, file)
	if appErr, ok := apperrors.AsAppError(err); ok {
		return nil, appErr.WithContext("file_path", path)
	}
	return batch, err
}

// rowState carries fill-down values across rows.
type rowState struct {
	last map[Field]string
}

// convert builds a transaction from a data row. It returns nil, nil for a
// row that is not a credit or lacks the remittance marker.
func (p *Parser) convert(h *header, record []string, line int, state *rowState) (*models.Transaction, *RowError) {
	values := make(map[Field]string, len(h.index))
	for f := range h.index {
		v := h.value(record, f)
		if p.config.fillsDown(f) {
			if v == "" {
				v = state.last[f]
			} else {
				state.last[f] = v
			}
		}
		values[f] = v
	}

	remittance := values[FieldRemittance]
	if marker := p.config.RemittanceMarker; marker != "" &&
		!strings.Contains(strings.ToUpper(remittance), strings.ToUpper(marker)) {
		return nil, nil
	}

	rawAmount := values[FieldAmount]
	if rawAmount == "" {
		return nil, &RowError{Line: line, Field: string(FieldAmount), Message: "amount is empty"}
	}
	amount, err := models.ParseAmount(rawAmount, p.config.DecimalComma)
	if err != nil {
		return nil, &RowError{Line: line, Field: string(FieldAmount), Value: rawAmount, Message: "invalid amount", Err: err}
	}
	if !amount.IsPositive() {
		return nil, nil
	}

	rawDate := values[FieldDate]
	date, err := models.ParseDate(rawDate, p.config.DateLayouts)
	if err != nil {
		return nil, &RowError{Line: line, Field: string(FieldDate), Value: rawDate, Message: "invalid date", Err: err}
	}

	currency := strings.ToUpper(values[FieldCurrency])
	if currency == "" {
		currency = strings.ToUpper(p.config.DefaultCurrency)
	}

	tx := &models.Transaction{
		Row:             line,
		ValueDate:       date,
		Amount:          amount,
		Currency:        currency,
		CreditorAccount: strings.ReplaceAll(values[FieldAccount], " ", ""),
		PayerText:       values[FieldPayer],
		RemittanceText:  remittance,
	}
	if err := tx.Validate(); err != nil {
		return nil, &RowError{Line: line, Field: string(FieldCurrency), Value: currency, Message: "invalid transaction", Err: err}
	}
	return tx, nil
}
