package parsers

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Field names a logical column of a transaction feed.
type Field string

const (
	FieldDate       Field = "date"
	FieldAmount     Field = "amount"
	FieldCurrency   Field = "currency"
	FieldAccount    Field = "account"
	FieldPayer      Field = "payer"
	FieldRemittance Field = "remittance"
)

// RequiredFields must be present in every feed header.
var RequiredFields = []Field{FieldDate, FieldAmount}

// Encodings accepted by FeedConfig.Encoding.
const (
	EncodingAuto   = "auto"
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin1"
)

// FeedConfig describes the layout of a bank export.
type FeedConfig struct {
	Name string `json:"name" mapstructure:"name"`
	// Columns maps each logical field to its header name.
	Columns map[Field]string `json:"columns" mapstructure:"columns"`
	// Aliases lists alternative header names tried when Columns misses.
	Aliases   map[Field][]string `json:"aliases,omitempty" mapstructure:"aliases"`
	Delimiter rune               `json:"delimiter" mapstructure:"delimiter"`
	// HeaderLine is the 1-based position of the header among the non-blank
	// lines; the lines before it are a preamble and ignored.
	HeaderLine   int      `json:"header_line" mapstructure:"header_line"`
	DateLayouts  []string `json:"date_layouts,omitempty" mapstructure:"date_layouts"`
	DecimalComma bool     `json:"decimal_comma" mapstructure:"decimal_comma"`
	// FillDown copies the last non-empty value into empty cells of these
	// fields, for exports that group several credits under one booking.
	FillDown []Field `json:"fill_down,omitempty" mapstructure:"fill_down"`
	// RemittanceMarker, when set, keeps only rows whose remittance text
	// contains it; other rows are skipped silently.
	RemittanceMarker string `json:"remittance_marker,omitempty" mapstructure:"remittance_marker"`
	// Encoding is utf-8, latin1 or auto (latin1 when the input is not UTF-8).
	Encoding string `json:"encoding" mapstructure:"encoding"`
	// DefaultCurrency applies to rows without a currency column.
	DefaultCurrency string `json:"default_currency,omitempty" mapstructure:"default_currency"`
}

// Validate checks the feed configuration.
func (c *FeedConfig) Validate() error {
	for _, f := range RequiredFields {
		if strings.TrimSpace(c.Columns[f]) == "" && len(c.Aliases[f]) == 0 {
			return apperrors.ConfigurationError(apperrors.CodeMissingConfig, "feed.columns."+string(f), "", nil)
		}
	}
	if c.Delimiter == 0 || c.Delimiter == '\r' || c.Delimiter == '\n' || c.Delimiter == '"' {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "feed.delimiter", string(c.Delimiter), nil)
	}
	if c.HeaderLine < 1 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "feed.header_line", c.HeaderLine,
			fmt.Errorf("header line is 1-based"))
	}
	switch strings.ToLower(c.Encoding) {
	case "", EncodingAuto, EncodingUTF8, EncodingLatin1:
	default:
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "feed.encoding", c.Encoding, nil)
	}
	return nil
}

// HeaderNames returns the header names a field may appear under, preferred first.
func (c *FeedConfig) HeaderNames(f Field) []string {
	var names []string
	if name := strings.TrimSpace(c.Columns[f]); name != "" {
		names = append(names, name)
	}
	return append(names, c.Aliases[f]...)
}

func (c *FeedConfig) fillsDown(f Field) bool {
	for _, ff := range c.FillDown {
		if ff == f {
			return true
		}
	}
	return false
}

// DefaultFeedConfig is a plain comma-separated export with English headers.
func DefaultFeedConfig() *FeedConfig {
	return &FeedConfig{
		Name: "standard",
		Columns: map[Field]string{
			FieldDate:       "value_date",
			FieldAmount:     "amount",
			FieldCurrency:   "currency",
			FieldAccount:    "creditor_account",
			FieldPayer:      "payer",
			FieldRemittance: "remittance",
		},
		Aliases: map[Field][]string{
			FieldDate:       {"date", "booking_date"},
			FieldAmount:     {"credit"},
			FieldAccount:    {"iban", "account"},
			FieldRemittance: {"description", "reference", "remittance_information"},
		},
		Delimiter:  ',',
		HeaderLine: 1,
		Encoding:   EncodingAuto,
	}
}

// PostFinanceFeedConfig reads the Italian-language PostFinance account
// export: a preamble of eight lines, ';' separators, collective credits
// whose single amounts follow the booking row, and the structured reference
// after "SCOR:" in the first description column.
func PostFinanceFeedConfig() *FeedConfig {
	return &FeedConfig{
		Name: "postfinance",
		Columns: map[Field]string{
			FieldDate:       "Data dell'operazione",
			FieldAmount:     "Importo singolo",
			FieldCurrency:   "Moneta",
			FieldAccount:    "Descrizione2",
			FieldPayer:      "Descrizione3",
			FieldRemittance: "Descrizione1",
		},
		Aliases: map[Field][]string{
			FieldDate:   {"Data di valuta"},
			FieldAmount: {"Accredito"},
		},
		Delimiter:        ';',
		HeaderLine:       9,
		DateLayouts:      []string{"02.01.2006", "2006-01-02"},
		FillDown:         []Field{FieldDate, FieldCurrency, FieldAccount},
		RemittanceMarker: "SCOR:",
		Encoding:         EncodingAuto,
	}
}

var profiles = map[string]func() *FeedConfig{
	"standard":    DefaultFeedConfig,
	"postfinance": PostFinanceFeedConfig,
}

// Profile returns a fresh copy of a named feed layout.
func Profile(name string) (*FeedConfig, error) {
	build, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "feed.profile", name, nil).
			WithSuggestion(fmt.Sprintf("available profiles: %s", strings.Join(ProfileNames(), ", ")))
	}
	return build(), nil
}

// ProfileNames lists the built-in feed layouts.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
