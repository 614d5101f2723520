package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents the error taxonomy shared by every trigger.
type ErrorCategory string

const (
	// CategoryInvalidArgument is malformed or missing required input; fatal to the call.
	CategoryInvalidArgument ErrorCategory = "invalid_argument"
	// CategoryValidation is a shape or checksum mismatch; reported, never fatal to a batch.
	CategoryValidation ErrorCategory = "validation"
	// CategoryInvalidTransition is a lifecycle guard violation; the item is skipped.
	CategoryInvalidTransition ErrorCategory = "invalid_transition"
	// CategoryNotFound is a referenced entity that does not exist.
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDownstream is a persistence or delivery failure; the item is rolled back and retryable.
	CategoryDownstream ErrorCategory = "downstream"

	CategoryParse         ErrorCategory = "parse"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryFile          ErrorCategory = "file"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Invalid argument errors
	CodeMissingInput   ErrorCode = "missing_input"
	CodeMalformedInput ErrorCode = "malformed_input"

	// Validation errors
	CodeChecksumMismatch ErrorCode = "checksum_mismatch"
	CodeInvalidShape     ErrorCode = "invalid_shape"
	CodeInvalidIBAN      ErrorCode = "invalid_iban"
	CodeInvalidAmount    ErrorCode = "invalid_amount"
	CodeInvalidDate      ErrorCode = "invalid_date"
	CodeMissingField     ErrorCode = "missing_field"

	// Lifecycle errors
	CodeTransitionRejected ErrorCode = "transition_rejected"

	// Lookup errors
	CodeBillNotFound     ErrorCode = "bill_not_found"
	CodeTemplateNotFound ErrorCode = "template_not_found"
	CodeCreditorNotFound ErrorCode = "creditor_not_found"
	CodeContactNotFound  ErrorCode = "contact_not_found"

	// Downstream errors
	CodePersistenceFailed ErrorCode = "persistence_failed"
	CodeDeliveryFailed    ErrorCode = "delivery_failed"
	CodeConflict          ErrorCode = "conflict"

	// Parse errors
	CodeMissingColumn ErrorCode = "missing_column"
	CodeInvalidData   ErrorCode = "invalid_data"
	CodeEncodingError ErrorCode = "encoding_error"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFilePermission ErrorCode = "file_permission"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// AppError is the base error type for all application errors
type AppError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether running the same trigger again may succeed.
func (e *AppError) Retryable() bool {
	return e.Category == CategoryDownstream
}

// GetExitCode returns an appropriate exit code for the error
func (e *AppError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryParse, CategoryValidation, CategoryInvalidArgument:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryInvalidTransition, CategoryNotFound, CategoryInternal:
		return 5
	case CategoryDownstream:
		return 6
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AppError
func New(category ErrorCategory, code ErrorCode, message string) *AppError {
	return &AppError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	return &AppError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

func build(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// InvalidArgument reports malformed or missing input for a whole call.
func InvalidArgument(field string, message string) *AppError {
	code := CodeMalformedInput
	if strings.TrimSpace(message) == "" {
		code = CodeMissingInput
		message = "value is required"
	}
	return New(CategoryInvalidArgument, code, fmt.Sprintf("invalid argument '%s': %s", field, message)).
		WithContext("field", field)
}

// ValidationFailure creates a validation-related error
func ValidationFailure(code ErrorCode, field string, value interface{}, err error) *AppError {
	var message string
	var suggestion string

	switch code {
	case CodeChecksumMismatch:
		message = fmt.Sprintf("checksum mismatch in '%s': %v", field, value)
		suggestion = "the reference was probably mistyped by the payer"
	case CodeInvalidShape:
		message = fmt.Sprintf("'%s' does not have a valid reference shape: %v", field, value)
		suggestion = "references are RF followed by 2 check digits, or 27 digits"
	case CodeInvalidIBAN:
		message = fmt.Sprintf("invalid IBAN in '%s': %v", field, value)
		suggestion = "check the country code, length and check digits"
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g., '12.34')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD or DD.MM.YYYY"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(err, CategoryValidation, code, message).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// InvalidTransition reports a rejected lifecycle change.
func InvalidTransition(entity string, from, to string) *AppError {
	return New(CategoryInvalidTransition, CodeTransitionRejected,
		fmt.Sprintf("%s cannot move from %s to %s", entity, from, to)).
		WithContext("from", from).
		WithContext("to", to)
}

// NotFound reports a missing entity.
func NotFound(code ErrorCode, kind string, id string) *AppError {
	return New(CategoryNotFound, code, fmt.Sprintf("%s %s not found", kind, id)).
		WithContext("id", id)
}

// Downstream creates a collaborator failure. The affected item was rolled back.
func Downstream(code ErrorCode, operation string, err error) *AppError {
	var message string
	var suggestion string

	switch code {
	case CodePersistenceFailed:
		message = fmt.Sprintf("persistence failed during %s", operation)
		suggestion = "check database connectivity; the item will be retried on the next run"
	case CodeDeliveryFailed:
		message = fmt.Sprintf("delivery failed during %s", operation)
		suggestion = "the bill stays pending and is retried on the next run"
	case CodeConflict:
		message = fmt.Sprintf("concurrent update detected during %s", operation)
		suggestion = "another run modified the same record; nothing was applied"
	default:
		message = fmt.Sprintf("downstream error during %s", operation)
		suggestion = "try again later"
	}

	return build(err, CategoryDownstream, code, message).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ParseError creates a parsing-related error
func ParseError(code ErrorCode, line int, column string, value string, err error) *AppError {
	var message string
	var suggestion string

	switch code {
	case CodeMissingColumn:
		message = fmt.Sprintf("missing required column '%s'", column)
		suggestion = "verify the export has all required columns or configure column aliases"
	case CodeInvalidData:
		message = fmt.Sprintf("invalid data at line %d, column '%s': '%s'", line, column, value)
		suggestion = "correct the data format or remove the invalid entry"
	case CodeEncodingError:
		message = fmt.Sprintf("invalid text encoding at line %d", line)
		suggestion = "save the export as UTF-8 or set the feed encoding to latin1"
	default:
		message = fmt.Sprintf("parse error at line %d", line)
		suggestion = "check the file format and data integrity"
	}

	return build(err, CategoryParse, code, message).
		WithSuggestion(suggestion).
		WithContext("line", line).
		WithContext("column", column).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *AppError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(err, CategoryConfiguration, code, message).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// FileError creates a file-related error
func FileError(code ErrorCode, path string, err error) *AppError {
	var message string
	var suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeFilePermission:
		message = fmt.Sprintf("permission denied accessing file: %s", path)
		suggestion = "check file permissions and ensure you have read access"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	return build(err, CategoryFile, code, message).
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *AppError {
	return build(err, CategoryInternal, CodeUnexpectedError, fmt.Sprintf("unexpected error during %s", operation)).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*AppError           `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*AppError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if summary.Errors == nil {
		summary.Errors = []*AppError{}
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}
	sort.Strings(categories)

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// Utility functions

// AsAppError extracts an AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCategory reports whether err carries an AppError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Category == category
}

// WrapIfNeeded wraps an error if it's not already an AppError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return Wrap(err, category, code, message)
}
